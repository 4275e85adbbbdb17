// Package raster wraps the external image codec used to probe, re-encode and
// thumbnail images.
package raster

import (
	"context"

	"github.com/and161185/retoucher/internal/model"
)

// Info describes a decoded image.
type Info struct {
	Width      int
	Height     int
	Format     model.Format
	Quality    int // encoder quality estimate, 0 if unknown
	ColorSpace string
	BitDepth   int
}

// EncodeOptions controls a re-encode. Zero Width/Height keep the source size.
type EncodeOptions struct {
	Format  model.Format
	Quality int
	Width   int
	Height  int
}

// Codec is the raster codec contract. Encode failures wrap errs.ErrEncodeFailure.
type Codec interface {
	// Probe reads dimensions and format. ext is a hint for containers the
	// codec cannot sniff (camera raw), and may be empty.
	Probe(ctx context.Context, data []byte, ext string) (Info, error)
	// Encode re-encodes data into opts.Format.
	Encode(ctx context.Context, data []byte, ext string, opts EncodeOptions) ([]byte, error)
	// Thumbnail produces a JPEG whose longest edge is at most maxEdge.
	Thumbnail(ctx context.Context, data []byte, ext string, maxEdge int) ([]byte, error)
}
