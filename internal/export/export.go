// Package export turns an edited version back into a downloadable file that
// resembles its original: same container, pixel size, metadata and roughly
// the same file size.
package export

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/retoucher/internal/errs"
	"github.com/and161185/retoucher/internal/filestore"
	"github.com/and161185/retoucher/internal/metadata"
	"github.com/and161185/retoucher/internal/model"
	"github.com/and161185/retoucher/internal/raster"
)

const (
	defaultHEICQuality = 85
	defaultJPEGQuality = 90
)

// Files is the part of the session file store the reconciler reads from.
type Files interface {
	Read(ctx context.Context, sessionID, id string) ([]byte, filestore.Entry, error)
}

// MetadataCopier transplants tags between encoded images.
type MetadataCopier interface {
	CopyAll(ctx context.Context, source, target []byte, sourceExt, targetExt string, ov metadata.Overrides) ([]byte, []model.Warning)
}

// Options tune the quality search and batch pool.
type Options struct {
	// Tolerance is the accepted relative deviation from the original size.
	Tolerance   float64
	MaxAttempts int
	MinQuality  int
	Workers     int
}

var defaultOptions = Options{
	Tolerance:   0.10,
	MaxAttempts: 6,
	MinQuality:  30,
	Workers:     2,
}

// Reconciler produces export files. Safe for concurrent use.
type Reconciler struct {
	files Files
	codec raster.Codec
	meta  MetadataCopier
	opts  Options
	log   *zap.Logger
}

// New returns a Reconciler. Zero option fields take defaults.
func New(files Files, codec raster.Codec, meta MetadataCopier, opts Options, log *zap.Logger) *Reconciler {
	if opts.Tolerance <= 0 {
		opts.Tolerance = defaultOptions.Tolerance
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultOptions.MaxAttempts
	}
	if opts.MinQuality <= 0 || opts.MinQuality > 100 {
		opts.MinQuality = defaultOptions.MinQuality
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultOptions.Workers
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{files: files, codec: codec, meta: meta, opts: opts, log: log}
}

// Export re-encodes req.VersionID into req.TargetFormat and re-attaches the
// original's metadata. A missing version or a failed encode is an error;
// problems with the original or its metadata only add warnings.
func (r *Reconciler) Export(ctx context.Context, req model.ExportRequest) (*model.ExportResult, error) {
	if !req.TargetFormat.Exportable() {
		return nil, fmt.Errorf("validation: unsupported target format %q: %w", req.TargetFormat, errs.ErrValidation)
	}
	if req.VersionID == "" {
		return nil, fmt.Errorf("validation: version id is required: %w", errs.ErrValidation)
	}

	src, srcEntry, err := r.files.Read(ctx, req.SessionID, req.VersionID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) || errors.Is(err, errs.ErrValidation) {
			return nil, fmt.Errorf("version %s: %w", req.VersionID, errs.ErrMissingArtifact)
		}
		return nil, err
	}

	var warnings []model.Warning
	orig, origEntry, err := r.readOriginal(ctx, req)
	if err != nil {
		r.log.Warn("export: original unavailable",
			zap.String("session", req.SessionID),
			zap.String("original", req.OriginalImageID),
			zap.Error(err),
		)
		warnings = append(warnings, model.Warning{
			Kind:    model.WarnOriginalMissing,
			Message: fmt.Sprintf("original %q unavailable, metadata not copied", req.OriginalImageID),
		})
	}

	enc, err := r.encode(ctx, src, srcEntry.Ext, req)
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, enc.warnings...)

	out := enc.data
	if orig != nil {
		var w []model.Warning
		out, w = r.meta.CopyAll(ctx, orig, out, origEntry.Ext, req.TargetFormat.Ext(), metadata.Overrides{
			Width:  req.OriginalWidth,
			Height: req.OriginalHeight,
		})
		warnings = append(warnings, w...)
	}

	r.log.Info("export done",
		zap.String("session", req.SessionID),
		zap.String("version", req.VersionID),
		zap.String("target", string(req.TargetFormat)),
		zap.Int("quality", enc.quality),
		zap.Int("attempts", enc.attempts),
		zap.Int("bytes", len(out)),
		zap.Int("warnings", len(warnings)),
	)

	return &model.ExportResult{
		Data:        out,
		Filename:    Filename(req.OriginalFilename, req.OriginalImageID, req.TargetFormat),
		ContentType: req.TargetFormat.ContentType(),
		Quality:     enc.quality,
		Attempts:    enc.attempts,
		Warnings:    warnings,
	}, nil
}

func (r *Reconciler) readOriginal(ctx context.Context, req model.ExportRequest) ([]byte, filestore.Entry, error) {
	if req.OriginalImageID == "" {
		return nil, filestore.Entry{}, errors.New("no original id")
	}
	return r.files.Read(ctx, req.SessionID, req.OriginalImageID)
}

// Filename returns "<base>_updated.<ext>" where base is the original
// filename without directory or extension, falling back to fallback.
func Filename(original, fallback string, target model.Format) string {
	base := filepath.Base(strings.ReplaceAll(original, `\`, "/"))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == "/" {
		base = fallback
	}
	if base == "" {
		base = "image"
	}
	return base + "_updated" + target.Ext()
}
