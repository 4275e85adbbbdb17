package export

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/and161185/retoucher/internal/errs"
	"github.com/and161185/retoucher/internal/model"
	"github.com/and161185/retoucher/internal/raster"
)

type encoded struct {
	data     []byte
	quality  int
	attempts int
	warnings []model.Warning
}

func (r *Reconciler) encode(ctx context.Context, src []byte, srcExt string, req model.ExportRequest) (encoded, error) {
	opts := raster.EncodeOptions{
		Format:  req.TargetFormat,
		Quality: req.OriginalQuality,
		Width:   req.OriginalWidth,
		Height:  req.OriginalHeight,
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = 0, 0
	}

	switch {
	case req.TargetFormat == model.FormatHEIC && req.OriginalFormat == model.FormatHEIC:
		if opts.Quality <= 0 {
			opts.Quality = defaultHEICQuality
		}
		if req.OriginalFileSize > 0 {
			return r.matchSize(ctx, src, srcExt, opts, req.OriginalFileSize)
		}
	case req.TargetFormat == model.FormatHEIC:
		// Sizes are not comparable across codecs; encode once.
		if opts.Quality <= 0 {
			opts.Quality = defaultHEICQuality
		}
	default:
		if opts.Quality <= 0 {
			opts.Quality = defaultJPEGQuality
		}
	}

	out, err := r.encodeOnce(ctx, src, srcExt, opts)
	if err != nil {
		return encoded{}, err
	}
	return encoded{data: out, quality: opts.Quality, attempts: 1}, nil
}

// matchSize bisects the quality range until an encode lands within the
// tolerance of desired or the attempt budget is spent, keeping the closest.
func (r *Reconciler) matchSize(ctx context.Context, src []byte, srcExt string, opts raster.EncodeOptions, desired int64) (encoded, error) {
	lo, hi := r.opts.MinQuality, 100
	q := min(max(opts.Quality, lo), hi)

	var best encoded
	bestDev := math.Inf(1)
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		opts.Quality = q
		out, err := r.encodeOnce(ctx, src, srcExt, opts)
		if err != nil {
			return encoded{}, err
		}
		dev := deviation(int64(len(out)), desired)
		r.log.Debug("export: quality attempt",
			zap.Int("attempt", attempt),
			zap.Int("quality", q),
			zap.Int("bytes", len(out)),
			zap.Float64("deviation", dev),
		)
		if dev < bestDev {
			best = encoded{data: out, quality: q}
			bestDev = dev
		}
		best.attempts = attempt
		if dev <= r.opts.Tolerance {
			return best, nil
		}

		if int64(len(out)) > desired {
			hi = q - 1
		} else {
			lo = q + 1
		}
		if lo > hi {
			break
		}
		q = (lo + hi) / 2
	}

	best.warnings = append(best.warnings, model.Warning{
		Kind: model.WarnSizeOutOfRange,
		Message: fmt.Sprintf("closest encode is %d bytes at quality %d, %.1f%% from %d",
			len(best.data), best.quality, bestDev*100, desired),
	})
	return best, nil
}

func (r *Reconciler) encodeOnce(ctx context.Context, src []byte, srcExt string, opts raster.EncodeOptions) ([]byte, error) {
	out, err := r.codec.Encode(ctx, src, srcExt, opts)
	if err != nil {
		if !errors.Is(err, errs.ErrEncodeFailure) {
			err = fmt.Errorf("%w: %w", errs.ErrEncodeFailure, err)
		}
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: encoder produced no data", errs.ErrEncodeFailure)
	}
	return out, nil
}

func deviation(got, want int64) float64 {
	return math.Abs(float64(got-want)) / float64(want)
}
