package export

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/retoucher/internal/model"
)

// BatchResult is the outcome of one item of ExportBatch.
type BatchResult struct {
	Index  int
	Result *model.ExportResult
	Err    error
}

// ExportFunc exports a single request.
type ExportFunc func(ctx context.Context, req model.ExportRequest) (*model.ExportResult, error)

// ExportBatch exports every request through a pool of Options.Workers.
// A failing item never cancels the others. Results keep request order.
func (r *Reconciler) ExportBatch(ctx context.Context, reqs []model.ExportRequest) []BatchResult {
	return r.RunBatch(ctx, reqs, r.Export)
}

// RunBatch is ExportBatch with do in place of Export, so callers can wrap
// each item, for example in a per-item lock held only by its worker.
func (r *Reconciler) RunBatch(ctx context.Context, reqs []model.ExportRequest, do ExportFunc) []BatchResult {
	results := make([]BatchResult, len(reqs))

	var g errgroup.Group
	g.SetLimit(r.opts.Workers)
	for i, req := range reqs {
		g.Go(func() error {
			results[i].Index = i
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			res, err := do(ctx, req)
			if err != nil {
				r.log.Warn("export: batch item failed", zap.Int("index", i), zap.Error(err))
			}
			results[i].Result, results[i].Err = res, err
			return nil
		})
	}
	_ = g.Wait()
	return results
}
