package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/retoucher/internal/crypto"
	"github.com/and161185/retoucher/internal/errs"
	"github.com/and161185/retoucher/internal/export"
	"github.com/and161185/retoucher/internal/history"
	"github.com/and161185/retoucher/internal/model"
)

// Export fills request fields left empty from the catalog and runs the
// reconciler under the artifact lock. An empty VersionID exports the
// current version.
func (s *ImageServiceImpl) Export(ctx context.Context, req model.ExportRequest) (*model.ExportResult, error) {
	req, err := s.completeExport(ctx, req)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lock(ctx, req.SessionID, req.OriginalImageID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.Exporter.Export(ctx, req)
}

// ExportBatch completes every request, then runs the valid ones through the
// reconciler pool. Each worker holds only the lock of the artifact it is
// exporting, so a batch never waits on more than one lock at a time.
func (s *ImageServiceImpl) ExportBatch(ctx context.Context, sessionID string, reqs []model.ExportRequest) []export.BatchResult {
	results := make([]export.BatchResult, len(reqs))
	var (
		ready   []model.ExportRequest
		readyAt []int
	)
	for i, r := range reqs {
		r.SessionID = sessionID
		full, err := s.completeExport(ctx, r)
		if err != nil {
			results[i] = export.BatchResult{Index: i, Err: err}
			continue
		}
		ready = append(ready, full)
		readyAt = append(readyAt, i)
	}

	locked := func(ctx context.Context, req model.ExportRequest) (*model.ExportResult, error) {
		unlock, err := s.lock(ctx, req.SessionID, req.OriginalImageID)
		if err != nil {
			return nil, err
		}
		defer unlock()
		return s.Exporter.Export(ctx, req)
	}
	for j, r := range s.Exporter.RunBatch(ctx, ready, locked) {
		i := readyAt[j]
		r.Index = i
		results[i] = r
	}
	return results
}

func (s *ImageServiceImpl) completeExport(ctx context.Context, req model.ExportRequest) (model.ExportRequest, error) {
	if req.SessionID == "" {
		return req, fmt.Errorf("validation: empty session: %w", errs.ErrValidation)
	}
	if req.OriginalImageID == "" {
		req.OriginalImageID = crypto.ArtifactOf(req.VersionID)
	}
	if req.OriginalImageID == "" {
		return req, fmt.Errorf("validation: version or original id is required: %w", errs.ErrValidation)
	}
	if req.VersionID != "" && crypto.ArtifactOf(req.VersionID) != req.OriginalImageID {
		return req, fmt.Errorf("validation: version %s does not belong to %s: %w", req.VersionID, req.OriginalImageID, errs.ErrValidation)
	}

	a, err := s.Artifacts.Get(ctx, req.SessionID, req.OriginalImageID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		// The reconciler still exports the version and reports the
		// missing original as a warning.
		if req.VersionID == "" {
			return req, err
		}
		return req, nil
	case err != nil:
		return req, err
	}

	if req.VersionID == "" {
		h, err := s.Histories.LoadHistory(ctx, req.SessionID, a.ID)
		if err != nil {
			return req, err
		}
		req.VersionID = history.Active(h, a.ID)
	}
	if req.OriginalFilename == "" {
		req.OriginalFilename = a.OriginalFilename
	}
	if req.OriginalFormat == "" {
		req.OriginalFormat = a.Format
	}
	if req.OriginalWidth == 0 || req.OriginalHeight == 0 {
		req.OriginalWidth, req.OriginalHeight = a.Width, a.Height
	}
	if req.OriginalFileSize == 0 {
		req.OriginalFileSize = a.FileSize
	}
	if req.OriginalQuality == 0 {
		req.OriginalQuality = a.Quality
	}
	if req.TargetFormat == "" {
		req.TargetFormat = model.FormatJPEG
		if a.Format == model.FormatHEIC {
			req.TargetFormat = model.FormatHEIC
		}
	}
	return req, nil
}

