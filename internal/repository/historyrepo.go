package repository

import (
	"context"

	"github.com/and161185/retoucher/internal/model"
)

// HistoryRepository stores edit versions and per-artifact history.
type HistoryRepository interface {
	// CreateVersion records a stored version.
	CreateVersion(ctx context.Context, v *model.Version) error
	// GetVersion loads a version by session and id.
	GetVersion(ctx context.Context, sessionID, id string) (*model.Version, error)
	// DeleteVersions removes version records; unknown ids are ignored.
	DeleteVersions(ctx context.Context, sessionID string, ids []string) error
	// LoadHistory returns the artifact history, or an empty one.
	LoadHistory(ctx context.Context, sessionID, artifactID string) (model.History, error)
	// SaveHistory atomically replaces the action list and cursor.
	SaveHistory(ctx context.Context, sessionID, artifactID string, h model.History) error
}
