// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/retoucher/internal/model"
)

// ArtifactRepository is the per-session catalog of uploaded artifacts.
type ArtifactRepository interface {
	// Create inserts a new artifact record.
	Create(ctx context.Context, a *model.Artifact) error
	// Get loads an artifact by session and id.
	Get(ctx context.Context, sessionID, id string) (*model.Artifact, error)
	// ListBySession returns the session's artifacts, oldest first.
	ListBySession(ctx context.Context, sessionID string) ([]model.Artifact, error)
	// UpdateMetadata replaces the metadata snapshot and stored file size.
	UpdateMetadata(ctx context.Context, sessionID, id string, md model.Metadata, fileSize int64) error
	// Delete removes an artifact with its versions and history.
	Delete(ctx context.Context, sessionID, id string) error
	// DeleteSession removes every record of the session.
	DeleteSession(ctx context.Context, sessionID string) error
}
