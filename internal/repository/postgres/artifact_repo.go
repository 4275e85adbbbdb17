package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/retoucher/internal/errs"
	"github.com/and161185/retoucher/internal/model"
)

// ArtifactRepo implements ArtifactRepository using PostgreSQL.
type ArtifactRepo struct{ db *DB }

// NewArtifactRepo constructs an artifact repository.
func NewArtifactRepo(db *DB) *ArtifactRepo { return &ArtifactRepo{db: db} }

const artifactCols = `id, session_id, original_filename, format, ext, width, height, file_size, quality, color_space, bit_depth, metadata, created_at, updated_at`

// Create inserts a new artifact row.
func (r *ArtifactRepo) Create(ctx context.Context, a *model.Artifact) error {
	md, err := encodeMetadata(a.Metadata)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO artifacts (id, session_id, original_filename, format, ext, width, height, file_size, quality, color_space, bit_depth, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING created_at, updated_at`
	err = r.db.Pool.QueryRow(ctx, q,
		a.ID, a.SessionID, a.OriginalFilename, string(a.Format), a.Ext,
		a.Width, a.Height, a.FileSize, a.Quality, a.ColorSpace, a.BitDepth, md,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("artifact %s exists: %w", a.ID, errs.ErrValidation)
	}
	return err
}

// Get selects an artifact by session and id.
func (r *ArtifactRepo) Get(ctx context.Context, sessionID, id string) (*model.Artifact, error) {
	q := `SELECT ` + artifactCols + ` FROM artifacts WHERE session_id=$1 AND id=$2`
	a, err := scanArtifact(r.db.Pool.QueryRow(ctx, q, sessionID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

// ListBySession returns the session's artifacts, oldest first.
func (r *ArtifactRepo) ListBySession(ctx context.Context, sessionID string) ([]model.Artifact, error) {
	q := `SELECT ` + artifactCols + ` FROM artifacts WHERE session_id=$1 ORDER BY created_at ASC, id ASC`
	rows, err := r.db.Pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateMetadata replaces the metadata snapshot and file size.
func (r *ArtifactRepo) UpdateMetadata(ctx context.Context, sessionID, id string, md model.Metadata, fileSize int64) error {
	enc, err := encodeMetadata(md)
	if err != nil {
		return err
	}
	const q = `UPDATE artifacts SET metadata=$3, file_size=$4, updated_at=now() WHERE session_id=$1 AND id=$2`
	tag, err := r.db.Pool.Exec(ctx, q, sessionID, id, enc, fileSize)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Delete removes the artifact; versions and actions cascade.
func (r *ArtifactRepo) Delete(ctx context.Context, sessionID, id string) error {
	const q = `DELETE FROM artifacts WHERE session_id=$1 AND id=$2`
	tag, err := r.db.Pool.Exec(ctx, q, sessionID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// DeleteSession removes all artifacts of a session.
func (r *ArtifactRepo) DeleteSession(ctx context.Context, sessionID string) error {
	const q = `DELETE FROM artifacts WHERE session_id=$1`
	_, err := r.db.Pool.Exec(ctx, q, sessionID)
	return err
}

func scanArtifact(row pgx.Row) (*model.Artifact, error) {
	var (
		a      model.Artifact
		format string
		md     []byte
	)
	if err := row.Scan(&a.ID, &a.SessionID, &a.OriginalFilename, &format, &a.Ext,
		&a.Width, &a.Height, &a.FileSize, &a.Quality, &a.ColorSpace, &a.BitDepth,
		&md, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Format = model.Format(format)
	meta, err := decodeMetadata(md)
	if err != nil {
		return nil, err
	}
	a.Metadata = meta
	return &a, nil
}
