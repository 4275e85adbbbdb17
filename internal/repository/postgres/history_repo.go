package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/retoucher/internal/errs"
	"github.com/and161185/retoucher/internal/model"
)

// HistoryRepo implements HistoryRepository using PostgreSQL.
type HistoryRepo struct{ db *DB }

// NewHistoryRepo constructs a history repository.
func NewHistoryRepo(db *DB) *HistoryRepo { return &HistoryRepo{db: db} }

// CreateVersion inserts a version row.
func (r *HistoryRepo) CreateVersion(ctx context.Context, v *model.Version) error {
	const q = `
INSERT INTO versions (id, session_id, artifact_id, ext, size, digest)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING created_at`
	return r.db.Pool.QueryRow(ctx, q, v.ID, v.SessionID, v.ArtifactID, v.Ext, v.Size, v.Digest).Scan(&v.CreatedAt)
}

// GetVersion selects a version by session and id.
func (r *HistoryRepo) GetVersion(ctx context.Context, sessionID, id string) (*model.Version, error) {
	const q = `
SELECT id, session_id, artifact_id, ext, size, digest, created_at
FROM versions WHERE session_id=$1 AND id=$2`
	var v model.Version
	err := r.db.Pool.QueryRow(ctx, q, sessionID, id).
		Scan(&v.ID, &v.SessionID, &v.ArtifactID, &v.Ext, &v.Size, &v.Digest, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

// DeleteVersions removes version rows by id.
func (r *HistoryRepo) DeleteVersions(ctx context.Context, sessionID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	const q = `DELETE FROM versions WHERE session_id=$1 AND id = ANY($2)`
	_, err := r.db.Pool.Exec(ctx, q, sessionID, ids)
	return err
}

// LoadHistory reads the cursor and ordered actions of an artifact.
func (r *HistoryRepo) LoadHistory(ctx context.Context, sessionID, artifactID string) (model.History, error) {
	const qc = `SELECT history_cursor FROM artifacts WHERE session_id=$1 AND id=$2`
	h := model.NewHistory()
	if err := r.db.Pool.QueryRow(ctx, qc, sessionID, artifactID).Scan(&h.Cursor); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.History{}, errs.ErrNotFound
		}
		return model.History{}, err
	}

	const qa = `
SELECT type, prompt, model, before_version, after_version, mask_version, created_at
FROM actions WHERE session_id=$1 AND artifact_id=$2
ORDER BY idx ASC`
	rows, err := r.db.Pool.Query(ctx, qa, sessionID, artifactID)
	if err != nil {
		return model.History{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a   model.Action
			typ string
			ts  time.Time
		)
		if err := rows.Scan(&typ, &a.Prompt, &a.Model, &a.BeforeVersion, &a.AfterVersion, &a.MaskVersion, &ts); err != nil {
			return model.History{}, err
		}
		a.Type = model.ActionType(typ)
		a.Timestamp = ts
		h.Actions = append(h.Actions, a)
	}
	if err := rows.Err(); err != nil {
		return model.History{}, err
	}
	return h, nil
}

// SaveHistory replaces the action list and cursor in one transaction.
func (r *HistoryRepo) SaveHistory(ctx context.Context, sessionID, artifactID string, h model.History) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const upd = `UPDATE artifacts SET history_cursor=$3, updated_at=now() WHERE session_id=$1 AND id=$2`
	const del = `DELETE FROM actions WHERE session_id=$1 AND artifact_id=$2`
	const ins = `
INSERT INTO actions (session_id, artifact_id, idx, type, prompt, model, before_version, after_version, mask_version, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	tag, err := tx.Exec(ctx, upd, sessionID, artifactID, h.Cursor)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	if _, err = tx.Exec(ctx, del, sessionID, artifactID); err != nil {
		return err
	}
	for i, a := range h.Actions {
		if _, err = tx.Exec(ctx, ins, sessionID, artifactID, i, string(a.Type),
			a.Prompt, a.Model, a.BeforeVersion, a.AfterVersion, a.MaskVersion, a.Timestamp); err != nil {
			return err
		}
	}
	return nil
}
