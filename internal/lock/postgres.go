package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

type txBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// PG is a Locker backed by transaction-scoped Postgres advisory locks, so
// several server instances sharing a database serialize the same artifact.
// Each held lock pins one pooled connection until released, so the pool
// must not be the one lock holders query through.
type PG struct {
	pool txBeginner
	log  *zap.Logger
}

// NewPG constructs a Postgres-backed locker. pool is usually *pgxpool.Pool.
func NewPG(pool txBeginner, log *zap.Logger) *PG {
	if log == nil {
		log = zap.NewNop()
	}
	return &PG{pool: pool, log: log}
}

// Lock implements Locker.
func (p *PG) Lock(ctx context.Context, key string) (func(), error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		if ctx.Err() != nil {
			return nil, timeoutErr(key, ctx.Err())
		}
		return nil, fmt.Errorf("lock %s: begin: %w", key, err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, HashKey(key)); err != nil {
		_ = tx.Rollback(context.Background())
		if ctx.Err() != nil {
			return nil, timeoutErr(key, ctx.Err())
		}
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// ending the transaction releases the advisory lock
			if err := tx.Rollback(context.Background()); err != nil {
				p.log.Warn("advisory unlock failed", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}
