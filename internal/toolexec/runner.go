// Package toolexec runs external binaries with a bounded process budget and
// per-call timeouts, and provides scoped temp workspaces for file interchange.
package toolexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/and161185/retoucher/internal/errs"
)

// Runner executes subprocesses. Arguments are always passed as a vector;
// nothing is interpreted by a shell.
type Runner struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	log     *zap.Logger
}

// NewRunner bounds concurrent processes to maxProcs and each call to timeout.
func NewRunner(maxProcs int, timeout time.Duration, log *zap.Logger) *Runner {
	if maxProcs <= 0 {
		maxProcs = 4
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{sem: semaphore.NewWeighted(int64(maxProcs)), timeout: timeout, log: log}
}

// Run executes name with args and returns stdout. Stderr is included in the
// error on failure. A timed-out process is killed and reported as
// errs.ErrToolTimeout; a missing binary as errs.ErrToolUnavailable.
func (r *Runner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, _, err := r.RunDiag(ctx, name, args...)
	return out, err
}

// RunDiag is Run that also returns stderr of a successful process, for tools
// that report partial failures as diagnostics with a zero exit status.
func (r *Runner) RunDiag(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	defer r.sem.Release(1)

	tctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var outBuf, errBuf bytes.Buffer
	cmd := exec.CommandContext(tctx, name, args...)
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	err = cmd.Run()
	dur := time.Since(start)

	if err != nil {
		switch {
		case errors.Is(err, exec.ErrNotFound):
			return nil, nil, fmt.Errorf("%w: %s", errs.ErrToolUnavailable, name)
		case errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			r.log.Warn("tool timeout", zap.String("tool", name), zap.Duration("timeout", r.timeout))
			return nil, nil, fmt.Errorf("%s: %w after %s", name, errs.ErrToolTimeout, r.timeout)
		case ctx.Err() != nil:
			return nil, nil, ctx.Err()
		}
		r.log.Debug("tool failed", zap.String("tool", name), zap.Duration("dur", dur), zap.Error(err))
		return nil, nil, fmt.Errorf("%s %s: %w (stderr: %s)",
			name, firstArg(args), err, strings.TrimSpace(errBuf.String()))
	}
	r.log.Debug("tool ok", zap.String("tool", name), zap.Duration("dur", dur))
	return outBuf.Bytes(), errBuf.Bytes(), nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// Require checks that every named binary resolves on PATH.
func Require(names ...string) error {
	for _, n := range names {
		if _, err := exec.LookPath(n); err != nil {
			return fmt.Errorf("%w: %s: %v", errs.ErrToolUnavailable, n, err)
		}
	}
	return nil
}
