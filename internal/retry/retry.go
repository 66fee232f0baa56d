// Package retry reruns whole units of work that failed on a transient
// database conflict (serialization failure, deadlock, lock timeout).
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/alfredjeanlab/gridbase/internal/config"
	"github.com/alfredjeanlab/gridbase/internal/model"
	"github.com/alfredjeanlab/gridbase/internal/store"
)

// SQLSTATE codes that mark a transaction as safe to rerun.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeIdleInTxTimeout      = "25P03"
	codeQueryCanceled        = "57014"
)

// Policy bounds how often and how quickly a unit of work is retried.
type Policy struct {
	// MaxRetries is the number of reruns after the first attempt.
	MaxRetries     int
	InitialBackoff time.Duration
	Factor         float64
	// Jitter is the upper bound of the random delay added to each backoff.
	Jitter time.Duration

	// Sleep and Rand are replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func(n int64) int64
}

// DefaultPolicy retries three times starting at 100ms, doubling each time.
func DefaultPolicy() Policy {
	return FromEngine(config.DefaultEngine())
}

// FromEngine builds a policy from engine configuration.
func FromEngine(e config.Engine) Policy {
	return Policy{
		MaxRetries:     e.MaxRetries,
		InitialBackoff: e.InitialBackoff,
		Factor:         e.BackoffFactor,
		Jitter:         e.Jitter,
	}
}

// Backoff returns the delay that follows prev, the previous delay, or the
// first delay when prev is zero. The jittered delay is what grows, so jitter
// compounds across retries and concurrent writers drift further apart.
func (p Policy) Backoff(prev time.Duration) time.Duration {
	out := p.InitialBackoff
	if prev > 0 {
		factor := p.Factor
		if factor < 1 {
			factor = 1
		}
		out = time.Duration(float64(prev) * factor)
	}
	if p.Jitter > 0 {
		rnd := p.Rand
		if rnd == nil {
			rnd = rand.Int64N
		}
		out += time.Duration(rnd(int64(p.Jitter)))
	}
	return out
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsTransient reports whether err is a conflict that a fresh transaction
// may not hit again. Statement timeouts are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, store.ErrConflict) {
		return true
	}
	switch sqlState(err) {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable, codeIdleInTxTimeout:
		return true
	}
	return false
}

func sqlState(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsStatementTimeout reports whether err is a canceled statement.
func IsStatementTimeout(err error) bool {
	return sqlState(err) == codeQueryCanceled
}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// retry budget is spent. fn must be safe to rerun from scratch: it is
// expected to open its own transaction. Exhaustion returns a
// *model.ConflictError wrapping the last error.
func Do(ctx context.Context, p Policy, logger *slog.Logger, fn func(ctx context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	attempts := 0
	var wait time.Duration
	for {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if attempts > p.MaxRetries {
			logger.Warn("retry budget exhausted", "attempts", attempts, "err", err)
			return &model.ConflictError{Attempts: attempts, Err: err}
		}
		wait = p.Backoff(wait)
		logger.Debug("transient conflict, retrying", "attempt", attempts, "backoff", wait, "err", err)
		if err := p.sleep(ctx, wait); err != nil {
			return err
		}
	}
}
