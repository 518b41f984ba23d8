package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// TransientError marks a storage failure that may succeed when retried.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient storage error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying: sqlite busy/locked
// results, bolt lock timeouts, or anything already marked TransientError.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, bolt.ErrTimeout) {
		return true
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

// RetryConfig bounds the backoff applied to transient storage errors.
type RetryConfig struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
	Clock    clock.Clock
}

// DefaultRetryConfig is used when no retry settings are configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 5, Delay: 20 * time.Millisecond, MaxDelay: time.Second}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.Attempts <= 0 {
		c.Attempts = def.Attempts
	}
	if c.Delay <= 0 {
		c.Delay = def.Delay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	return c
}

// Retry calls fn until it succeeds, returns a non-transient error, the
// attempts are exhausted or ctx is done. The last error from fn is returned.
func Retry(ctx context.Context, cfg RetryConfig, logger *zap.Logger, op string, fn func() error) error {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	var last error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			last = fn()
			return last
		},
		IsFatalError: func(err error) bool {
			return !IsTransient(err)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debug("transient storage error",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		},
		Attempts:    cfg.Attempts,
		Delay:       cfg.Delay,
		MaxDelay:    cfg.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       cfg.Clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if retry.IsRetryStopped(err) && ctx.Err() != nil {
		return ctx.Err()
	}
	if retry.IsAttemptsExceeded(err) {
		var te *TransientError
		if errors.As(last, &te) {
			return last
		}
		return &TransientError{Op: op, Err: last}
	}
	// Fatal errors come back traced; hand callers fn's own error.
	if last != nil {
		return last
	}
	return err
}
