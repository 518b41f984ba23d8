package status

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"migline/internal/db"
)

type retryingStore struct {
	inner  Store
	cfg    db.RetryConfig
	logger *zap.Logger
}

// WithRetry wraps inner so transient storage errors are retried with bounded
// backoff. Conflicts, regressions and context errors are returned as is.
func WithRetry(inner Store, cfg db.RetryConfig, logger *zap.Logger) Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &retryingStore{inner: inner, cfg: cfg, logger: logger}
}

func (s *retryingStore) Read(ctx context.Context, scope string) (Record, error) {
	var rec Record
	err := db.Retry(ctx, s.cfg, s.logger, "status.read", func() error {
		var err error
		rec, err = s.inner.Read(ctx, scope)
		return err
	})
	return rec, err
}

func (s *retryingStore) Write(ctx context.Context, scope string, rec Record) error {
	return db.Retry(ctx, s.cfg, s.logger, "status.write", func() error {
		return s.inner.Write(ctx, scope, rec)
	})
}

// CompareAndSet treats a conflict seen on a retry as success when the store
// already holds next: the earlier attempt committed before failing.
func (s *retryingStore) CompareAndSet(ctx context.Context, scope string, expected, next Record) error {
	attempt := 0
	return db.Retry(ctx, s.cfg, s.logger, "status.compare_and_set", func() error {
		attempt++
		err := s.inner.CompareAndSet(ctx, scope, expected, next)
		if attempt > 1 {
			var ce *ConflictError
			if errors.As(err, &ce) && ce.Actual.Equal(next) {
				return nil
			}
		}
		return err
	})
}

func (s *retryingStore) Scopes(ctx context.Context) ([]string, error) {
	var scopes []string
	err := db.Retry(ctx, s.cfg, s.logger, "status.scopes", func() error {
		var err error
		scopes, err = s.inner.Scopes(ctx)
		return err
	})
	return scopes, err
}
