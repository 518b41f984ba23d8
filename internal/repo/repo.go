package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"migline/internal/db"
	"migline/internal/field"
)

// Repo is the entity store over sqlite. Entities are keyed by
// (scope, collection, id) and their body is an encoded field set.
type Repo struct {
	DB     *sql.DB
	Codec  *field.Codec
	Retry  db.RetryConfig
	Logger *zap.Logger
	Now    func() time.Time
}

var ErrNotFound = errors.New("not found")

// UniqueViolationError reports a unique field value already owned by
// another entity of the same collection and scope.
type UniqueViolationError struct {
	Scope      string
	Collection string
	Field      string
	EntityID   string
	OwnerID    string
}

func (e *UniqueViolationError) Error() string {
	return fmt.Sprintf("unique field %q in %s/%s: entity %q conflicts with %q", e.Field, e.Scope, e.Collection, e.EntityID, e.OwnerID)
}

func (r Repo) codec() *field.Codec {
	if r.Codec != nil {
		return r.Codec
	}
	return field.Default()
}

func (r Repo) logger() *zap.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return zap.NewNop()
}

func (r Repo) now() string {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// retry runs fn under the configured transient-error backoff.
func (r Repo) retry(ctx context.Context, op string, fn func() error) error {
	return db.Retry(ctx, r.Retry, r.logger(), op, fn)
}

// inTx runs fn in a transaction, retrying the whole transaction on
// transient errors.
func (r Repo) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return r.retry(ctx, op, func() error {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
