package all

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"migline/internal/migration"
	"migline/internal/repo"
)

// replaceAttempts bounds how often a record that keeps changing under a
// plugin is re-read before the plugin gives up.
const replaceAttempts = 3

// visitFunc handles one record. It reports whether the record was migrated;
// false means it was already in the target shape.
type visitFunc func(ctx context.Context, e repo.RawEntity) (bool, error)

// forEach visits every entity of scope in (collection, id) order, one batch
// at a time. Cancellation is observed between records.
func forEach(ctx context.Context, records Records, scope string, opts Options, progress *migration.Progress, visit visitFunc) migration.Outcome {
	var cursor repo.Cursor
	for {
		if ctx.Err() != nil {
			return migration.Cancelled()
		}
		page, err := records.ScanRaw(ctx, scope, cursor, opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return migration.Cancelled()
			}
			return migration.Failed(fmt.Errorf("scan %s after %s/%s: %w", scope, cursor.Collection, cursor.ID, err))
		}
		for _, e := range page {
			if ctx.Err() != nil {
				return migration.Cancelled()
			}
			migrated, err := visit(ctx, e)
			if err != nil {
				if ctx.Err() != nil {
					return migration.Cancelled()
				}
				return migration.Failed(err)
			}
			if migrated {
				progress.Migrated()
			} else {
				progress.Skipped()
			}
		}
		if len(page) < opts.BatchSize {
			return migration.Completed()
		}
		cursor = page[len(page)-1].Cursor()
	}
}

// rewriteFunc computes the new body of a record, or nil when the record
// needs no change.
type rewriteFunc func(body []byte) ([]byte, error)

// replace rewrites one record with a compare-and-swap on its body. A record
// changed by someone else in between is re-read and rewritten again; a
// record deleted in between counts as skipped.
func replace(ctx context.Context, records Records, log *zap.Logger, e repo.RawEntity, rewrite rewriteFunc) (bool, error) {
	for attempt := 1; ; attempt++ {
		next, err := rewrite(e.Body)
		if err != nil {
			return false, fmt.Errorf("entity %s/%s: %w", e.Collection, e.ID, err)
		}
		if next == nil {
			return false, nil
		}
		ok, err := records.ReplaceRaw(ctx, e.Scope, e.Collection, e.ID, e.Body, next)
		if err != nil {
			return false, fmt.Errorf("entity %s/%s: %w", e.Collection, e.ID, err)
		}
		if ok {
			return true, nil
		}
		if attempt == replaceAttempts {
			return false, fmt.Errorf("entity %s/%s: changed concurrently %d times", e.Collection, e.ID, attempt)
		}
		log.Debug("record changed during rewrite",
			zap.String("scope", e.Scope),
			zap.String("collection", e.Collection),
			zap.String("id", e.ID),
			zap.Int("attempt", attempt),
		)
		fresh, err := records.GetRaw(ctx, e.Scope, e.Collection, e.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("entity %s/%s: %w", e.Collection, e.ID, err)
		}
		e = fresh
	}
}
