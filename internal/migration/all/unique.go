package all

import (
	"context"
	"errors"
	"fmt"

	"migline/internal/migration"
	"migline/internal/repo"
)

// UniqueIndex registers every unique-flagged top-level field in the unique
// value index. Two entities of a collection sharing a unique value fail the
// plugin with *repo.UniqueViolationError.
type UniqueIndex struct {
	records Records
	opts    Options
}

func (p *UniqueIndex) Name() string       { return "index-unique-fields" }
func (p *UniqueIndex) TargetVersion() int { return 2 }

func (p *UniqueIndex) Apply(ctx context.Context, scope string, progress *migration.Progress) migration.Outcome {
	return forEach(ctx, p.records, scope, p.opts, progress, p.index)
}

func (p *UniqueIndex) index(ctx context.Context, e repo.RawEntity) (bool, error) {
	fields, err := p.opts.Codec.DecodeAll(e.Body)
	if err != nil {
		return false, fmt.Errorf("entity %s/%s: %w", e.Collection, e.ID, err)
	}
	indexed := false
	for _, f := range fields {
		if !f.Unique() {
			continue
		}
		owner, err := p.records.UniqueOwner(ctx, e.Scope, e.Collection, f)
		switch {
		case err == nil && owner == e.ID:
			continue
		case err == nil:
			return false, &repo.UniqueViolationError{Scope: e.Scope, Collection: e.Collection, Field: f.Name(), EntityID: e.ID, OwnerID: owner}
		case !errors.Is(err, repo.ErrNotFound):
			return false, err
		}
		if err := p.records.IndexUnique(ctx, e.Scope, e.Collection, e.ID, f); err != nil {
			return false, err
		}
		indexed = true
	}
	return indexed, nil
}

