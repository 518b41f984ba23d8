package all

import (
	"context"
	"errors"

	"migline/internal/field"
	"migline/internal/migration"
	"migline/internal/repo"
)

// LegacyJSON re-encodes entities stored as schemaless JSON objects into
// canonical field sets.
type LegacyJSON struct {
	records Records
	opts    Options
}

func (p *LegacyJSON) Name() string       { return "encode-legacy-json" }
func (p *LegacyJSON) TargetVersion() int { return 1 }

func (p *LegacyJSON) Apply(ctx context.Context, scope string, progress *migration.Progress) migration.Outcome {
	return forEach(ctx, p.records, scope, p.opts, progress, func(ctx context.Context, e repo.RawEntity) (bool, error) {
		return replace(ctx, p.records, p.opts.Logger, e, p.rewrite)
	})
}

func (p *LegacyJSON) rewrite(body []byte) ([]byte, error) {
	if !field.LooksLikeJSON(body) {
		return nil, nil
	}
	fields, err := field.FromJSON(body, p.opts.Codec.MaxDepth())
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, errors.New("legacy record has no non-null members")
	}
	return p.opts.Codec.EncodeAll(fields)
}
