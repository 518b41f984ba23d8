// Package all holds the built-in record-format plugins. Each one walks every
// entity of a scope in key order and rewrites the records still in the
// previous shape, so running a plugin again over migrated data is a no-op.
package all

import (
	"context"

	"go.uber.org/zap"

	"migline/internal/field"
	"migline/internal/migration"
	"migline/internal/repo"
)

const DefaultBatchSize = 200

// Records is the entity access the plugins need.
type Records interface {
	ScanRaw(ctx context.Context, scope string, cursor repo.Cursor, limit int) ([]repo.RawEntity, error)
	GetRaw(ctx context.Context, scope, collection, id string) (repo.RawEntity, error)
	ReplaceRaw(ctx context.Context, scope, collection, id string, expected, next []byte) (bool, error)
	IndexUnique(ctx context.Context, scope, collection, id string, f field.Field) error
	UniqueOwner(ctx context.Context, scope, collection string, f field.Field) (string, error)
}

type Options struct {
	BatchSize int
	Codec     *field.Codec
	Logger    *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Codec == nil {
		o.Codec = field.Default()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Plugins returns the built-in plugins in version order.
func Plugins(records Records, opts Options) []migration.Plugin {
	opts = opts.withDefaults()
	return []migration.Plugin{
		&LegacyJSON{records: records, opts: opts},
		&UniqueIndex{records: records, opts: opts},
		&GeoLocations{records: records, opts: opts},
	}
}
