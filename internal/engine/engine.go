// Package engine wires the entity repository, the status store, the journal
// and the migration manager behind the operations the CLI and the server
// expose. Every operation is attributed to an auth.Actor and checked against
// its permissions.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"migline/internal/config"
	"migline/internal/db"
	"migline/internal/engine/auth"
	"migline/internal/events"
	"migline/internal/field"
	"migline/internal/migration"
	"migline/internal/migration/all"
	"migline/internal/repo"
	"migline/internal/status"
)

const boltFileName = "status.bolt"

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	EventWriter events.Writer
	StatusStore status.Store
	Manager     *migration.Manager
	Metrics     *migration.Metrics
	Config      *config.Config
	Logger      *zap.Logger

	collectors []prometheus.Collector
	closers    []func() error
}

// Options adjust how New builds an engine.
type Options struct {
	// Workspace anchors relative state paths such as the bolt status file.
	Workspace string
	Logger    *zap.Logger
	// Plugins replaces the built-in plugin set.
	Plugins []migration.Plugin
	Now     func() time.Time
}

// New builds an engine over an open, migrated database.
func New(conn *sql.DB, cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	codec, err := field.NewCodec(cfg.Field.MaxDepth)
	if err != nil {
		return nil, err
	}
	retry := cfg.Retry.DB()
	e := &Engine{
		DB:          conn,
		Repo:        repo.Repo{DB: conn, Codec: codec, Retry: retry, Logger: logger.Named("repo"), Now: now},
		EventWriter: events.Writer{DB: conn, Now: now},
		Metrics:     migration.NewMetrics(),
		Config:      cfg,
		Logger:      logger,
	}
	store, err := e.openStatusStore(cfg, opts.Workspace)
	if err != nil {
		return nil, err
	}
	e.StatusStore = store

	plugins := opts.Plugins
	if plugins == nil {
		plugins = all.Plugins(e.Repo, all.Options{
			BatchSize: cfg.Migration.BatchSize,
			Codec:     codec,
			Logger:    logger.Named("plugin"),
		})
	}
	manager, err := migration.NewManager(logger.Named("migration"), store, plugins...)
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	if cfg.InstanceID != "" {
		manager = manager.WithInstanceID(cfg.InstanceID)
	}
	e.EventWriter.ActorID = manager.InstanceID()
	e.Manager = manager.
		WithJournal(journal{writer: e.EventWriter}).
		WithJobLog(jobLog{repo: e.Repo}).
		WithMetrics(e.Metrics).
		WithClock(now)
	e.collectors = append(e.collectors, e.Metrics.PrometheusCollectors()...)
	return e, nil
}

func (e *Engine) openStatusStore(cfg *config.Config, workspace string) (status.Store, error) {
	var store status.Store
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return status.NewMemoryStore(), nil
	case config.BackendBolt:
		path := cfg.Store.BoltPath
		if path == "" {
			path = db.StatePath(workspace, boltFileName)
		} else if !filepath.IsAbs(path) && workspace != "" {
			path = filepath.Join(workspace, path)
		}
		bs, err := status.OpenBoltStore(path, cfg.Store.BoltTimeout)
		if err != nil {
			return nil, fmt.Errorf("open bolt status store: %w", err)
		}
		e.closers = append(e.closers, bs.Close)
		e.collectors = append(e.collectors, bs)
		store = bs
	default:
		store = status.NewSQLStore(e.DB)
	}
	return status.WithRetry(store, cfg.Retry.DB(), e.Logger.Named("status")), nil
}

// Collectors returns the prometheus collectors of the engine.
func (e *Engine) Collectors() []prometheus.Collector {
	return append([]prometheus.Collector(nil), e.collectors...)
}

// Close releases the resources the engine opened. The database handle is
// owned by the caller.
func (e *Engine) Close() error {
	var err error
	for i := len(e.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, e.closers[i]())
	}
	e.closers = nil
	return err
}

// Describe returns the engine's runtime settings for display.
func (e *Engine) Describe() map[string]any {
	return map[string]any{
		"instance_id":    e.Manager.InstanceID(),
		"store_backend":  e.Config.Store.Backend,
		"latest_version": e.Manager.LatestVersion(),
		"max_depth":      e.Repo.Codec.MaxDepth(),
	}
}

func authorize(ctx context.Context, actor auth.Actor, perm string) (context.Context, error) {
	if err := auth.Require(actor, perm); err != nil {
		return ctx, err
	}
	return auth.WithActor(ctx, actor), nil
}
