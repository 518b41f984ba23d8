// Package app opens a workspace: its config, database and engine.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"migline/internal/config"
	"migline/internal/db"
	"migline/internal/engine"
	"migline/internal/logger"
	"migline/internal/migrate"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/migline.yml.
	ConfigPath string
	// LogOutput receives log lines; stderr by default.
	LogOutput io.Writer
	// Logger, when set, is used instead of building one from the config.
	Logger *zap.Logger
}

// App is an opened workspace.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    *engine.Engine
	Logger    *zap.Logger
}

// LoadConfig resolves the config for opts without opening anything.
func LoadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.Load(opts.Workspace)
}

// Open loads the config, opens and migrates the database and builds the
// engine. The caller must Close the app.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		out := opts.LogOutput
		if out == nil {
			out = os.Stderr
		}
		if log, err = logger.New(out, cfg.Log); err != nil {
			return nil, err
		}
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return nil, multierr.Append(fmt.Errorf("migrate %s: %w", db.Path(opts.Workspace), err), conn.Close())
	}
	eng, err := engine.New(conn, cfg, engine.Options{Workspace: opts.Workspace, Logger: log})
	if err != nil {
		return nil, multierr.Append(err, conn.Close())
	}
	log.Debug("workspace opened",
		zap.String("workspace", opts.Workspace),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("instance_id", eng.Manager.InstanceID()),
	)
	return &App{Workspace: opts.Workspace, Config: cfg, DB: conn, Engine: eng, Logger: log}, nil
}

// Close releases the engine and the database.
func (a *App) Close() error {
	err := a.Engine.Close()
	err = multierr.Append(err, a.DB.Close())
	_ = a.Logger.Sync()
	return err
}
