package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"migline/internal/app"
	"migline/internal/config"
	"migline/internal/engine/auth"
)

func TestOpenWorkspace(t *testing.T) {
	dir := t.TempDir()
	a, err := app.Open(context.Background(), app.Options{Workspace: dir, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer func() { assert.NoError(t, a.Close()) }()

	assert.Equal(t, config.BackendSQLite, a.Config.Store.Backend)
	plugins, err := a.Engine.Plugins(auth.Local(""))
	require.NoError(t, err)
	assert.Len(t, plugins, 3)
	assert.FileExists(t, filepath.Join(dir, ".migline", "migline.db"))
}

func TestOpenWithBoltBackend(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte("store:\n  backend: bolt\n"), 0o644))

	a, err := app.Open(context.Background(), app.Options{Workspace: dir, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, ".migline", "status.bolt"))
	assert.Len(t, a.Engine.Collectors(), 6)
	require.NoError(t, a.Close())
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte("store:\n  backend: redis\n"), 0o644))
	_, err := app.Open(context.Background(), app.Options{Workspace: dir})
	assert.Error(t, err)
}
