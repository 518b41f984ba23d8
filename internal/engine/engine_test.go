package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"migline/internal/config"
	"migline/internal/db"
	"migline/internal/engine"
	"migline/internal/engine/auth"
	"migline/internal/events"
	"migline/internal/field"
	"migline/internal/migrate"
	"migline/internal/migration"
	"migline/internal/repo"
)

var (
	operator = auth.Actor{ID: "ops", Permissions: []string{auth.PermRead, auth.PermRun}}
	reader   = auth.Actor{ID: "viewer", Permissions: []string{auth.PermRead}}
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T, cfg *config.Config, plugins ...migration.Plugin) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	if cfg == nil {
		cfg = config.Default()
		cfg.InstanceID = "node-a"
	}
	eng, err := engine.New(conn, cfg, engine.Options{
		Workspace: dir,
		Logger:    zaptest.NewLogger(t),
		Plugins:   plugins,
		Now:       func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func TestMigrateLegacyScope(t *testing.T) {
	env := newTestEnv(t, nil)
	e := env.Engine
	require.NoError(t, e.ImportLegacy(env.Ctx, operator, "acme", "users", "u1", []byte(`{"name":"ada","home":{"latitude":1,"longitude":2}}`)))

	st, err := e.Status(env.Ctx, operator, "acme")
	require.NoError(t, err)
	assert.Equal(t, "idle", st.State)
	assert.Equal(t, []int{1, 2, 3}, st.Pending)

	job, err := e.Migrate(env.Ctx, operator, "acme", engine.MigrateOptions{Wait: true})
	require.NoError(t, err)
	assert.Equal(t, "completed", job.State)
	assert.Equal(t, 3, job.ToVersion)
	assert.EqualValues(t, 2, job.Migrated, "one record re-encoded, then one location promoted")

	st, err = e.Status(env.Ctx, operator, "acme")
	require.NoError(t, err)
	assert.Equal(t, "completed", st.State)
	assert.Equal(t, 3, st.Version)
	assert.Equal(t, "complete", st.StatusName)
	assert.Empty(t, st.Pending)

	ent, err := e.GetEntity(env.Ctx, reader, "acme", "users", "u1")
	require.NoError(t, err)
	home, ok := field.Find(ent.Fields, "home")
	require.True(t, ok)
	assert.Equal(t, field.KindLocation, home.Kind())

	evts, err := e.Events(env.Ctx, reader, engine.EventsQuery{Scope: "acme", JobID: job.ID, Limit: 20})
	require.NoError(t, err)
	require.NotEmpty(t, evts)
	assert.Equal(t, events.TypeMigrationCompleted, evts[0].Type)
	assert.Equal(t, events.TypeMigrationStarted, evts[len(evts)-1].Type)
	for _, evt := range evts {
		assert.Equal(t, "ops", evt.ActorID)
	}
}

func TestJobsArePersisted(t *testing.T) {
	env := newTestEnv(t, nil)
	job, err := env.Engine.Migrate(env.Ctx, operator, "empty", engine.MigrateOptions{Wait: true})
	require.NoError(t, err)

	// A second engine over the same database only sees the persisted row.
	cfg := config.Default()
	cfg.InstanceID = "node-b"
	other, err := engine.New(env.Engine.DB, cfg, engine.Options{})
	require.NoError(t, err)
	defer other.Close()

	got, err := other.Job(env.Ctx, reader, "empty", job.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.State)
	assert.Equal(t, "node-a", got.InstanceID)
	assert.Equal(t, 3, got.ToVersion)
	assert.NotEmpty(t, got.FinishedAt)

	jobs, err := other.Jobs(env.Ctx, reader, "empty")
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	_, err = other.Job(env.Ctx, reader, "empty", "nope")
	assert.ErrorIs(t, err, migration.ErrJobNotFound)
	assert.ErrorIs(t, other.Cancel(env.Ctx, operator, "empty", job.ID), migration.ErrJobFinished)
}

func TestPermissionsAreEnforced(t *testing.T) {
	env := newTestEnv(t, nil)
	e := env.Engine

	_, err := e.Migrate(env.Ctx, reader, "acme", engine.MigrateOptions{})
	var forbidden auth.ForbiddenError
	require.True(t, errors.As(err, &forbidden))
	assert.Equal(t, auth.PermRun, forbidden.Permission)

	_, err = e.Reset(env.Ctx, reader, "acme", false)
	assert.True(t, errors.As(err, &forbidden))
	assert.True(t, errors.As(e.PutEntity(env.Ctx, reader, repo.Entity{Scope: "s", Collection: "c", ID: "1"}), &forbidden))

	_, err = e.Status(env.Ctx, auth.Actor{ID: "anon"}, "acme")
	assert.True(t, errors.As(err, &forbidden))
}

func TestScopesMergeEntitiesAndStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	e := env.Engine
	require.NoError(t, e.PutEntity(env.Ctx, operator, repo.Entity{Scope: "b", Collection: "c", ID: "1", Fields: []field.Field{field.Long("n", 1)}}))
	_, err := e.Migrate(env.Ctx, operator, "a", engine.MigrateOptions{Wait: true})
	require.NoError(t, err)

	scopes, err := e.Scopes(env.Ctx, reader)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, scopes)

	jobs, err := e.MigrateAll(env.Ctx, operator, nil, engine.MigrateOptions{})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
	assert.Equal(t, "completed", jobs["b"].State)
}

func TestResetAfterFailure(t *testing.T) {
	broken := migration.Func{PluginName: "broken", Version: 1, Fn: func(context.Context, string, *migration.Progress) migration.Outcome {
		return migration.Failed(errors.New("disk on fire"))
	}}
	env := newTestEnv(t, nil, broken)
	e := env.Engine

	job, err := e.Migrate(env.Ctx, operator, "acme", engine.MigrateOptions{Wait: true})
	var pe *migration.PluginError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "failed", job.State)
	assert.Contains(t, job.Error, "disk on fire")

	st, err := e.Status(env.Ctx, reader, "acme")
	require.NoError(t, err)
	assert.Equal(t, "failed", st.State)
	require.NotNil(t, st.StatusMessage)

	st, err = e.Reset(env.Ctx, operator, "acme", false)
	require.NoError(t, err)
	assert.Equal(t, "idle", st.State)
	assert.Nil(t, st.StatusMessage)

	evts, err := e.Events(env.Ctx, reader, engine.EventsQuery{Scope: "acme", Type: events.TypeMigrationReset})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestBoltStatusBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = config.BackendBolt
	env := newTestEnv(t, cfg)

	_, err := env.Engine.Migrate(env.Ctx, operator, "acme", engine.MigrateOptions{Wait: true})
	require.NoError(t, err)
	st, err := env.Engine.Status(env.Ctx, reader, "acme")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Version)
	assert.Len(t, env.Engine.Collectors(), 6)
}
