package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"migline/internal/db"
	"migline/internal/events"
	"migline/internal/field"
	"migline/internal/migrate"
	"migline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn, Now: func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }}
}

var fieldsEqual = cmp.Comparer(func(a, b field.Field) bool {
	return a.Equal(b) && a.Unique() == b.Unique()
})

func TestPutGetRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	fields := []field.Field{
		field.String("email", "ada@example.com").AsUnique(),
		field.Long("age", 36),
		field.Loc("home", 51.5, -0.12),
	}
	require.NoError(t, r.Put(ctx, repo.Entity{Scope: "acme", Collection: "users", ID: "u1", Fields: fields}))

	got, err := r.Get(ctx, "acme", "users", "u1")
	require.NoError(t, err)
	if diff := cmp.Diff(fields, got.Fields, fieldsEqual); diff != "" {
		t.Fatalf("fields mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "2024-05-01T12:00:00Z", got.UpdatedAt)

	owner, err := r.UniqueOwner(ctx, "acme", "users", field.String("email", "ada@example.com"))
	require.NoError(t, err)
	assert.Equal(t, "u1", owner)

	_, err = r.Get(ctx, "acme", "users", "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	err = r.Put(ctx, repo.Entity{Scope: "acme", Collection: "", ID: "u2"})
	assert.Error(t, err)
}

func TestPutRejectsDuplicateUniqueValue(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	email := field.String("email", "ada@example.com").AsUnique()
	require.NoError(t, r.Put(ctx, repo.Entity{Scope: "acme", Collection: "users", ID: "u1", Fields: []field.Field{email}}))

	err := r.Put(ctx, repo.Entity{Scope: "acme", Collection: "users", ID: "u2", Fields: []field.Field{email}})
	var uv *repo.UniqueViolationError
	require.ErrorAs(t, err, &uv)
	assert.Equal(t, "u1", uv.OwnerID)
	assert.Equal(t, "u2", uv.EntityID)
	_, err = r.Get(ctx, "acme", "users", "u2")
	assert.ErrorIs(t, err, repo.ErrNotFound, "a rejected put writes nothing")

	// Other scopes and collections have their own index.
	require.NoError(t, r.Put(ctx, repo.Entity{Scope: "other", Collection: "users", ID: "u2", Fields: []field.Field{email}}))
	require.NoError(t, r.Put(ctx, repo.Entity{Scope: "acme", Collection: "admins", ID: "u2", Fields: []field.Field{email}}))

	// Re-putting the owner is fine, and deleting it frees the value.
	require.NoError(t, r.Put(ctx, repo.Entity{Scope: "acme", Collection: "users", ID: "u1", Fields: []field.Field{email}}))
	require.NoError(t, r.Delete(ctx, "acme", "users", "u1"))
	require.NoError(t, r.Put(ctx, repo.Entity{Scope: "acme", Collection: "users", ID: "u2", Fields: []field.Field{email}}))
	assert.ErrorIs(t, r.Delete(ctx, "acme", "users", "u1"), repo.ErrNotFound)
}

func TestIndexUniqueIsIdempotentPerOwner(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	f := field.Long("badge", 7)
	require.NoError(t, r.IndexUnique(ctx, "acme", "users", "u1", f))
	require.NoError(t, r.IndexUnique(ctx, "acme", "users", "u1", f))

	var uv *repo.UniqueViolationError
	require.ErrorAs(t, r.IndexUnique(ctx, "acme", "users", "u2", f), &uv)

	_, err := r.UniqueOwner(ctx, "acme", "users", field.Long("badge", 8))
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestScanAndReplaceRaw(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, r.PutRaw(ctx, repo.RawEntity{Scope: "acme", Collection: "users", ID: id, Body: []byte(`{"id":"` + id + `"}`)}))
	}
	require.NoError(t, r.PutRaw(ctx, repo.RawEntity{Scope: "acme", Collection: "groups", ID: "z", Body: []byte(`{}`)}))
	require.NoError(t, r.PutRaw(ctx, repo.RawEntity{Scope: "elsewhere", Collection: "users", ID: "a", Body: []byte(`{}`)}))

	var seen []string
	var cursor repo.Cursor
	for {
		page, err := r.ScanRaw(ctx, "acme", cursor, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			seen = append(seen, e.Collection+"/"+e.ID)
		}
		cursor = page[len(page)-1].Cursor()
	}
	assert.Equal(t, []string{"groups/z", "users/a", "users/b", "users/c"}, seen)

	raw, err := r.GetRaw(ctx, "acme", "users", "a")
	require.NoError(t, err)
	ok, err := r.ReplaceRaw(ctx, "acme", "users", "a", raw.Body, []byte("next"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.ReplaceRaw(ctx, "acme", "users", "a", raw.Body, []byte("again"))
	require.NoError(t, err)
	assert.False(t, ok, "stale expected body must not overwrite")

	ok, err = r.ReplaceRaw(ctx, "acme", "users", "gone", []byte("x"), []byte("y"))
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := r.CountByScope(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	scopes, err := r.Scopes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "elsewhere"}, scopes)

	assert.Error(t, r.PutRaw(ctx, repo.RawEntity{Scope: "acme", Collection: "users", ID: "empty"}))
}

func TestJobsNewestFirst(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	first := repo.JobRow{ID: "j1", Scope: "acme", InstanceID: "node-a", State: "running", FromVersion: 0, ToVersion: 3, StartedAt: "2024-05-01T10:00:00Z"}
	require.NoError(t, r.SaveJob(ctx, first))
	require.NoError(t, r.SaveJob(ctx, repo.JobRow{ID: "j2", Scope: "acme", InstanceID: "node-b", State: "running", ToVersion: 3, StartedAt: "2024-05-01T11:00:00Z"}))

	first.State = "failed"
	first.Error = "plugin v2 failed"
	first.Migrated = 4
	first.FinishedAt = "2024-05-01T10:05:00Z"
	require.NoError(t, r.SaveJob(ctx, first))

	got, err := r.GetJob(ctx, "acme", "j1")
	require.NoError(t, err)
	assert.Equal(t, first, got)

	jobs, err := r.ListJobs(ctx, "acme", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "j2", jobs[0].ID)

	_, err = r.GetJob(ctx, "other", "j1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestEventsQueries(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB, ActorID: "node-a"}
	require.NoError(t, w.Record(ctx, events.TypeMigrationStarted, "acme", "j1", "", map[string]any{"to": 3}))
	require.NoError(t, w.Record(ctx, events.TypePluginStarted, "acme", "j1", "encode-legacy-json", nil))
	require.NoError(t, w.Record(ctx, events.TypeMigrationStarted, "other", "j2", "", nil))
	require.NoError(t, w.Append(ctx, nil, events.TypeMigrationReset, "acme", "", "", "ops", nil))

	latest, err := r.LatestEvents(ctx, 10, "acme", "", "")
	require.NoError(t, err)
	require.Len(t, latest, 3)
	assert.Equal(t, events.TypeMigrationReset, latest[0].Type)
	assert.Equal(t, "ops", latest[0].ActorID)
	assert.Equal(t, "node-a", latest[2].ActorID)
	assert.JSONEq(t, `{"to":3}`, latest[2].Payload)

	byJob, err := r.LatestEvents(ctx, 10, "", "", "j1")
	require.NoError(t, err)
	assert.Len(t, byJob, 2)
	assert.Equal(t, "encode-legacy-json", byJob[0].Plugin)

	older, err := r.LatestEventsFrom(ctx, 10, latest[0].ID, "acme", "", "")
	require.NoError(t, err)
	assert.Len(t, older, 2)

	after, err := r.EventsAfter(ctx, 10, latest[2].ID, "")
	require.NoError(t, err)
	require.Len(t, after, 3)
	assert.Less(t, after[0].ID, after[1].ID)

	maxID, err := r.LatestEventID(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, latest[0].ID, maxID)
	otherID, err := r.LatestEventID(ctx, "other")
	require.NoError(t, err)
	assert.Less(t, otherID, maxID)
}
