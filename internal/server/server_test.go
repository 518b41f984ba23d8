package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
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
	"migline/internal/migrate"
	"migline/internal/migration"
	miglinesdk "migline/sdk/go"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine *engine.Engine
}

func newTestServer(t *testing.T, authCfg AuthConfig, plugins ...migration.Plugin) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	cfg.InstanceID = "node-a"
	e, err := engine.New(conn, cfg, engine.Options{
		Workspace: workspace,
		Logger:    zaptest.NewLogger(t),
		Plugins:   plugins,
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	if authCfg.JWTSecret == "" && !authCfg.Disabled {
		authCfg.JWTSecret = testSecret
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: authCfg})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, Engine: e}
}

func token(t *testing.T, subject string, perms ...string) string {
	t.Helper()
	tok, err := SignToken(testSecret, subject, perms, time.Hour)
	require.NoError(t, err)
	return tok
}

func operatorClient(t *testing.T, srv *testServer) *miglinesdk.Client {
	return miglinesdk.New(srv.URL, token(t, "ops", auth.PermRead, auth.PermRun))
}

func doRequest(t *testing.T, method, url, bearer string, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope), string(data))
	return envelope.Error.Code
}

func apiErr(t *testing.T, err error) *miglinesdk.APIError {
	t.Helper()
	var ae *miglinesdk.APIError
	require.ErrorAs(t, err, &ae)
	return ae
}

func blockingPlugin(started chan<- struct{}, release <-chan struct{}) migration.Plugin {
	var once sync.Once
	return migration.Func{
		PluginName: "block",
		Version:    1,
		Fn: func(ctx context.Context, scope string, progress *migration.Progress) migration.Outcome {
			once.Do(func() { close(started) })
			select {
			case <-ctx.Done():
				return migration.Cancelled()
			case <-release:
				return migration.Completed()
			}
		},
	}
}

func TestMigrationLifecycle(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	client := operatorClient(t, srv)
	ctx := context.Background()

	plugins, err := client.Plugins(ctx)
	require.NoError(t, err)
	require.Len(t, plugins, 3)
	assert.Equal(t, "encode-legacy-json", plugins[0].Name)
	assert.Equal(t, 3, plugins[2].TargetVersion)

	st, err := client.Status(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "idle", st.State)
	assert.Equal(t, []int{1, 2, 3}, st.Pending)

	job, err := client.Start(ctx, "acme", miglinesdk.StartOptions{Wait: true, Timeout: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "completed", job.State)
	assert.Equal(t, []int{1, 2, 3}, job.Applied)

	st, err = client.Status(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "completed", st.State)
	assert.Equal(t, 3, st.Version)

	scopes, err := client.Scopes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, scopes)

	jobs, err := client.Jobs(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)

	got, err := client.Job(ctx, "acme", job.ID)
	require.NoError(t, err)
	assert.Equal(t, "node-a", got.InstanceID)

	_, err = client.Cancel(ctx, "acme", job.ID)
	ae := apiErr(t, err)
	assert.Equal(t, http.StatusConflict, ae.StatusCode)
	assert.Equal(t, "job_finished", ae.Code)

	_, err = client.Job(ctx, "acme", "missing")
	ae = apiErr(t, err)
	assert.Equal(t, http.StatusNotFound, ae.StatusCode)
}

func TestEventsArePaginated(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	client := operatorClient(t, srv)
	ctx := context.Background()

	_, err := client.Start(ctx, "acme", miglinesdk.StartOptions{Wait: true})
	require.NoError(t, err)

	first, err := client.Events(ctx, "acme", "", 3, "")
	require.NoError(t, err)
	require.Len(t, first.Items, 3)
	require.NotEmpty(t, first.NextCursor)
	assert.Equal(t, events.TypeMigrationCompleted, first.Items[0].Type)
	assert.Equal(t, "ops", first.Items[0].ActorID)

	second, err := client.Events(ctx, "acme", "", 3, first.NextCursor)
	require.NoError(t, err)
	require.NotEmpty(t, second.Items)
	assert.Less(t, second.Items[0].ID, first.Items[2].ID)

	started, err := client.Events(ctx, "acme", events.TypeMigrationStarted, 10, "")
	require.NoError(t, err)
	require.Len(t, started.Items, 1)
	assert.Empty(t, started.NextCursor)

	res, data := doRequest(t, http.MethodGet, srv.URL+"/v0/scopes/acme/events?cursor=abc", client.BearerToken, "")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "bad_request", errorCode(t, data))
}

func TestStartWhileRunningConflicts(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	srv := newTestServer(t, AuthConfig{}, blockingPlugin(started, release))
	client := operatorClient(t, srv)
	ctx := context.Background()

	job, err := client.Start(ctx, "acme", miglinesdk.StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, "running", job.State)
	<-started

	st, err := client.Status(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "running", st.State)
	assert.Equal(t, job.ID, st.JobID)

	_, err = client.Start(ctx, "acme", miglinesdk.StartOptions{})
	ae := apiErr(t, err)
	assert.Equal(t, http.StatusConflict, ae.StatusCode)
	assert.Equal(t, "run_in_progress", ae.Code)

	_, err = client.Reset(ctx, "acme", false)
	assert.Equal(t, http.StatusConflict, apiErr(t, err).StatusCode)

	_, err = client.Cancel(ctx, "acme", job.ID)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done, err := client.WaitJob(waitCtx, "acme", job.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", done.State)

	st, err = client.Status(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, st.Version)
	assert.Equal(t, "cancelled", st.StatusName)
}

func TestStartRejectsInvalidTimeout(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	bearer := token(t, "ops", auth.PermRun)
	res, data := doRequest(t, http.MethodPost, srv.URL+"/v0/scopes/acme/migrations", bearer, `{"timeout":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "bad_request", errorCode(t, data))
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})

	res, _ := doRequest(t, http.MethodGet, srv.URL+"/v0/health", "", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doRequest(t, http.MethodGet, srv.URL+"/v0/plugins", "", "")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, data = doRequest(t, http.MethodGet, srv.URL+"/v0/plugins", "not-a-jwt", "")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))

	forged, err := SignToken("other-secret", "ops", []string{auth.PermRun}, time.Hour)
	require.NoError(t, err)
	res, _ = doRequest(t, http.MethodGet, srv.URL+"/v0/plugins", forged, "")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	reader := token(t, "viewer", auth.PermRead)
	res, _ = doRequest(t, http.MethodGet, srv.URL+"/v0/scopes/acme/status", reader, "")
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data = doRequest(t, http.MethodPost, srv.URL+"/v0/scopes/acme/migrations", reader, `{}`)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", errorCode(t, data))

	res, _ = doRequest(t, http.MethodPost, srv.URL+"/v0/scopes/acme/reset", reader, "")
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestAuthDisabled(t *testing.T) {
	srv := newTestServer(t, AuthConfig{Disabled: true})
	client := miglinesdk.New(srv.URL, "")
	job, err := client.Start(context.Background(), "local", miglinesdk.StartOptions{Wait: true})
	require.NoError(t, err)
	assert.Equal(t, "completed", job.State)
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	_, err := operatorClient(t, srv).Start(context.Background(), "acme", miglinesdk.StartOptions{Wait: true})
	require.NoError(t, err)

	res, data := doRequest(t, http.MethodGet, srv.URL+"/metrics", "", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "migline_migration_plugin_runs_total")
	assert.Contains(t, string(data), "go_goroutines")

	res, data = doRequest(t, http.MethodGet, srv.URL+"/v0/openapi.json", "", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var oas map[string]any
	require.NoError(t, json.Unmarshal(data, &oas))
	paths, ok := oas["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v0/scopes/{scope}/migrations")
	assert.Contains(t, paths, "/v0/scopes/{scope}/jobs/{job_id}")

	res, _ = doRequest(t, http.MethodGet, srv.URL+"/docs", "", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

type delivery struct {
	Event   string
	Secret  string
	Payload webhookEvent
}

func TestWebhookDelivery(t *testing.T) {
	var mu sync.Mutex
	var got []delivery
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, delivery{Event: r.Header.Get("X-Migline-Event"), Secret: r.Header.Get("X-Migline-Secret"), Payload: evt})
		mu.Unlock()
	}))
	defer hook.Close()

	srv := newTestServer(t, AuthConfig{})
	e := srv.Engine
	ctx := context.Background()

	// Events recorded before the dispatcher starts are not delivered.
	_, err := e.Migrate(ctx, auth.Local("ops"), "before", engine.MigrateOptions{Wait: true})
	require.NoError(t, err)

	disabled := false
	d := newWebhookDispatcher(e.Repo, "node-a", []config.WebhookConfig{
		{URL: hook.URL, Events: []string{events.TypeMigrationCompleted}, Secret: "s3cret"},
		{URL: hook.URL, Enabled: &disabled},
	}, zaptest.NewLogger(t))
	d.dispatchAll(ctx)

	_, err = e.Migrate(ctx, auth.Local("ops"), "acme", engine.MigrateOptions{Wait: true})
	require.NoError(t, err)
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, events.TypeMigrationCompleted, got[0].Event)
	assert.Equal(t, "s3cret", got[0].Secret)
	assert.Equal(t, "acme", got[0].Payload.Scope)
	assert.Equal(t, "ops", got[0].Payload.ActorID)
}

func TestEventFilter(t *testing.T) {
	assert.True(t, newEventFilter(nil).match("anything"))
	assert.True(t, newEventFilter([]string{" "}).match("anything"))
	f := newEventFilter([]string{"migration.failed"})
	assert.True(t, f.match("migration.failed"))
	assert.False(t, f.match("migration.completed"))
}
