package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"migline/internal/config"
	"migline/internal/field"
)

func TestLoadFallsBackToDefault(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, field.DefaultMaxDepth, cfg.Field.MaxDepth)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	yml := `instance_id: node-a
store:
  backend: bolt
  bolt_path: state/status.db
retry:
  attempts: 3
  delay: 10ms
  max_delay: 250ms
migration:
  timeout: 10m
  batch_size: 50
log:
  format: json
  level: debug
webhooks:
  - url: https://hooks.example.com/migline
    events: [migration.failed]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(yml), 0o644))

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "node-a", cfg.InstanceID)
	assert.Equal(t, config.BackendBolt, cfg.Store.Backend)
	assert.Equal(t, time.Second, cfg.Store.BoltTimeout, "unset keys keep defaults")
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Retry.DB().Delay)
	assert.Equal(t, 10*time.Minute, cfg.Migration.Timeout)
	assert.Equal(t, 50, cfg.Migration.BatchSize)
	assert.Equal(t, 4, cfg.Migration.Concurrency)
	assert.Equal(t, "json", cfg.Log.Format)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"migration.failed"}, cfg.Webhooks[0].Events)

	data, err := cfg.Marshal()
	require.NoError(t, err)
	again, err := config.FromYAML(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"backend":     "store: {backend: postgres}",
		"depth":       "field: {max_depth: 0}",
		"attempts":    "retry: {attempts: 0}",
		"max delay":   "retry: {delay: 1s, max_delay: 10ms}",
		"concurrency": "migration: {concurrency: 0}",
		"batch":       "migration: {batch_size: -1}",
		"log format":  "log: {format: xml}",
		"webhook url": "webhooks: [{url: not-a-url}]",
		"event":       "webhooks: [{url: 'http://x', events: ['']}]",
		"yaml":        "store: [",
	}
	for name, yml := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(yml))
			assert.Error(t, err)
		})
	}
}
