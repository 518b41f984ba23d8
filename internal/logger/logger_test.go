package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, Config{Format: "json", Level: "warn"})
	require.NoError(t, err)

	log.Info("hidden")
	log.Warn("shown", zap.String("scope", "tenant-a"))
	require.NoError(t, log.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "tenant-a", entry["scope"])
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, NewConfig().Validate())
	assert.Error(t, Config{Format: "xml"}.Validate())
	assert.Error(t, Config{Level: "loud"}.Validate())
}

func TestContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))
	l := zap.NewExample()
	assert.Same(t, l, FromContext(NewContextWithLogger(context.Background(), l)))
}
