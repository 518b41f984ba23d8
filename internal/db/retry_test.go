package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var fast = RetryConfig{Attempts: 4, Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fast, zap.NewNop(), "test", func() error {
		calls++
		if calls < 3 {
			return &TransientError{Op: "test", Err: errors.New("busy")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnFatalError(t *testing.T) {
	boom := errors.New("constraint failed")
	calls := 0
	err := Retry(context.Background(), fast, nil, "test", func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fast, nil, "test", func() error {
		calls++
		return bolt.ErrTimeout
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, bolt.ErrTimeout)
	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "test", te.Op)
	assert.Equal(t, fast.Attempts, calls)
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := RetryConfig{Attempts: 100, Delay: 50 * time.Millisecond, MaxDelay: time.Second}
	err := Retry(ctx, cfg, nil, "test", func() error {
		return &TransientError{Op: "test", Err: errors.New("busy")}
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("x")))
	assert.True(t, IsTransient(bolt.ErrTimeout))
	assert.True(t, IsTransient(&TransientError{Err: errors.New("x")}))
}
