package status_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"migline/internal/db"
	"migline/internal/migrate"
	"migline/internal/status"
)

type backend struct {
	name string
	open func(t *testing.T) status.Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) status.Store { return status.NewMemoryStore() }},
		{"sqlite", func(t *testing.T) status.Store {
			conn, err := db.Open(db.Config{Workspace: t.TempDir()})
			require.NoError(t, err)
			t.Cleanup(func() { conn.Close() })
			require.NoError(t, migrate.Migrate(conn))
			return status.NewSQLStore(conn)
		}},
		{"bolt", func(t *testing.T) status.Store {
			s, err := status.OpenBoltStore(filepath.Join(t.TempDir(), "status.db"), time.Second)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s status.Store)) {
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			fn(t, b.open(t))
		})
	}
}

func TestReadNeverWrittenScope(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s status.Store) {
		rec, err := s.Read(context.Background(), "never-written")
		require.NoError(t, err)
		assert.Equal(t, 0, rec.Version)
		assert.Equal(t, 0, rec.StatusCode)
		assert.Nil(t, rec.StatusMessage)
	})
}

func TestWriteThenRead(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s status.Store) {
		ctx := context.Background()
		want := status.Record{Version: 100, StatusCode: 200}.WithMessage("s")
		require.NoError(t, s.Write(ctx, "tenant-a", want))

		got, err := s.Read(ctx, "tenant-a")
		require.NoError(t, err)
		assert.True(t, want.Equal(got), "got %s", got)

		require.NoError(t, s.Write(ctx, "tenant-a", status.Record{Version: 100, StatusCode: 0}))
		got, err = s.Read(ctx, "tenant-a")
		require.NoError(t, err)
		assert.Nil(t, got.StatusMessage, "message cleared together with the code")

		empty := status.Record{Version: 101}.WithMessage("")
		require.NoError(t, s.Write(ctx, "tenant-a", empty))
		got, err = s.Read(ctx, "tenant-a")
		require.NoError(t, err)
		assert.True(t, got.HasMessage(), "empty message is distinct from absent")

		scopes, err := s.Scopes(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"tenant-a"}, scopes)
	})
}

func TestWriteRejectsVersionRegression(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s status.Store) {
		ctx := context.Background()
		require.NoError(t, s.Write(ctx, "a", status.Record{Version: 3}))

		err := s.Write(ctx, "a", status.Record{Version: 2})
		assert.ErrorIs(t, err, status.ErrVersionRegression)

		err = s.CompareAndSet(ctx, "a", status.Record{Version: 3}, status.Record{Version: 1})
		assert.ErrorIs(t, err, status.ErrVersionRegression)

		got, err := s.Read(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 3, got.Version)

		assert.ErrorIs(t, s.Write(ctx, "a", status.Record{Version: -1}), status.ErrInvalidRecord)
		assert.ErrorIs(t, s.Write(ctx, "", status.Record{}), status.ErrInvalidRecord)
	})
}

func TestCompareAndSet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s status.Store) {
		ctx := context.Background()
		claim := status.Record{Version: 0, StatusCode: 1}.WithMessage("job-1")
		require.NoError(t, s.CompareAndSet(ctx, "a", status.Record{}, claim))

		err := s.CompareAndSet(ctx, "a", status.Record{}, status.Record{StatusCode: 1}.WithMessage("job-2"))
		var ce *status.ConflictError
		require.ErrorAs(t, err, &ce)
		assert.True(t, ce.Actual.Equal(claim))
		assert.True(t, status.IsConflict(err))

		next := status.Record{Version: 1, StatusCode: 1}.WithMessage("job-1")
		require.NoError(t, s.CompareAndSet(ctx, "a", claim, next))

		// The message takes part in the comparison.
		err = s.CompareAndSet(ctx, "a", next.WithMessage("job-2"), status.Record{Version: 2})
		require.ErrorAs(t, err, &ce)

		done := status.Record{Version: 1, StatusCode: 2}
		require.NoError(t, s.CompareAndSet(ctx, "a", next, done))
		got, err := s.Read(ctx, "a")
		require.NoError(t, err)
		assert.True(t, done.Equal(got))
	})
}

func TestConcurrentCompareAndSetHasOneWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s status.Store) {
		ctx := context.Background()
		prior := status.Record{Version: 1, StatusCode: 2}
		require.NoError(t, s.Write(ctx, "race", prior))

		const contenders = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
			others    []error
		)
		start := make(chan struct{})
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				next := status.Record{Version: 2, StatusCode: 2}.WithMessage(fmt.Sprintf("writer-%d", i))
				err := s.CompareAndSet(ctx, "race", prior, next)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case status.IsConflict(err):
					conflicts++
				default:
					others = append(others, err)
				}
			}(i)
		}
		close(start)
		wg.Wait()

		require.Empty(t, others)
		assert.Equal(t, 1, wins)
		assert.Equal(t, contenders-1, conflicts)

		got, err := s.Read(ctx, "race")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)
	})
}

type flakyStore struct {
	status.Store
	failures int
	commit   bool
	calls    int
}

func (f *flakyStore) CompareAndSet(ctx context.Context, scope string, expected, next status.Record) error {
	f.calls++
	if f.calls <= f.failures {
		if f.commit {
			if err := f.Store.CompareAndSet(ctx, scope, expected, next); err != nil {
				return err
			}
		}
		return &db.TransientError{Op: "cas", Err: errors.New("database is locked")}
	}
	return f.Store.CompareAndSet(ctx, scope, expected, next)
}

func (f *flakyStore) Read(ctx context.Context, scope string) (status.Record, error) {
	f.calls++
	if f.calls <= f.failures {
		return status.Record{}, &db.TransientError{Op: "read", Err: errors.New("busy")}
	}
	return f.Store.Read(ctx, scope)
}

var fastRetry = db.RetryConfig{Attempts: 5, Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestWithRetryRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{Store: status.NewMemoryStore(), failures: 2}
	s := status.WithRetry(inner, fastRetry, nil)

	_, err := s.Read(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)
}

func TestWithRetryDoesNotRetryConflicts(t *testing.T) {
	ctx := context.Background()
	mem := status.NewMemoryStore()
	require.NoError(t, mem.Write(ctx, "a", status.Record{Version: 5}))
	inner := &flakyStore{Store: mem}
	s := status.WithRetry(inner, fastRetry, nil)

	err := s.CompareAndSet(ctx, "a", status.Record{}, status.Record{Version: 6})
	assert.True(t, status.IsConflict(err))
	assert.Equal(t, 1, inner.calls)
}

func TestWithRetryAcceptsCommittedCompareAndSet(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{Store: status.NewMemoryStore(), failures: 1, commit: true}
	s := status.WithRetry(inner, fastRetry, nil)

	next := status.Record{StatusCode: 1}.WithMessage("claim")
	require.NoError(t, s.CompareAndSet(ctx, "a", status.Record{}, next))
	got, err := s.Read(ctx, "a")
	require.NoError(t, err)
	assert.True(t, next.Equal(got))
}

// annotatingStore wraps the errors of its backend, as a decorating backend
// would.
type annotatingStore struct {
	status.Store
}

func (a annotatingStore) CompareAndSet(ctx context.Context, scope string, expected, next status.Record) error {
	if err := a.Store.CompareAndSet(ctx, scope, expected, next); err != nil {
		return fmt.Errorf("annotated: %w", err)
	}
	return nil
}

func TestWithRetryAcceptsWrappedCommittedCompareAndSet(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{Store: annotatingStore{Store: status.NewMemoryStore()}, failures: 1, commit: true}
	s := status.WithRetry(inner, fastRetry, nil)

	next := status.Record{Version: 1, StatusCode: 2}
	require.NoError(t, s.CompareAndSet(ctx, "a", status.Record{}, next))
	assert.Equal(t, 2, inner.calls)
}

func TestBoltStoreCollector(t *testing.T) {
	s, err := status.OpenBoltStore(filepath.Join(t.TempDir(), "status.db"), 0)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "a", status.Record{Version: 1, StatusCode: 2}))
	require.NoError(t, s.Write(ctx, "b", status.Record{Version: 1, StatusCode: 2}))
	require.NoError(t, s.Write(ctx, "c", status.Record{Version: 0, StatusCode: 3}))

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(s))
	n, err := testutil.GatherAndCount(reg, "migline_status_scopes")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per status code")
}
