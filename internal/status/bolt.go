package status

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	bolt "go.etcd.io/bbolt"
)

var statusBucket = []byte("migration_status")

var (
	boltScopesDesc = prometheus.NewDesc(
		"migline_status_scopes",
		"Number of scopes with a stored status record, by status code",
		[]string{"status_code"}, nil)

	boltWritesDesc = prometheus.NewDesc(
		"migline_status_boltdb_writes_total",
		"Total number of boltdb writes by the status store",
		nil, nil)
)

var _ prometheus.Collector = (*BoltStore)(nil)

// BoltStore keeps records as JSON values in a bbolt bucket. Bolt serializes
// write transactions, so a compare-and-set is a read and put inside one
// Update.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if needed) the bolt file at path.
func OpenBoltStore(path string, timeout time.Duration) (*BoltStore, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("open status bolt %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(statusBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create status bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func getRecord(b *bolt.Bucket, scope string) (Record, error) {
	raw := b.Get([]byte(scope))
	if raw == nil {
		return Record{}, nil
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("decode status for scope %q: %w", scope, err)
	}
	return rec, nil
}

func putRecord(b *bolt.Bucket, scope string, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(scope), raw)
}

func (s *BoltStore) Read(ctx context.Context, scope string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx.Bucket(statusBucket), scope)
		return err
	})
	return rec, err
}

func (s *BoltStore) Write(ctx context.Context, scope string, rec Record) error {
	if err := validate(scope, rec); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(statusBucket)
		current, err := getRecord(b, scope)
		if err != nil {
			return err
		}
		if err := checkAdvance(scope, current, rec); err != nil {
			return err
		}
		return putRecord(b, scope, rec)
	})
}

func (s *BoltStore) CompareAndSet(ctx context.Context, scope string, expected, next Record) error {
	if err := validate(scope, next); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(statusBucket)
		current, err := getRecord(b, scope)
		if err != nil {
			return err
		}
		if !current.Equal(expected) {
			return &ConflictError{Scope: scope, Expected: expected.clone(), Actual: current}
		}
		if err := checkAdvance(scope, current, next); err != nil {
			return err
		}
		return putRecord(b, scope, next)
	})
}

func (s *BoltStore) Scopes(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var scopes []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(statusBucket).ForEach(func(k, _ []byte) error {
			scopes = append(scopes, string(k))
			return nil
		})
	})
	return scopes, err
}

// Describe returns all descriptions of the collector.
func (s *BoltStore) Describe(ch chan<- *prometheus.Desc) {
	ch <- boltScopesDesc
	ch <- boltWritesDesc
}

// Collect returns the current state of all metrics of the collector.
func (s *BoltStore) Collect(ch chan<- prometheus.Metric) {
	counts := map[int]float64{}
	_ = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(statusBucket).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			counts[rec.StatusCode]++
			return nil
		})
	})
	for code, n := range counts {
		ch <- prometheus.MustNewConstMetric(boltScopesDesc, prometheus.GaugeValue, n, strconv.Itoa(code))
	}
	stats := s.db.Stats()
	ch <- prometheus.MustNewConstMetric(boltWritesDesc, prometheus.CounterValue, float64(stats.TxStats.Write))
}
