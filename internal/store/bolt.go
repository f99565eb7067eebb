package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"

	"github.com/lvonguyen/threatlens/internal/indicator"
)

var (
	bucketIndicators = []byte("indicators")
	bucketAlerts     = []byte("alerts")
)

// BoltStore is a single-node persistent store backed by a bbolt file.
// bbolt allows one writer at a time, so every upsert is a serialized
// read-merge-write transaction.
type BoltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewBoltStore opens or creates the database file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w: %w", ErrUnavailable, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketIndicators, bucketAlerts} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

// Upsert inserts or merges c under its canonical key.
func (s *BoltStore) Upsert(ctx context.Context, c indicator.Candidate, source string) (UpsertResult, error) {
	if err := checkCandidate(c); err != nil {
		return UpsertResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return UpsertResult{}, err
	}

	var res UpsertResult
	key := []byte(c.Key().String())
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketIndicators)
		now := s.now()
		if data := b.Get(key); data != nil {
			var existing indicator.Indicator
			if err := json.Unmarshal(data, &existing); err != nil {
				return fmt.Errorf("decoding %s: %w", key, err)
			}
			res = UpsertResult{Indicator: Merge(existing, c, source, now)}
		} else {
			res = UpsertResult{Indicator: NewRecord(c, source, now), Created: true}
		}
		return putJSON(b, key, res.Indicator)
	})
	if err != nil {
		return UpsertResult{}, boltErr("upsert indicator", err)
	}
	return res, nil
}

// Get returns the indicator stored under (t, value).
func (s *BoltStore) Get(_ context.Context, t indicator.Type, value string) (indicator.Indicator, error) {
	key := indicator.Key{Type: t, Value: indicator.Canonical(t, value)}
	var ind indicator.Indicator
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketIndicators).Get([]byte(key.String()))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &ind)
	})
	if err != nil {
		return indicator.Indicator{}, boltErr("get indicator", err)
	}
	return ind, nil
}

// Recent returns the most recently seen indicators.
func (s *BoltStore) Recent(_ context.Context, limit int) ([]indicator.Indicator, error) {
	return s.scan(limit, func(indicator.Indicator) bool { return true })
}

// RecentByType returns the most recently seen indicators of type t.
func (s *BoltStore) RecentByType(_ context.Context, t indicator.Type, limit int) ([]indicator.Indicator, error) {
	return s.scan(limit, func(ind indicator.Indicator) bool { return ind.Type == t })
}

func (s *BoltStore) scan(limit int, keep func(indicator.Indicator) bool) ([]indicator.Indicator, error) {
	out := make([]indicator.Indicator, 0)
	if limit <= 0 {
		return out, nil
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIndicators).ForEach(func(k, v []byte) error {
			var ind indicator.Indicator
			if err := json.Unmarshal(v, &ind); err != nil {
				return fmt.Errorf("decoding %s: %w", k, err)
			}
			if keep(ind) {
				out = append(out, ind)
			}
			return nil
		})
	})
	if err != nil {
		return nil, boltErr("list indicators", err)
	}
	return newestFirst(out, limit), nil
}

// Deactivate marks the indicator inactive.
func (s *BoltStore) Deactivate(_ context.Context, t indicator.Type, value string) error {
	key := []byte(indicator.Key{Type: t, Value: indicator.Canonical(t, value)}.String())
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketIndicators)
		data := b.Get(key)
		if data == nil {
			return ErrNotFound
		}
		var ind indicator.Indicator
		if err := json.Unmarshal(data, &ind); err != nil {
			return fmt.Errorf("decoding %s: %w", key, err)
		}
		ind.IsActive = false
		return putJSON(b, key, ind)
	})
	return boltErr("deactivate indicator", err)
}

// Count returns the number of stored indicators.
func (s *BoltStore) Count(context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketIndicators).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, boltErr("count indicators", err)
	}
	return n, nil
}

// AddAlert stores an alert. Alert keys sort by creation time.
func (s *BoltStore) AddAlert(_ context.Context, a indicator.Alert) (indicator.Alert, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	if !a.Severity.Valid() {
		a.Severity = indicator.SeverityLow
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketAlerts), alertKey(a), a)
	})
	if err != nil {
		return indicator.Alert{}, boltErr("add alert", err)
	}
	return a, nil
}

// RecentAlerts walks the alert bucket backwards from the newest key.
func (s *BoltStore) RecentAlerts(_ context.Context, limit int) ([]indicator.Alert, error) {
	out := make([]indicator.Alert, 0)
	if limit <= 0 {
		return out, nil
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketAlerts).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var a indicator.Alert
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decoding alert: %w", err)
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, boltErr("list alerts", err)
	}
	return out, nil
}

// Ping fails once the database is closed.
func (s *BoltStore) Ping(context.Context) error {
	return boltErr("ping", s.db.View(func(*bbolt.Tx) error { return nil }))
}

// Close releases the file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// alertKey is the big-endian creation time followed by the alert ID.
func alertKey(a indicator.Alert) []byte {
	key := make([]byte, 8, 8+len(a.ID))
	binary.BigEndian.PutUint64(key, uint64(a.CreatedAt.UnixNano()))
	return append(key, a.ID...)
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return b.Put(key, data)
}

func boltErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return err
	case errors.Is(err, berrors.ErrDatabaseNotOpen):
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
