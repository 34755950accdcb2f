package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/goodtune/kwatch/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketQueue = "offline_queue"
)

// Queue implements storage.Queue on a local bbolt file.
type Queue struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open opens a BoltDB-backed offline queue.
func Open(path string) (*Queue, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	q := &Queue{db: db, now: time.Now}
	if err := q.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return q, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func (q *Queue) ensureBuckets() error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketQueue)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketQueue, err)
		}
		return nil
	})
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue stores entry under its key. An existing entry is replaced in place:
// EnqueuedAt is kept so the session keeps its position, Revision is bumped.
func (q *Queue) Enqueue(ctx context.Context, entry storage.QueueEntry) (storage.QueueEntry, error) {
	if entry.Key == "" {
		return storage.QueueEntry{}, fmt.Errorf("queue entry key is required")
	}

	err := q.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketQueue))
		if b == nil {
			return fmt.Errorf("bucket missing: %s", bucketQueue)
		}

		now := q.now()
		if entry.EnqueuedAt.IsZero() {
			entry.EnqueuedAt = now
		}
		entry.UpdatedAt = now
		entry.Revision = 1

		existing, err := getValue[storage.QueueEntry](b, entry.Key)
		if err != nil && err != storage.ErrNotFound {
			return err
		}
		if existing != nil {
			entry.EnqueuedAt = existing.EnqueuedAt
			entry.Revision = existing.Revision + 1
		}

		return putValue(b, entry.Key, entry)
	})
	if err != nil {
		return storage.QueueEntry{}, err
	}
	return entry, nil
}

// List returns every pending entry ordered by EnqueuedAt, then key.
func (q *Queue) List(ctx context.Context) ([]storage.QueueEntry, error) {
	entries, err := listBucket[storage.QueueEntry](ctx, q.db, bucketQueue)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].EnqueuedAt.Equal(entries[j].EnqueuedAt) {
			return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
		}
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}

// Get returns the pending entry for key.
func (q *Queue) Get(ctx context.Context, key string) (*storage.QueueEntry, error) {
	var entry *storage.QueueEntry
	err := q.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketQueue))
		if b == nil {
			return storage.ErrNotFound
		}
		var err error
		entry, err = getValue[storage.QueueEntry](b, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Remove deletes the entry for key if its revision still matches. A newer
// revision means the entry was coalesced after it was read and must stay.
func (q *Queue) Remove(ctx context.Context, key string, revision uint64) (bool, error) {
	removed := false
	err := q.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketQueue))
		if b == nil {
			return nil
		}
		existing, err := getValue[storage.QueueEntry](b, key)
		if err == storage.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if existing.Revision != revision {
			return nil
		}
		removed = true
		return b.Delete([]byte(key))
	})
	return removed, err
}

// Count returns the number of pending entries.
func (q *Queue) Count(ctx context.Context) (int, error) {
	count := 0
	err := q.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketQueue))
		if b == nil {
			return nil
		}
		count = b.Stats().KeyN
		return nil
	})
	return count, err
}

func marshal(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

func unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return nil
}

func listBucket[T any](ctx context.Context, db *bbolt.DB, bucket string) ([]T, error) {
	items := make([]T, 0)
	err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var item T
			if err := unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func getValue[T any](b *bbolt.Bucket, key string) (*T, error) {
	value := b.Get([]byte(key))
	if value == nil {
		return nil, storage.ErrNotFound
	}
	var result T
	if err := unmarshal(value, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func putValue(b *bbolt.Bucket, key string, value any) error {
	data, err := marshal(value)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}
