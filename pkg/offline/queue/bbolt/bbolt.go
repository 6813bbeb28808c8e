// Package bbolt persists the offline queue in a single bolt database file.
// Pending items and cached assets live in separate buckets with independent
// lifecycles; only assets are ever evicted.
package bbolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/harborapp/synccore/log"
	"github.com/harborapp/synccore/pkg/offline/queue"
)

const (
	currentSchemaVersion = 1

	bucketItems     = "items"
	bucketAssets    = "assets"
	bucketAssetData = "asset_data"
	bucketStats     = "stats"

	keySchemaVersion = "schema_version"
	keyItemSeq       = "item_seq"
)

var errUnknownSchema = errors.New("offline queue: unknown schema version")

// Logger captures structured output for store operations.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Options configures Open behaviour.
type Options struct {
	// Timeout controls the bolt file open timeout. Zero picks a default.
	Timeout time.Duration
	// AttemptCeiling is the failure count at which an item becomes
	// permanently failed. Zero picks queue.DefaultAttemptCeiling.
	AttemptCeiling int
	// Logger overrides the default handle.
	Logger Logger
	// Now overrides the wall clock, for tests.
	Now func() time.Time
}

// Store implements queue.Store backed by bbolt.
type Store struct {
	db      *bolt.DB
	ceiling int
	logger  Logger
	now     func() time.Time
}

// Open creates (or reopens) a bolt-backed queue store at path.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}
	ceiling := opts.AttemptCeiling
	if ceiling <= 0 {
		ceiling = queue.DefaultAttemptCeiling
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.GetLogger("offline-queue")
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt file: %w", err)
	}

	s := &Store{db: db, ceiling: ceiling, logger: logger, now: now}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Enqueue(ctx context.Context, entityType string, payload []byte) (queue.PendingItem, error) {
	if err := ctx.Err(); err != nil {
		return queue.PendingItem{}, err
	}
	if entityType == "" {
		return queue.PendingItem{}, errors.New("offline queue: entity type must not be empty")
	}

	var result queue.PendingItem
	err := s.db.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket([]byte(bucketItems))
		stats := tx.Bucket([]byte(bucketStats))
		if items == nil || stats == nil {
			return errors.New("missing queue buckets")
		}

		seq, err := nextSequence(stats)
		if err != nil {
			return err
		}

		item := queue.PendingItem{
			ID:             formatItemID(seq),
			EntityType:     entityType,
			Payload:        append([]byte(nil), payload...),
			IdempotencyKey: uuid.NewString(),
			CreatedAt:      s.now(),
		}

		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode item: %w", err)
		}
		if err := items.Put([]byte(item.ID), data); err != nil {
			return err
		}
		result = item
		return nil
	})
	return result, err
}

func (s *Store) ListPending(ctx context.Context) ([]queue.PendingItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items := make([]queue.PendingItem, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketItems))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketItems)
		}
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var item queue.PendingItem
			if err := json.Unmarshal(v, &item); err != nil {
				// A damaged record must not block the rest of the queue.
				s.logger.Warnf("skipping corrupt queue record %q: %v", string(k), err)
				continue
			}
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Key order already matches creation order; sort defensively in case a
	// migration ever rewrites ids.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (s *Store) RecordFailure(ctx context.Context, id string, cause string) (queue.PendingItem, error) {
	return s.updateItem(ctx, id, func(item queue.PendingItem) queue.PendingItem {
		item.AttemptCount++
		item.LastAttemptAt = s.now()
		item.LastError = cause
		if item.AttemptCount >= s.ceiling {
			item.PermanentlyFailed = true
		}
		return item
	})
}

func (s *Store) MarkPermanentlyFailed(ctx context.Context, id string, cause string) (queue.PendingItem, error) {
	return s.updateItem(ctx, id, func(item queue.PendingItem) queue.PendingItem {
		item.LastAttemptAt = s.now()
		item.LastError = cause
		item.PermanentlyFailed = true
		return item
	})
}

func (s *Store) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" {
		return errors.New("offline queue: item id must not be empty")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketItems))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketItems)
		}
		return bucket.Delete([]byte(id))
	})
}

func (s *Store) ClearFailures(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	cleared := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketItems))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketItems)
		}
		// Writing through a live cursor may invalidate it, so collect the
		// rewritten records first and put them back after the scan.
		type rewrite struct {
			key  []byte
			data []byte
		}
		rewrites := make([]rewrite, 0)
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var item queue.PendingItem
			if err := json.Unmarshal(v, &item); err != nil {
				s.logger.Warnf("skipping corrupt queue record %q: %v", string(k), err)
				continue
			}
			if !item.PermanentlyFailed && item.LastError == "" {
				continue
			}
			item.PermanentlyFailed = false
			item.LastError = ""
			data, err := json.Marshal(item)
			if err != nil {
				return fmt.Errorf("encode item: %w", err)
			}
			rewrites = append(rewrites, rewrite{key: append([]byte(nil), k...), data: data})
		}
		for _, rw := range rewrites {
			if err := bucket.Put(rw.key, rw.data); err != nil {
				return err
			}
			cleared++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cleared, nil
}

func (s *Store) PendingCount(ctx context.Context) (int, error) {
	return s.countItems(ctx, func(item queue.PendingItem) bool {
		return !item.PermanentlyFailed
	})
}

func (s *Store) FailedCount(ctx context.Context) (int, error) {
	return s.countItems(ctx, func(item queue.PendingItem) bool {
		return item.PermanentlyFailed
	})
}

func (s *Store) CacheAsset(ctx context.Context, key string, data []byte) (queue.CachedAsset, error) {
	if err := ctx.Err(); err != nil {
		return queue.CachedAsset{}, err
	}
	if key == "" {
		return queue.CachedAsset{}, errors.New("offline queue: asset key must not be empty")
	}

	now := s.now()
	asset := queue.CachedAsset{
		Key:            key,
		SizeBytes:      int64(len(data)),
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		assets := tx.Bucket([]byte(bucketAssets))
		blobs := tx.Bucket([]byte(bucketAssetData))
		if assets == nil || blobs == nil {
			return errors.New("missing asset buckets")
		}
		meta, err := json.Marshal(asset)
		if err != nil {
			return fmt.Errorf("encode asset: %w", err)
		}
		if err := assets.Put([]byte(key), meta); err != nil {
			return err
		}
		return blobs.Put([]byte(key), append([]byte(nil), data...))
	})
	return asset, err
}

func (s *Store) Asset(ctx context.Context, key string) ([]byte, queue.CachedAsset, error) {
	if err := ctx.Err(); err != nil {
		return nil, queue.CachedAsset{}, err
	}
	if key == "" {
		return nil, queue.CachedAsset{}, errors.New("offline queue: asset key must not be empty")
	}

	var (
		payload []byte
		asset   queue.CachedAsset
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		assets := tx.Bucket([]byte(bucketAssets))
		blobs := tx.Bucket([]byte(bucketAssetData))
		if assets == nil || blobs == nil {
			return errors.New("missing asset buckets")
		}
		raw := assets.Get([]byte(key))
		if raw == nil {
			return queue.ErrNotFound
		}
		if err := json.Unmarshal(raw, &asset); err != nil {
			return fmt.Errorf("decode asset: %w", err)
		}
		asset.LastAccessedAt = s.now()
		meta, err := json.Marshal(asset)
		if err != nil {
			return fmt.Errorf("encode asset: %w", err)
		}
		if err := assets.Put([]byte(key), meta); err != nil {
			return err
		}
		payload = append([]byte(nil), blobs.Get([]byte(key))...)
		return nil
	})
	if err != nil {
		return nil, queue.CachedAsset{}, err
	}
	return payload, asset, nil
}

func (s *Store) EvictStale(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if maxAge < 0 {
		return 0, errors.New("offline queue: max age must not be negative")
	}

	cutoff := s.now().Add(-maxAge)
	evicted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		assets := tx.Bucket([]byte(bucketAssets))
		blobs := tx.Bucket([]byte(bucketAssetData))
		if assets == nil || blobs == nil {
			return errors.New("missing asset buckets")
		}
		stale := make([][]byte, 0)
		c := assets.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var asset queue.CachedAsset
			if err := json.Unmarshal(v, &asset); err != nil {
				s.logger.Warnf("evicting corrupt asset record %q: %v", string(k), err)
				stale = append(stale, append([]byte(nil), k...))
				continue
			}
			if asset.CreatedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := assets.Delete(k); err != nil {
				return err
			}
			if err := blobs.Delete(k); err != nil {
				return err
			}
			evicted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return evicted, nil
}

func (s *Store) updateItem(ctx context.Context, id string, fn func(queue.PendingItem) queue.PendingItem) (queue.PendingItem, error) {
	if err := ctx.Err(); err != nil {
		return queue.PendingItem{}, err
	}
	if id == "" {
		return queue.PendingItem{}, errors.New("offline queue: item id must not be empty")
	}

	var result queue.PendingItem
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketItems))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketItems)
		}
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return queue.ErrNotFound
		}
		var item queue.PendingItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return fmt.Errorf("decode item %s: %w", id, err)
		}
		item = fn(item)
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode item %s: %w", id, err)
		}
		if err := bucket.Put([]byte(id), data); err != nil {
			return err
		}
		result = item
		return nil
	})
	return result, err
}

func (s *Store) countItems(ctx context.Context, match func(queue.PendingItem) bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketItems))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketItems)
		}
		return bucket.ForEach(func(k, v []byte) error {
			var item queue.PendingItem
			if err := json.Unmarshal(v, &item); err != nil {
				s.logger.Warnf("skipping corrupt queue record %q: %v", string(k), err)
				return nil
			}
			if match(item) {
				count++
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) ensureSchema() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketItems, bucketAssets, bucketAssetData} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("ensure %s bucket: %w", name, err)
			}
		}
		stats, err := tx.CreateBucketIfNotExists([]byte(bucketStats))
		if err != nil {
			return fmt.Errorf("ensure stats bucket: %w", err)
		}
		versionBytes := stats.Get([]byte(keySchemaVersion))
		if len(versionBytes) == 0 {
			return stats.Put([]byte(keySchemaVersion), []byte(strconv.Itoa(currentSchemaVersion)))
		}
		version, err := strconv.Atoi(string(versionBytes))
		if err != nil {
			return fmt.Errorf("parse schema version: %w", err)
		}
		if version == currentSchemaVersion {
			return nil
		}
		if version > currentSchemaVersion {
			return fmt.Errorf("%w: %d", errUnknownSchema, version)
		}
		if err := migrate(tx, version, currentSchemaVersion); err != nil {
			return err
		}
		return stats.Put([]byte(keySchemaVersion), []byte(strconv.Itoa(currentSchemaVersion)))
	})
}

func migrate(tx *bolt.Tx, from, to int) error {
	version := from
	for version < to {
		switch version {
		case 0:
			for _, name := range []string{bucketItems, bucketAssets, bucketAssetData} {
				if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
					return fmt.Errorf("migrate v0 %s: %w", name, err)
				}
			}
			version = 1
		default:
			return fmt.Errorf("%w: %d", errUnknownSchema, version)
		}
	}
	return nil
}

func nextSequence(stats *bolt.Bucket) (int, error) {
	raw := stats.Get([]byte(keyItemSeq))
	var seq int
	if len(raw) > 0 {
		v, err := strconv.Atoi(string(raw))
		if err != nil {
			return 0, fmt.Errorf("parse item sequence: %w", err)
		}
		seq = v
	}
	seq++
	if err := stats.Put([]byte(keyItemSeq), []byte(strconv.Itoa(seq))); err != nil {
		return 0, err
	}
	return seq, nil
}

func formatItemID(seq int) string {
	return fmt.Sprintf("itm-%020d", seq)
}
