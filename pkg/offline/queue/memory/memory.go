// Package memory implements queue.Store entirely in process memory. It
// backs tests and the daemon's ephemeral mode; nothing survives a restart.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	"github.com/harborapp/synccore/pkg/offline/queue"
)

// Options configures New.
type Options struct {
	// AttemptCeiling is the failure count at which an item becomes
	// permanently failed. Zero picks queue.DefaultAttemptCeiling.
	AttemptCeiling int
	// Now overrides the wall clock, for tests.
	Now func() time.Time
}

// Store implements queue.Store in memory. Items are kept in a btree keyed by
// their sequential id, so iteration order is creation order.
type Store struct {
	ceiling int
	now     func() time.Time

	mu      sync.Mutex
	seq     int
	items   *btree.Map[string, queue.PendingItem]
	assets  map[string]queue.CachedAsset
	payload map[string][]byte
}

// New constructs an empty in-memory store.
func New(opts Options) *Store {
	ceiling := opts.AttemptCeiling
	if ceiling <= 0 {
		ceiling = queue.DefaultAttemptCeiling
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		ceiling: ceiling,
		now:     now,
		items:   btree.NewMap[string, queue.PendingItem](32),
		assets:  make(map[string]queue.CachedAsset),
		payload: make(map[string][]byte),
	}
}

func (s *Store) Enqueue(ctx context.Context, entityType string, payload []byte) (queue.PendingItem, error) {
	if err := ctx.Err(); err != nil {
		return queue.PendingItem{}, err
	}
	if entityType == "" {
		return queue.PendingItem{}, errors.New("offline queue: entity type must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	item := queue.PendingItem{
		ID:             fmt.Sprintf("itm-%020d", s.seq),
		EntityType:     entityType,
		Payload:        append([]byte(nil), payload...),
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      s.now(),
	}
	s.items.Set(item.ID, item)
	return item, nil
}

func (s *Store) ListPending(ctx context.Context) ([]queue.PendingItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]queue.PendingItem, 0, s.items.Len())
	s.items.Scan(func(_ string, item queue.PendingItem) bool {
		items = append(items, item)
		return true
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

	s.mu.Lock()
	defer s.mu.Unlock()

	s.items.Delete(id)
	return nil
}

func (s *Store) ClearFailures(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	flagged := make([]queue.PendingItem, 0)
	s.items.Scan(func(_ string, item queue.PendingItem) bool {
		if item.PermanentlyFailed || item.LastError != "" {
			flagged = append(flagged, item)
		}
		return true
	})
	for _, item := range flagged {
		item.PermanentlyFailed = false
		item.LastError = ""
		s.items.Set(item.ID, item)
	}
	return len(flagged), nil
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

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	asset := queue.CachedAsset{
		Key:            key,
		SizeBytes:      int64(len(data)),
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	s.assets[key] = asset
	s.payload[key] = append([]byte(nil), data...)
	return asset, nil
}

func (s *Store) Asset(ctx context.Context, key string) ([]byte, queue.CachedAsset, error) {
	if err := ctx.Err(); err != nil {
		return nil, queue.CachedAsset{}, err
	}
	if key == "" {
		return nil, queue.CachedAsset{}, errors.New("offline queue: asset key must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	asset, ok := s.assets[key]
	if !ok {
		return nil, queue.CachedAsset{}, queue.ErrNotFound
	}
	asset.LastAccessedAt = s.now()
	s.assets[key] = asset
	return append([]byte(nil), s.payload[key]...), asset, nil
}

func (s *Store) EvictStale(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if maxAge < 0 {
		return 0, errors.New("offline queue: max age must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	evicted := 0
	for key, asset := range s.assets {
		if asset.CreatedAt.Before(cutoff) {
			delete(s.assets, key)
			delete(s.payload, key)
			evicted++
		}
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

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items.Get(id)
	if !ok {
		return queue.PendingItem{}, queue.ErrNotFound
	}
	item = fn(item)
	s.items.Set(id, item)
	return item, nil
}

func (s *Store) countItems(ctx context.Context, match func(queue.PendingItem) bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	s.items.Scan(func(_ string, item queue.PendingItem) bool {
		if match(item) {
			count++
		}
		return true
	})
	return count, nil
}
