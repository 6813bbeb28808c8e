package queue

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entry is not present in the store.
var ErrNotFound = errors.New("offline queue: entry not found")

// DefaultAttemptCeiling is the number of recorded failures after which an
// item is marked permanently failed and excluded from automatic retry.
const DefaultAttemptCeiling = 5

// PendingItem is a durably queued, not-yet-confirmed user action awaiting
// upload. Items are removed only on confirmed upload success or explicit
// discard, never by space reclamation.
type PendingItem struct {
	ID                string
	EntityType        string
	Payload           []byte
	IdempotencyKey    string
	CreatedAt         time.Time
	AttemptCount      int
	LastAttemptAt     time.Time
	LastError         string
	PermanentlyFailed bool
}

// CachedAsset describes a re-fetchable downloaded artifact kept locally for
// performance. Losing an asset never loses user data.
type CachedAsset struct {
	Key            string
	SizeBytes      int64
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// Store is the single source of truth for unsynced items and cached assets.
// It is the sole mutation path for both; the sync engine mutates pending
// items only through it.
type Store interface {
	// Enqueue durably persists a new item with AttemptCount 0. When Enqueue
	// returns, the item must survive a process crash.
	Enqueue(ctx context.Context, entityType string, payload []byte) (PendingItem, error)
	// ListPending returns every pending item, permanently failed ones
	// included, ordered by CreatedAt ascending. Damaged records are skipped.
	ListPending(ctx context.Context) ([]PendingItem, error)
	// RecordFailure increments the item's attempt count, stamps the attempt
	// time and cause, and flips PermanentlyFailed once the attempt ceiling
	// is reached.
	RecordFailure(ctx context.Context, id string, cause string) (PendingItem, error)
	// MarkPermanentlyFailed flags an item as permanently failed regardless
	// of its attempt count.
	MarkPermanentlyFailed(ctx context.Context, id string, cause string) (PendingItem, error)
	// Remove deletes an item. Removing an absent id is a no-op.
	Remove(ctx context.Context, id string) error
	// ClearFailures resets PermanentlyFailed and LastError on every item
	// without touching attempt counts. Returns the number of items cleared.
	ClearFailures(ctx context.Context) (int, error)
	// PendingCount counts items that are not permanently failed.
	PendingCount(ctx context.Context) (int, error)
	// FailedCount counts permanently failed items, kept for error reporting.
	FailedCount(ctx context.Context) (int, error)

	// CacheAsset stores (or replaces) a downloaded artifact under key.
	CacheAsset(ctx context.Context, key string, data []byte) (CachedAsset, error)
	// Asset returns a cached artifact and touches its last-access time.
	Asset(ctx context.Context, key string) ([]byte, CachedAsset, error)
	// EvictStale removes assets whose CreatedAt is older than maxAge. It
	// never touches pending items.
	EvictStale(ctx context.Context, maxAge time.Duration) (int, error)
}
