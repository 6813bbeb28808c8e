// Package queuetest exercises the queue.Store contract against any
// implementation. Both the bbolt and memory stores run this suite.
package queuetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/harborapp/synccore/pkg/offline/queue"
)

// StoreFactory builds a fresh store for one test case.
type StoreFactory func(tb testing.TB) queue.Store

type contractTestCase struct {
	name   string
	testFn func(t *testing.T, store queue.Store)
}

// RunStoreContract exercises the queue.Store interface against a supplied factory.
func RunStoreContract(t *testing.T, factory StoreFactory) {
	t.Helper()

	cases := []contractTestCase{
		{
			name: "enqueue assigns identity and defaults",
			testFn: func(t *testing.T, store queue.Store) {
				t.Helper()

				ctx := context.Background()
				item, err := store.Enqueue(ctx, "note", []byte(`{"text":"hi"}`))
				if err != nil {
					t.Fatalf("Enqueue returned error: %v", err)
				}
				if item.ID == "" {
					t.Fatalf("expected non-empty item id")
				}
				if item.IdempotencyKey == "" {
					t.Fatalf("expected non-empty idempotency key")
				}
				if item.AttemptCount != 0 {
					t.Fatalf("expected zero attempt count, got %d", item.AttemptCount)
				}
				if item.CreatedAt.IsZero() {
					t.Fatalf("expected CreatedAt to be set")
				}
				if item.PermanentlyFailed {
					t.Fatalf("new item must not be permanently failed")
				}
			},
		},
		{
			name: "list pending preserves enqueue order",
			testFn: func(t *testing.T, store queue.Store) {
				t.Helper()

				ctx := context.Background()
				want := make([]string, 0, 5)
				for i := 0; i < 5; i++ {
					item, err := store.Enqueue(ctx, "note", []byte(fmt.Sprintf("payload-%d", i)))
					if err != nil {
						t.Fatalf("Enqueue %d returned error: %v", i, err)
					}
					want = append(want, item.ID)
				}

				items, err := store.ListPending(ctx)
				if err != nil {
					t.Fatalf("ListPending returned error: %v", err)
				}
				if len(items) != len(want) {
					t.Fatalf("expected %d items, got %d", len(want), len(items))
				}
				for i, item := range items {
					if item.ID != want[i] {
						t.Fatalf("position %d: expected %s, got %s", i, want[i], item.ID)
					}
					if i > 0 && items[i].CreatedAt.Before(items[i-1].CreatedAt) {
						t.Fatalf("CreatedAt not non-decreasing at position %d", i)
					}
				}
			},
		},
		{
			name: "record failure increments and flips at ceiling",
			testFn: func(t *testing.T, store queue.Store) {
				t.Helper()

				ctx := context.Background()
				item, err := store.Enqueue(ctx, "note", []byte("x"))
				if err != nil {
					t.Fatalf("Enqueue returned error: %v", err)
				}

				var updated queue.PendingItem
				for i := 1; i <= queue.DefaultAttemptCeiling; i++ {
					updated, err = store.RecordFailure(ctx, item.ID, "remote timeout")
					if err != nil {
						t.Fatalf("RecordFailure %d returned error: %v", i, err)
					}
					if updated.AttemptCount != i {
						t.Fatalf("expected attempt count %d, got %d", i, updated.AttemptCount)
					}
					if updated.LastAttemptAt.IsZero() {
						t.Fatalf("expected LastAttemptAt to be stamped")
					}
					if updated.LastError != "remote timeout" {
						t.Fatalf("expected last error to be recorded, got %q", updated.LastError)
					}
					wantFailed := i >= queue.DefaultAttemptCeiling
					if updated.PermanentlyFailed != wantFailed {
						t.Fatalf("attempt %d: expected permanentlyFailed=%v", i, wantFailed)
					}
				}
			},
		},
		{
			name: "mark permanently failed is immediate",
			testFn: func(t *testing.T, store queue.Store) {
				t.Helper()

				ctx := context.Background()
				item, err := store.Enqueue(ctx, "note", []byte("x"))
				if err != nil {
					t.Fatalf("Enqueue returned error: %v", err)
				}
				updated, err := store.MarkPermanentlyFailed(ctx, item.ID, "payload malformed")
				if err != nil {
					t.Fatalf("MarkPermanentlyFailed returned error: %v", err)
				}
				if !updated.PermanentlyFailed {
					t.Fatalf("expected item to be permanently failed")
				}
				if updated.AttemptCount != 0 {
					t.Fatalf("expected attempt count untouched, got %d", updated.AttemptCount)
				}
			},
		},
		{
			name: "remove is idempotent",
			testFn: func(t *testing.T, store queue.Store) {
				t.Helper()

				ctx := context.Background()
				item, err := store.Enqueue(ctx, "note", []byte("x"))
				if err != nil {
					t.Fatalf("Enqueue returned error: %v", err)
				}
				if err := store.Remove(ctx, item.ID); err != nil {
					t.Fatalf("Remove returned error: %v", err)
				}
				if err := store.Remove(ctx, item.ID); err != nil {
					t.Fatalf("second Remove must be a no-op, got: %v", err)
				}
				if err := store.Remove(ctx, "itm-00000000000000009999"); err != nil {
					t.Fatalf("Remove of absent id must be a no-op, got: %v", err)
				}
			},
		},
		{
			name: "pending count excludes permanently failed",
			testFn: func(t *testing.T, store queue.Store) {
				t.Helper()

				ctx := context.Background()
				first, err := store.Enqueue(ctx, "note", []byte("a"))
				if err != nil {
					t.Fatalf("Enqueue returned error: %v", err)
				}
				if _, err := store.Enqueue(ctx, "note", []byte("b")); err != nil {
					t.Fatalf("Enqueue returned error: %v", err)
				}
				if _, err := store.MarkPermanentlyFailed(ctx, first.ID, "rejected"); err != nil {
					t.Fatalf("MarkPermanentlyFailed returned error: %v", err)
				}

				pending, err := store.PendingCount(ctx)
				if err != nil {
					t.Fatalf("PendingCount returned error: %v", err)
				}
				if pending != 1 {
					t.Fatalf("expected pending count 1, got %d", pending)
				}
				failed, err := store.FailedCount(ctx)
				if err != nil {
					t.Fatalf("FailedCount returned error: %v", err)
				}
				if failed != 1 {
					t.Fatalf("expected failed count 1, got %d", failed)
				}

				// Failed items stay visible for inspection.
				items, err := store.ListPending(ctx)
				if err != nil {
					t.Fatalf("ListPending returned error: %v", err)
				}
				if len(items) != 2 {
					t.Fatalf("expected 2 listed items, got %d", len(items))
				}
			},
		},
		{
			name: "clear failures resets flags but keeps attempts",
			testFn: func(t *testing.T, store queue.Store) {
				t.Helper()

				ctx := context.Background()
				item, err := store.Enqueue(ctx, "note", []byte("x"))
				if err != nil {
					t.Fatalf("Enqueue returned error: %v", err)
				}
				for i := 0; i < queue.DefaultAttemptCeiling; i++ {
					if _, err := store.RecordFailure(ctx, item.ID, "remote timeout"); err != nil {
						t.Fatalf("RecordFailure returned error: %v", err)
					}
				}

				cleared, err := store.ClearFailures(ctx)
				if err != nil {
					t.Fatalf("ClearFailures returned error: %v", err)
				}
				if cleared != 1 {
					t.Fatalf("expected 1 cleared item, got %d", cleared)
				}

				items, err := store.ListPending(ctx)
				if err != nil {
					t.Fatalf("ListPending returned error: %v", err)
				}
				if len(items) != 1 {
					t.Fatalf("expected 1 item, got %d", len(items))
				}
				got := items[0]
				if got.PermanentlyFailed {
					t.Fatalf("expected permanentlyFailed cleared")
				}
				if got.LastError != "" {
					t.Fatalf("expected lastError cleared, got %q", got.LastError)
				}
				if got.AttemptCount != queue.DefaultAttemptCeiling {
					t.Fatalf("expected attempt count preserved, got %d", got.AttemptCount)
				}
			},
		},
		{
			name: "asset round trip",
			testFn: func(t *testing.T, store queue.Store) {
				t.Helper()

				ctx := context.Background()
				data := []byte("thumbnail bytes")
				asset, err := store.CacheAsset(ctx, "thumb/42", data)
				if err != nil {
					t.Fatalf("CacheAsset returned error: %v", err)
				}
				if asset.SizeBytes != int64(len(data)) {
					t.Fatalf("expected size %d, got %d", len(data), asset.SizeBytes)
				}

				payload, fetched, err := store.Asset(ctx, "thumb/42")
				if err != nil {
					t.Fatalf("Asset returned error: %v", err)
				}
				if string(payload) != string(data) {
					t.Fatalf("asset payload mismatch")
				}
				if fetched.LastAccessedAt.Before(asset.LastAccessedAt) {
					t.Fatalf("expected LastAccessedAt to advance")
				}

				if _, _, err := store.Asset(ctx, "missing"); !errors.Is(err, queue.ErrNotFound) {
					t.Fatalf("expected ErrNotFound for missing asset, got %v", err)
				}
			},
		},
		{
			name: "evict stale removes assets but never pending items",
			testFn: func(t *testing.T, store queue.Store) {
				t.Helper()

				ctx := context.Background()
				item, err := store.Enqueue(ctx, "note", []byte("keep me"))
				if err != nil {
					t.Fatalf("Enqueue returned error: %v", err)
				}
				if _, err := store.CacheAsset(ctx, "old-asset", []byte("bytes")); err != nil {
					t.Fatalf("CacheAsset returned error: %v", err)
				}

				// maxAge zero: everything created before "now" is stale.
				time.Sleep(time.Millisecond)
				evicted, err := store.EvictStale(ctx, 0)
				if err != nil {
					t.Fatalf("EvictStale returned error: %v", err)
				}
				if evicted != 1 {
					t.Fatalf("expected 1 evicted asset, got %d", evicted)
				}
				if _, _, err := store.Asset(ctx, "old-asset"); !errors.Is(err, queue.ErrNotFound) {
					t.Fatalf("expected asset to be gone, got %v", err)
				}

				items, err := store.ListPending(ctx)
				if err != nil {
					t.Fatalf("ListPending returned error: %v", err)
				}
				if len(items) != 1 || items[0].ID != item.ID {
					t.Fatalf("pending item must survive eviction")
				}
			},
		},
		{
			name: "fresh assets survive eviction",
			testFn: func(t *testing.T, store queue.Store) {
				t.Helper()

				ctx := context.Background()
				if _, err := store.CacheAsset(ctx, "fresh", []byte("bytes")); err != nil {
					t.Fatalf("CacheAsset returned error: %v", err)
				}
				evicted, err := store.EvictStale(ctx, time.Hour)
				if err != nil {
					t.Fatalf("EvictStale returned error: %v", err)
				}
				if evicted != 0 {
					t.Fatalf("expected no evictions, got %d", evicted)
				}
			},
		},
		{
			name: "empty asset key is rejected",
			testFn: func(t *testing.T, store queue.Store) {
				t.Helper()

				ctx := context.Background()
				if _, err := store.CacheAsset(ctx, "", []byte("bytes")); err == nil {
					t.Fatalf("expected CacheAsset to reject an empty key")
				}
				if _, _, err := store.Asset(ctx, ""); err == nil || errors.Is(err, queue.ErrNotFound) {
					t.Fatalf("expected Asset to reject an empty key, got %v", err)
				}
			},
		},
		{
			name: "mutations on missing id return ErrNotFound",
			testFn: func(t *testing.T, store queue.Store) {
				t.Helper()

				ctx := context.Background()
				if _, err := store.RecordFailure(ctx, "itm-00000000000000000001", "x"); !errors.Is(err, queue.ErrNotFound) {
					t.Fatalf("expected ErrNotFound from RecordFailure, got %v", err)
				}
				if _, err := store.MarkPermanentlyFailed(ctx, "itm-00000000000000000001", "x"); !errors.Is(err, queue.ErrNotFound) {
					t.Fatalf("expected ErrNotFound from MarkPermanentlyFailed, got %v", err)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.testFn(t, factory(t))
		})
	}
}
