// Package transport defines the upload collaborator consumed by the sync
// engine, together with the error taxonomy the engine uses to decide
// between aborting a cycle, retrying an item, and failing it permanently.
package transport

import (
	"context"
	"fmt"

	"github.com/harborapp/synccore/pkg/offline/queue"
)

// Transport uploads one pending item to the remote service. It may suspend;
// implementations honour ctx cancellation.
type Transport interface {
	Upload(ctx context.Context, item queue.PendingItem) error
}

// TransientError signals a transport-wide failure such as lost connectivity.
// The engine aborts the remaining cycle without penalising any item.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return "transport: transient failure"
	}
	return fmt.Sprintf("transport: transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient marks the failure as transport-wide.
func (*TransientError) Transient() bool { return true }

// ItemError signals that the remote rejected or failed one item in a way
// that may succeed later. The engine records a failure and retries the item
// with backoff until the attempt ceiling.
type ItemError struct {
	StatusCode int
	Reason     string
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("transport: item rejected (status %d): %s", e.StatusCode, e.Reason)
}

// Retryable marks the failure as safe to retry.
func (*ItemError) Retryable() bool { return true }

// ValidationError signals that the remote deemed the item's payload
// malformed. Retries cannot help; the engine fails the item permanently.
type ValidationError struct {
	StatusCode int
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("transport: payload rejected (status %d): %s", e.StatusCode, e.Reason)
}

// Permanent marks the failure as unrecoverable for this item.
func (*ValidationError) Permanent() bool { return true }
