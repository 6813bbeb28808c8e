// Package engine orchestrates sync cycles: it drains the offline queue
// against the transport whenever connectivity allows, under single-flight
// and exponential-backoff discipline, and publishes status to subscribers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/harborapp/synccore/log"
	"github.com/harborapp/synccore/pkg/offline/netmon"
	"github.com/harborapp/synccore/pkg/offline/queue"
	"github.com/harborapp/synccore/pkg/offline/transport"
)

// Phase is the engine's lifecycle state.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseSyncing Phase = "syncing"
	PhaseError   Phase = "error"
)

// ErrorInfo captures the last failure for reporting. Failures never cross
// the subscribe/query boundary as panics or returned errors to observers.
type ErrorInfo struct {
	Message string
	At      time.Time
}

// Status is the engine's published snapshot. PendingCount is recomputed
// from the store on every publish rather than cached independently.
type Status struct {
	Phase        Phase
	LastSyncAt   time.Time
	LastError    *ErrorInfo
	PendingCount int
}

// Connectivity is the slice of the network monitor the engine consumes.
type Connectivity interface {
	CurrentState() netmon.State
	Subscribe(fn func(netmon.State)) func()
}

// Logger captures structured output for the engine.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Config controls engine behaviour.
type Config struct {
	// BackoffBase is the delay unit: an item with n prior attempts is not
	// retried until base * 2^n has elapsed since its last attempt.
	BackoffBase time.Duration
	// BackoffMax caps the computed backoff delay.
	BackoffMax time.Duration
	// RefreshInterval is the cadence of pendingCount republication while
	// idle.
	RefreshInterval time.Duration
	// SyncInterval, when positive, triggers a full cycle periodically in
	// addition to connectivity-regain and manual triggers.
	SyncInterval time.Duration
	// AssetMaxAge is the staleness threshold RetryFailedUploads hands to
	// the store's asset eviction.
	AssetMaxAge time.Duration
}

const (
	defaultBackoffBase     = 5 * time.Second
	defaultBackoffMax      = 5 * time.Minute
	defaultRefreshInterval = 30 * time.Second
	defaultAssetMaxAge     = 7 * 24 * time.Hour
)

func applyDefaults(cfg Config) Config {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.AssetMaxAge <= 0 {
		cfg.AssetMaxAge = defaultAssetMaxAge
	}
	return cfg
}

// Option customises engine construction.
type Option func(*Engine)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithConnectivity attaches a network monitor; an offline-to-online
// transition then triggers a cycle automatically.
func WithConnectivity(monitor Connectivity) Option {
	return func(e *Engine) {
		e.monitor = monitor
	}
}

// WithClock overrides the wall clock (useful for backoff tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

type subscriber struct {
	id uint64
	fn func(Status)
}

// Engine runs for the process lifetime; it holds no persisted state of its
// own beyond the in-flight guard and the last computed status.
type Engine struct {
	cfg       Config
	store     queue.Store
	transport transport.Transport
	monitor   Connectivity
	logger    Logger
	now       func() time.Time

	flight singleflight.Group

	mu          sync.Mutex
	phase       Phase
	lastSyncAt  time.Time
	lastError   *ErrorInfo
	lastPending int
	subs        []subscriber
	nextSubID   uint64
	kick        chan struct{}
	wasOnline   bool
}

// New constructs an Engine.
func New(cfg Config, store queue.Store, tr transport.Transport, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("sync engine: store is required")
	}
	if tr == nil {
		return nil, errors.New("sync engine: transport is required")
	}

	e := &Engine{
		cfg:       applyDefaults(cfg),
		store:     store,
		transport: tr,
		logger:    log.GetLogger("sync-engine"),
		now:       func() time.Time { return time.Now().UTC() },
		phase:     PhaseIdle,
		kick:      make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = log.GetLogger("sync-engine")
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}

	return e, nil
}

// Status returns the current snapshot with a freshly computed pending count.
func (e *Engine) Status(ctx context.Context) Status {
	return e.snapshot(ctx)
}

// Subscribe registers a listener notified on every phase transition and on
// every pendingCount refresh. The listener receives the current snapshot
// immediately. The returned closure removes the listener.
func (e *Engine) Subscribe(fn func(Status)) func() {
	e.mu.Lock()
	e.nextSubID++
	id := e.nextSubID
	e.subs = append(e.subs, subscriber{id: id, fn: fn})
	e.mu.Unlock()

	fn(e.snapshot(context.Background()))

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, sub := range e.subs {
			if sub.id == id {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

// ForceSyncNow runs a sync cycle, or joins the one already in flight. At
// most one cycle executes at any instant; every concurrent caller observes
// the completion of that same cycle.
func (e *Engine) ForceSyncNow(ctx context.Context) error {
	_, err, _ := e.flight.Do("cycle", func() (any, error) {
		return nil, e.runCycle(ctx)
	})
	return err
}

// ClearSyncErrors resets the engine's last error and clears the
// permanently-failed and last-error flags on stored items. Nothing is
// retried; this is purely a reporting reset.
func (e *Engine) ClearSyncErrors(ctx context.Context) error {
	cleared, err := e.store.ClearFailures(ctx)
	if err != nil {
		return fmt.Errorf("clear item failures: %w", err)
	}

	e.mu.Lock()
	e.lastError = nil
	if e.phase == PhaseError {
		e.phase = PhaseIdle
	}
	e.mu.Unlock()

	e.logger.Infof("cleared failure flags on %d items", cleared)
	e.publish(ctx)
	return nil
}

// RetryFailedUploads evicts stale cached assets to reclaim space and then
// forces a sync cycle. It deliberately leaves permanently-failed flags in
// place; resetting them is a separate ClearSyncErrors action.
func (e *Engine) RetryFailedUploads(ctx context.Context) error {
	evicted, err := e.store.EvictStale(ctx, e.cfg.AssetMaxAge)
	if err != nil {
		e.logger.Warnf("stale asset eviction failed: %v", err)
	} else if evicted > 0 {
		e.logger.Infof("evicted %d stale cached assets", evicted)
	}
	return e.ForceSyncNow(ctx)
}

// Run drives the engine until ctx is cancelled: it subscribes to the
// network monitor, republishes pendingCount on RefreshInterval, and runs
// the optional periodic sync tick. All timers and the subscription are torn
// down on return.
func (e *Engine) Run(ctx context.Context) error {
	if e.monitor != nil {
		unsub := e.monitor.Subscribe(func(state netmon.State) {
			e.onConnectivity(state)
		})
		defer unsub()
	}

	refresh := time.NewTicker(e.cfg.RefreshInterval)
	defer refresh.Stop()

	var syncTick <-chan time.Time
	if e.cfg.SyncInterval > 0 {
		ticker := time.NewTicker(e.cfg.SyncInterval)
		defer ticker.Stop()
		syncTick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.kick:
			if err := e.ForceSyncNow(ctx); err != nil {
				e.logger.Warnf("connectivity-triggered cycle failed: %v", err)
			}
		case <-syncTick:
			if err := e.ForceSyncNow(ctx); err != nil {
				e.logger.Warnf("periodic cycle failed: %v", err)
			}
		case <-refresh.C:
			e.publish(ctx)
		}
	}
}

// onConnectivity requests a cycle on an offline-to-online transition. The
// request is queued so the monitor's synchronous broadcast never blocks on
// a running cycle.
func (e *Engine) onConnectivity(state netmon.State) {
	e.mu.Lock()
	was := e.wasOnline
	e.wasOnline = state.Online()
	e.mu.Unlock()

	if !was && state.Online() {
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}
}

// runCycle is the single-flight protected sync pass. The work list is fixed
// at cycle start; items enqueued mid-cycle wait for the next one.
func (e *Engine) runCycle(ctx context.Context) error {
	e.setPhase(PhaseSyncing)
	e.publish(ctx)

	items, err := e.store.ListPending(ctx)
	if err != nil {
		e.failCycle(ctx, fmt.Errorf("list pending items: %w", err))
		return err
	}

	now := e.now()
	for _, item := range items {
		if !e.eligible(item, now) {
			continue
		}

		uploadErr := e.transport.Upload(ctx, item)
		switch {
		case uploadErr == nil:
			if rmErr := e.store.Remove(ctx, item.ID); rmErr != nil {
				// The upload is confirmed; a failed removal must not fail
				// the cycle. The item stays last-known-good and the remote
				// deduplicates by idempotency key.
				e.logger.Errorf("remove uploaded item %s: %v", item.ID, rmErr)
			}
			e.logger.Debugf("uploaded item %s (%s)", item.ID, item.EntityType)

		case isTransportWide(uploadErr):
			// Abort the rest of the cycle; unattempted items are untouched.
			e.logger.Warnf("transport-wide failure, aborting cycle: %v", uploadErr)
			e.failCycle(ctx, uploadErr)
			return uploadErr

		case isPermanent(uploadErr):
			if _, sErr := e.store.MarkPermanentlyFailed(ctx, item.ID, uploadErr.Error()); sErr != nil {
				e.logger.Errorf("mark item %s permanently failed: %v", item.ID, sErr)
			} else {
				e.logger.Warnf("item %s permanently failed: %v", item.ID, uploadErr)
			}

		default:
			if failed, sErr := e.store.RecordFailure(ctx, item.ID, uploadErr.Error()); sErr != nil {
				e.logger.Errorf("record failure for item %s: %v", item.ID, sErr)
			} else if failed.PermanentlyFailed {
				e.logger.Warnf("item %s exhausted retries: %v", item.ID, uploadErr)
			} else {
				e.logger.Debugf("item %s failed attempt %d: %v", item.ID, failed.AttemptCount, uploadErr)
			}
		}
	}

	e.mu.Lock()
	e.phase = PhaseIdle
	e.lastSyncAt = e.now()
	e.lastError = nil
	e.mu.Unlock()

	e.publish(ctx)
	return nil
}

// eligible applies the permanently-failed and backoff filters. Items with
// no prior attempts are always eligible.
func (e *Engine) eligible(item queue.PendingItem, now time.Time) bool {
	if item.PermanentlyFailed {
		return false
	}
	if item.AttemptCount == 0 || item.LastAttemptAt.IsZero() {
		return true
	}
	return !now.Before(item.LastAttemptAt.Add(e.backoffDelay(item.AttemptCount)))
}

// backoffDelay computes base * 2^attempts capped at the configured maximum.
func (e *Engine) backoffDelay(attempts int) time.Duration {
	delay := e.cfg.BackoffBase
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= e.cfg.BackoffMax || delay <= 0 {
			return e.cfg.BackoffMax
		}
	}
	if delay > e.cfg.BackoffMax {
		return e.cfg.BackoffMax
	}
	return delay
}

func (e *Engine) setPhase(phase Phase) {
	e.mu.Lock()
	e.phase = phase
	e.mu.Unlock()
}

func (e *Engine) failCycle(ctx context.Context, err error) {
	e.mu.Lock()
	e.phase = PhaseError
	e.lastError = &ErrorInfo{Message: err.Error(), At: e.now()}
	e.mu.Unlock()

	e.publish(ctx)
}

// snapshot builds a Status with a pending count computed fresh from the
// store. A storage error keeps the last good count, per the policy that
// storage failures degrade reporting rather than propagate.
func (e *Engine) snapshot(ctx context.Context) Status {
	count, err := e.store.PendingCount(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		e.logger.Warnf("pending count unavailable: %v", err)
		count = e.lastPending
	} else {
		e.lastPending = count
	}

	status := Status{
		Phase:        e.phase,
		LastSyncAt:   e.lastSyncAt,
		PendingCount: count,
	}
	if e.lastError != nil {
		errCopy := *e.lastError
		status.LastError = &errCopy
	}
	return status
}

// publish notifies subscribers, in registration order, with a fresh
// snapshot.
func (e *Engine) publish(ctx context.Context) {
	status := e.snapshot(ctx)

	e.mu.Lock()
	subs := make([]subscriber, len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	for _, sub := range subs {
		sub.fn(status)
	}
}

// isTransportWide reports whether err dooms the whole cycle: explicit
// transient transport failures and context cancellation both qualify.
func isTransportWide(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Transient() bool }
	return errors.As(err, &t) && t.Transient()
}

// isPermanent reports whether err can never succeed for this item.
func isPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
