// Package netmon tracks device connectivity from a platform probe. It keeps
// the last known snapshot, collapses rapid flapping with a debounce window,
// and fans accepted transitions out to subscribers in registration order.
package netmon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harborapp/synccore/log"
)

// Reachability is the tri-state answer to "can we reach the internet".
type Reachability string

const (
	ReachabilityYes     Reachability = "yes"
	ReachabilityNo      Reachability = "no"
	ReachabilityUnknown Reachability = "unknown"
)

// ConnectionType classifies the active network link.
type ConnectionType string

const (
	ConnectionWifi     ConnectionType = "wifi"
	ConnectionCellular ConnectionType = "cellular"
	ConnectionEthernet ConnectionType = "ethernet"
	ConnectionNone     ConnectionType = "none"
	ConnectionUnknown  ConnectionType = "unknown"
)

// State is an immutable connectivity snapshot, replaced wholesale on every
// accepted probe update.
type State struct {
	Connected         bool
	InternetReachable Reachability
	ConnectionType    ConnectionType
}

// Online reports whether the sync engine should consider the device online.
func (s State) Online() bool {
	return s.Connected && s.InternetReachable == ReachabilityYes
}

// Probe supplies raw connectivity observations from the platform.
type Probe interface {
	// Current performs one reachability check.
	Current(ctx context.Context) (State, error)
	// Watch emits an observation stream until ctx is cancelled.
	Watch(ctx context.Context) (<-chan State, error)
}

// Logger captures structured output for the monitor.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

const defaultDebounceWindow = 300 * time.Millisecond

// Option customises monitor construction.
type Option func(*Monitor)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithDebounceWindow sets the coalescing window for raw probe events.
func WithDebounceWindow(window time.Duration) Option {
	return func(m *Monitor) {
		m.window = window
	}
}

type subscriber struct {
	id uint64
	fn func(State)
}

// Monitor wraps a Probe and exposes the current snapshot plus change
// notifications. CurrentState never queries the platform synchronously.
type Monitor struct {
	probe  Probe
	window time.Duration
	logger Logger

	mu     sync.Mutex
	state  State
	subs   []subscriber
	nextID uint64
}

// New constructs a Monitor. The initial snapshot is unknown until Run has
// observed the probe.
func New(probe Probe, opts ...Option) (*Monitor, error) {
	if probe == nil {
		return nil, errors.New("netmon: probe is required")
	}

	m := &Monitor{
		probe:  probe,
		window: defaultDebounceWindow,
		logger: log.GetLogger("netmon"),
		state: State{
			Connected:         false,
			InternetReachable: ReachabilityUnknown,
			ConnectionType:    ConnectionUnknown,
		},
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = log.GetLogger("netmon")
	}
	if m.window <= 0 {
		m.window = defaultDebounceWindow
	}

	return m, nil
}

// CurrentState returns the last known snapshot without blocking.
func (m *Monitor) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a listener. The listener is invoked once immediately
// with the current snapshot, then again on every accepted transition, in
// registration order. The returned closure removes the listener.
func (m *Monitor) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	snapshot := m.state
	m.mu.Unlock()

	fn(snapshot)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.subs {
			if sub.id == id {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// Run consumes probe observations until ctx is cancelled. Raw events within
// the debounce window collapse to the final state before broadcast.
func (m *Monitor) Run(ctx context.Context) error {
	if initial, err := m.probe.Current(ctx); err != nil {
		m.logger.Warnf("initial reachability check failed: %v", err)
	} else {
		m.apply(initial)
	}

	events, err := m.probe.Watch(ctx)
	if err != nil {
		return err
	}

	timer := time.NewTimer(m.window)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var (
		pending     State
		havePending bool
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-events:
			if !ok {
				return nil
			}
			pending = raw
			if !havePending {
				havePending = true
			} else if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(m.window)
		case <-timer.C:
			if havePending {
				m.apply(pending)
				havePending = false
			}
		}
	}
}

// apply installs a new snapshot and broadcasts it if it differs from the
// previous one. Broadcasting is synchronous; listeners must not subscribe or
// unsubscribe reentrantly.
func (m *Monitor) apply(next State) {
	m.mu.Lock()
	if next == m.state {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = next
	subs := make([]subscriber, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	m.logger.Infof("connectivity transition: online %v -> %v (type %s)", prev.Online(), next.Online(), next.ConnectionType)

	for _, sub := range subs {
		sub.fn(next)
	}
}
