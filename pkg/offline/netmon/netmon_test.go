package netmon

import (
	"context"
	"sync"
	"testing"
	"time"
)

var (
	onlineWifi = State{Connected: true, InternetReachable: ReachabilityYes, ConnectionType: ConnectionWifi}
	offline    = State{Connected: false, InternetReachable: ReachabilityNo, ConnectionType: ConnectionNone}
	captive    = State{Connected: true, InternetReachable: ReachabilityNo, ConnectionType: ConnectionWifi}
	unknown    = State{Connected: false, InternetReachable: ReachabilityUnknown, ConnectionType: ConnectionUnknown}
)

func TestSubscribeDeliversImmediateSnapshot(t *testing.T) {
	probe := newFakeProbe(offline)
	monitor, err := New(probe, WithLogger(&nopLogger{}))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	var got []State
	unsub := monitor.Subscribe(func(s State) {
		got = append(got, s)
	})
	defer unsub()

	if len(got) != 1 {
		t.Fatalf("expected immediate snapshot, got %d calls", len(got))
	}
	if got[0].InternetReachable != ReachabilityUnknown {
		t.Fatalf("expected unknown reachability before Run, got %+v", got[0])
	}
}

func TestOnlineRequiresConnectedAndReachable(t *testing.T) {
	if !onlineWifi.Online() {
		t.Fatalf("connected + reachable must be online")
	}
	if offline.Online() {
		t.Fatalf("disconnected must not be online")
	}
	if captive.Online() {
		t.Fatalf("connected behind captive portal must not be online")
	}
	undecided := State{Connected: true, InternetReachable: ReachabilityUnknown, ConnectionType: ConnectionWifi}
	if undecided.Online() {
		t.Fatalf("unknown reachability must not count as online")
	}
}

func TestDebounceCollapsesFlapping(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	probe := newFakeProbe(unknown)
	monitor, err := New(probe, WithLogger(&nopLogger{}), WithDebounceWindow(30*time.Millisecond))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	recorder := newRecorder()
	defer monitor.Subscribe(recorder.record)()

	done := make(chan struct{})
	go func() {
		_ = monitor.Run(ctx)
		close(done)
	}()

	probe.waitWatched(t)

	// Flap rapidly: online, offline, online. Only the final state may land.
	probe.emit(onlineWifi)
	probe.emit(offline)
	probe.emit(onlineWifi)

	recorder.waitFor(t, onlineWifi, time.Second)

	transitions := recorder.states()
	// One immediate snapshot at subscribe time plus the single coalesced
	// transition; the intermediate flaps must be absent.
	if len(transitions) != 2 {
		t.Fatalf("expected 2 notifications, got %d: %+v", len(transitions), transitions)
	}
	if monitor.CurrentState() != onlineWifi {
		t.Fatalf("expected snapshot %+v, got %+v", onlineWifi, monitor.CurrentState())
	}

	cancel()
	<-done
}

func TestSeparatedTransitionsAllBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	probe := newFakeProbe(unknown)
	monitor, err := New(probe, WithLogger(&nopLogger{}), WithDebounceWindow(10*time.Millisecond))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	recorder := newRecorder()
	defer monitor.Subscribe(recorder.record)()

	done := make(chan struct{})
	go func() {
		_ = monitor.Run(ctx)
		close(done)
	}()

	probe.waitWatched(t)

	probe.emit(onlineWifi)
	recorder.waitFor(t, onlineWifi, time.Second)
	probe.emit(offline)
	recorder.waitFor(t, offline, time.Second)

	cancel()
	<-done

	transitions := recorder.states()
	if len(transitions) != 3 {
		t.Fatalf("expected snapshot + 2 transitions, got %d: %+v", len(transitions), transitions)
	}
}

func TestSubscribersNotifiedInRegistrationOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	probe := newFakeProbe(unknown)
	monitor, err := New(probe, WithLogger(&nopLogger{}), WithDebounceWindow(5*time.Millisecond))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	var (
		mu    sync.Mutex
		order []string
	)
	appendOrder := func(tag string) func(State) {
		return func(State) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, tag)
		}
	}
	defer monitor.Subscribe(appendOrder("first"))()
	unsubSecond := monitor.Subscribe(appendOrder("second"))
	defer monitor.Subscribe(appendOrder("third"))()

	done := make(chan struct{})
	go func() {
		_ = monitor.Run(ctx)
		close(done)
	}()

	probe.waitWatched(t)
	probe.emit(onlineWifi)

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) >= 6
	})

	mu.Lock()
	broadcast := append([]string(nil), order[3:6]...)
	mu.Unlock()
	want := []string{"first", "second", "third"}
	for i := range want {
		if broadcast[i] != want[i] {
			t.Fatalf("broadcast order %v, want %v", broadcast, want)
		}
	}

	// After unsubscribe the second listener stays silent.
	unsubSecond()
	probe.emit(offline)

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) >= 8
	})

	mu.Lock()
	tail := append([]string(nil), order[6:]...)
	mu.Unlock()
	for _, tag := range tail {
		if tag == "second" {
			t.Fatalf("unsubscribed listener was notified: %v", tail)
		}
	}

	cancel()
	<-done
}

// --- Test helpers ---

type fakeProbe struct {
	mu      sync.Mutex
	current State
	events  chan State
	watched chan struct{}
}

func newFakeProbe(initial State) *fakeProbe {
	return &fakeProbe{
		current: initial,
		events:  make(chan State, 16),
		watched: make(chan struct{}),
	}
}

func (p *fakeProbe) Current(ctx context.Context) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, nil
}

func (p *fakeProbe) Watch(ctx context.Context) (<-chan State, error) {
	close(p.watched)
	return p.events, nil
}

func (p *fakeProbe) emit(s State) {
	p.mu.Lock()
	p.current = s
	p.mu.Unlock()
	p.events <- s
}

func (p *fakeProbe) waitWatched(t *testing.T) {
	t.Helper()
	select {
	case <-p.watched:
	case <-time.After(time.Second):
		t.Fatalf("probe was never watched")
	}
}

type recorder struct {
	mu   sync.Mutex
	seen []State
}

func newRecorder() *recorder {
	return &recorder{}
}

func (r *recorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, s)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.seen))
	copy(out, r.seen)
	return out
}

func (r *recorder) waitFor(t *testing.T, want State, timeout time.Duration) {
	t.Helper()
	waitUntil(t, timeout, func() bool {
		for _, s := range r.states() {
			if s == want {
				return true
			}
		}
		return false
	})
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

type nopLogger struct{}

func (*nopLogger) Debugf(string, ...any) {}

func (*nopLogger) Infof(string, ...any) {}

func (*nopLogger) Warnf(string, ...any) {}

func (*nopLogger) Errorf(string, ...any) {}
