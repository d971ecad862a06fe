package tipstream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory Transport for tests. With loopback enabled,
// every Send is echoed straight back through OnMessage, standing in for a
// stream provider that redelivers published events to subscribers.
type fakeTransport struct {
	mu           sync.Mutex
	handlers     TransportHandlers
	connected    bool
	loopback     bool
	failConnects int // fail this many Connect calls before succeeding
	failSends    int // fail this many Send calls before succeeding
	probeErr     error
	ackProbes    bool

	connectCalls int
	sent         []string // topics, in send order
	subscribed   []string
}

func (f *fakeTransport) Connect(ctx context.Context, handlers TransportHandlers) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.failConnects > 0 {
		f.failConnects--
		return fmt.Errorf("fake connect refused")
	}
	f.handlers = handlers
	f.connected = true
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return fmt.Errorf("fake transport not connected")
	}
	if f.failSends > 0 {
		f.failSends--
		f.mu.Unlock()
		return fmt.Errorf("fake send refused")
	}
	f.sent = append(f.sent, topic)
	loopback := f.loopback
	handlers := f.handlers
	f.mu.Unlock()

	if loopback && handlers.OnMessage != nil {
		handlers.OnMessage(topic, payload)
	}
	return nil
}

func (f *fakeTransport) Subscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
	return nil
}

func (f *fakeTransport) Unsubscribe(topic string) error { return nil }

func (f *fakeTransport) Probe() error {
	f.mu.Lock()
	err := f.probeErr
	ack := f.ackProbes
	handlers := f.handlers
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if ack && handlers.OnProbeAck != nil {
		handlers.OnProbeAck()
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

// dropConnection simulates the far side going away.
func (f *fakeTransport) dropConnection(err error) {
	f.mu.Lock()
	f.connected = false
	handlers := f.handlers
	f.mu.Unlock()
	if handlers.OnClose != nil {
		handlers.OnClose(err)
	}
}

// inject delivers a raw inbound message as if the provider sent it.
func (f *fakeTransport) inject(topic string, payload []byte) {
	f.mu.Lock()
	handlers := f.handlers
	f.mu.Unlock()
	if handlers.OnMessage != nil {
		handlers.OnMessage(topic, payload)
	}
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) subscribedTopics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...)
}

// fakeWatcher hands out log callbacks the tests fire by hand.
type fakeWatcher struct {
	mu         sync.Mutex
	onLogs     map[ChainLogKind]func(ChainLog)
	watchCalls int
	unwatched  int
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{onLogs: make(map[ChainLogKind]func(ChainLog))}
}

func (w *fakeWatcher) Watch(kind ChainLogKind, onLog func(ChainLog), onErr func(error)) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watchCalls++
	w.onLogs[kind] = onLog
	return func() {
		w.mu.Lock()
		w.unwatched++
		w.mu.Unlock()
	}, nil
}

func (w *fakeWatcher) emit(l ChainLog) {
	w.mu.Lock()
	onLog := w.onLogs[l.Kind]
	w.mu.Unlock()
	if onLog != nil {
		onLog(l)
	}
}

// testConfig returns defaults shrunk to test-friendly durations.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Reconnect = ReconnectPolicy{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2,
		Jitter:       0,
		MaxAttempts:  3,
	}
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 10 * time.Millisecond
	cfg.DedupWindow = 100 * time.Millisecond
	cfg.RateLimitWindow = 100 * time.Millisecond
	cfg.QueueDrainInterval = 20 * time.Millisecond
	cfg.PublishMaxRetries = 1
	cfg.PublishRetryDelay = 5 * time.Millisecond
	return cfg
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
