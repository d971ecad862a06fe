package tipstream

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func newTestConnection(transport Transport, cfg Config) (*Connection, *Registry, *Metrics) {
	registry := NewRegistry()
	metrics := NewMetrics()
	dedupe := NewDeduper(cfg.DedupWindow, cfg.DedupMaxSize)
	return NewConnection(transport, cfg, dedupe, registry, metrics), registry, metrics
}

// Test the happy path: connect, subscribe, receive
func TestConnection_ConnectAndRoute(t *testing.T) {
	fake := &fakeTransport{ackProbes: true}
	conn, registry, _ := newTestConnection(fake, testConfig())
	defer conn.Disconnect()

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := conn.State(); got != StateConnected {
		t.Fatalf("expected connected, got %s", got)
	}

	received := 0
	registry.Subscribe(EventTypeTip, nil, func(StreamEvent) { received++ })

	data, _ := EncodeEnvelope(TipEvent{ID: "1", Timestamp: 1, TxHash: "0x1"})
	fake.inject(conn.TopicFor(EventTypeTip), data)

	if received != 1 {
		t.Errorf("expected 1 delivery, got %d", received)
	}
}

// Test that subscriptions requested before connecting are replayed on handshake
func TestConnection_BuffersSubscriptionsUntilConnected(t *testing.T) {
	fake := &fakeTransport{ackProbes: true}
	conn, _, _ := newTestConnection(fake, testConfig())
	defer conn.Disconnect()

	if err := conn.SubscribeTopic("tipz/tip_events"); err != nil {
		t.Fatalf("subscribe while disconnected: %v", err)
	}
	if len(fake.subscribedTopics()) != 0 {
		t.Fatal("subscription should be buffered, not sent, while disconnected")
	}

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	topics := fake.subscribedTopics()
	if len(topics) != 1 || topics[0] != "tipz/tip_events" {
		t.Errorf("expected buffered subscription replayed on connect, got %v", topics)
	}
}

// Test that a dropped connection reconnects and replays subscriptions
func TestConnection_ReconnectsAfterDrop(t *testing.T) {
	fake := &fakeTransport{ackProbes: true}
	conn, _, _ := newTestConnection(fake, testConfig())
	defer conn.Disconnect()

	conn.SubscribeTopic("tipz/tip_events")
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	fake.dropConnection(fmt.Errorf("remote hung up"))

	waitFor(t, time.Second, "reconnect", func() bool {
		return conn.State() == StateConnected && fake.connectCount() == 2
	})
	if got := len(fake.subscribedTopics()); got != 2 {
		t.Errorf("expected subscription replayed on reconnect, got %d subscribes", got)
	}
}

// Test that exhausting the reconnect budget settles at disconnected with an error
func TestConnection_TerminalAfterMaxAttempts(t *testing.T) {
	fake := &fakeTransport{failConnects: 100}
	cfg := testConfig()
	conn, _, _ := newTestConnection(fake, cfg)
	defer conn.Disconnect()

	conn.Connect(context.Background())

	waitFor(t, time.Second, "terminal disconnect", func() bool {
		return conn.State() == StateDisconnected && conn.LastError() != nil
	})
	// The initial dial plus MaxAttempts scheduled retries.
	if got := fake.connectCount(); got != cfg.Reconnect.MaxAttempts+1 {
		t.Errorf("expected %d dials, got %d", cfg.Reconnect.MaxAttempts+1, got)
	}

	// Manual reconnect resets the budget and recovers.
	fake.mu.Lock()
	fake.failConnects = 0
	fake.mu.Unlock()
	if err := conn.Reconnect(context.Background()); err != nil {
		t.Fatalf("manual reconnect: %v", err)
	}
	if conn.State() != StateConnected {
		t.Errorf("expected connected after manual reconnect, got %s", conn.State())
	}
	if conn.LastError() != nil {
		t.Errorf("terminal error should clear on manual reconnect, got %v", conn.LastError())
	}
}

// Test that a manual disconnect suppresses automatic recovery
func TestConnection_ManualCloseIsTerminal(t *testing.T) {
	fake := &fakeTransport{ackProbes: true}
	conn, _, _ := newTestConnection(fake, testConfig())

	conn.Connect(context.Background())
	conn.Disconnect()

	time.Sleep(50 * time.Millisecond)
	if got := fake.connectCount(); got != 1 {
		t.Errorf("expected no reconnect after manual close, got %d dials", got)
	}
	if conn.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", conn.State())
	}
}

// Test that a missed heartbeat ack tears the link down and reconnects
func TestConnection_HeartbeatTimeoutReconnects(t *testing.T) {
	fake := &fakeTransport{ackProbes: false} // probes go out, acks never come
	conn, _, _ := newTestConnection(fake, testConfig())
	defer conn.Disconnect()

	conn.Connect(context.Background())

	waitFor(t, time.Second, "heartbeat-driven reconnect", func() bool {
		return fake.connectCount() >= 2
	})
}

// Test that duplicates and malformed messages are dropped and counted
func TestConnection_InboundHygiene(t *testing.T) {
	fake := &fakeTransport{ackProbes: true}
	conn, registry, metrics := newTestConnection(fake, testConfig())
	defer conn.Disconnect()

	conn.Connect(context.Background())

	received := 0
	registry.Subscribe(EventTypeTip, nil, func(StreamEvent) { received++ })

	data, _ := EncodeEnvelope(TipEvent{ID: "1", Timestamp: 1, TxHash: "0xdead"})
	fake.inject("tipz/tip_events", data)
	fake.inject("tipz/tip_events", data)
	fake.inject("tipz/tip_events", []byte("garbage"))

	if received != 1 {
		t.Errorf("expected 1 delivery, got %d", received)
	}
	snap := metrics.Snapshot()
	if snap.DedupDropped != 1 {
		t.Errorf("expected 1 dedup drop, got %d", snap.DedupDropped)
	}
	if snap.MalformedDropped != 1 {
		t.Errorf("expected 1 malformed drop, got %d", snap.MalformedDropped)
	}
}

// Test that state observers see the transition sequence
func TestConnection_StateObserver(t *testing.T) {
	fake := &fakeTransport{ackProbes: true}
	conn, _, _ := newTestConnection(fake, testConfig())
	defer conn.Disconnect()

	states := make(chan ConnectionState, 16)
	conn.OnStateChange(func(s ConnectionState) { states <- s })

	conn.Connect(context.Background())

	seen := map[ConnectionState]bool{}
	deadline := time.After(time.Second)
	for !seen[StateConnected] {
		select {
		case s := <-states:
			seen[s] = true
		case <-deadline:
			t.Fatalf("never observed connected, saw %v", seen)
		}
	}
	if !seen[StateConnecting] {
		t.Error("expected to observe the connecting state")
	}
}
