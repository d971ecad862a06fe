package tipstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Connection manages one logical link to the stream provider: it drives the
// connect/reconnect state machine, replays subscriptions after every
// successful handshake, heartbeats the link, and routes inbound messages
// through dedup into the registry.
//
// State transitions:
//
//	disconnected -> connecting -> connected -> (drop) -> reconnecting -> connected
//
// A manual Disconnect sets a flag that suppresses all automatic recovery;
// that is the only stable way back to disconnected besides exhausting the
// reconnect budget.
type Connection struct {
	transport         Transport
	policy            ReconnectPolicy
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	topicPrefix       string

	dedupe   *Deduper
	registry *Registry
	metrics  *Metrics

	mu             sync.Mutex
	state          ConnectionState
	manualClose    bool
	attempt        int
	lastErr        error
	desiredTopics  map[string]struct{}
	observers      []func(ConnectionState)
	heartbeatStop  chan struct{}
	reconnectTimer *time.Timer
	probeAck       chan struct{}
}

func NewConnection(transport Transport, cfg Config, dedupe *Deduper, registry *Registry, metrics *Metrics) *Connection {
	return &Connection{
		transport:         transport,
		policy:            cfg.Reconnect,
		heartbeatInterval: cfg.HeartbeatInterval,
		heartbeatTimeout:  cfg.HeartbeatTimeout,
		topicPrefix:       cfg.TopicPrefix,
		dedupe:            dedupe,
		registry:          registry,
		metrics:           metrics,
		state:             StateDisconnected,
		desiredTopics:     make(map[string]struct{}),
		probeAck:          make(chan struct{}, 1),
	}
}

// TopicFor maps a stream to its transport topic under this connection's prefix.
func (c *Connection) TopicFor(t EventType) string {
	return c.topicPrefix + "/" + string(t)
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the terminal error, if the connection gave up.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// OnStateChange registers an observer for state transitions. Observers run on
// their own goroutine so a slow one can't stall the connection.
func (c *Connection) OnStateChange(fn func(ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Connect dials the transport. A handshake failure starts the automatic
// reconnect cycle in the background and is also returned to the caller.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		// Already up or already recovering.
		c.mu.Unlock()
		return nil
	}
	c.manualClose = false
	c.lastErr = nil
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	return c.dial(ctx)
}

// Reconnect is the manual escape hatch after a terminal disconnect: it resets
// the attempt budget and dials again.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	c.manualClose = false
	c.attempt = 0
	c.lastErr = nil
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	return c.dial(ctx)
}

// Disconnect closes the link and suppresses all automatic recovery. Pending
// reconnect timers and the heartbeat are cancelled so nothing outlives the
// teardown.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.manualClose = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	hb := c.heartbeatStop
	c.heartbeatStop = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if hb != nil {
		close(hb)
	}
	if err := c.transport.Close(); err != nil {
		logrus.Debugf("transport close: %v", err)
	}
}

// SubscribeTopic records interest in a transport topic. If the link is up the
// subscription goes out immediately; otherwise it's buffered and replayed on
// the next successful handshake, so subscription intent survives reconnects.
func (c *Connection) SubscribeTopic(topic string) error {
	c.mu.Lock()
	if _, ok := c.desiredTopics[topic]; ok {
		c.mu.Unlock()
		return nil
	}
	c.desiredTopics[topic] = struct{}{}
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		logrus.Debugf("buffering subscription to %s until connected", topic)
		return nil
	}
	return c.transport.Subscribe(topic)
}

// Publish sends one event to its topic. Callers own retry and queueing.
func (c *Connection) Publish(ctx context.Context, ev StreamEvent) error {
	c.mu.Lock()
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return fmt.Errorf("not connected (state %s)", c.State())
	}

	data, err := EncodeEnvelope(ev)
	if err != nil {
		return err
	}
	return c.transport.Send(ctx, c.TopicFor(ev.Type()), data)
}

func (c *Connection) dial(ctx context.Context) error {
	err := c.transport.Connect(ctx, TransportHandlers{
		OnMessage:  c.handleMessage,
		OnProbeAck: c.handleProbeAck,
		OnClose:    c.handleClose,
	})
	if err != nil {
		logrus.Warnf("stream handshake failed: %v", err)
		c.mu.Lock()
		c.scheduleReconnectLocked(err)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.manualClose {
		// Disconnect raced the handshake; honor it.
		c.mu.Unlock()
		c.transport.Close()
		return nil
	}
	c.attempt = 0
	c.lastErr = nil
	c.setStateLocked(StateConnected)
	topics := make([]string, 0, len(c.desiredTopics))
	for t := range c.desiredTopics {
		topics = append(topics, t)
	}
	hb := make(chan struct{})
	c.heartbeatStop = hb
	c.mu.Unlock()

	for _, topic := range topics {
		if err := c.transport.Subscribe(topic); err != nil {
			logrus.Warnf("resubscribe to %s failed: %v", topic, err)
		}
	}
	go c.heartbeatLoop(hb)
	logrus.Printf("connected to stream provider")
	return nil
}

// handleClose runs when the transport drops out from under us.
func (c *Connection) handleClose(err error) {
	c.mu.Lock()
	hb := c.heartbeatStop
	c.heartbeatStop = nil
	if c.manualClose {
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		if hb != nil {
			close(hb)
		}
		return
	}
	logrus.Warnf("stream connection lost: %v", err)
	c.scheduleReconnectLocked(err)
	c.mu.Unlock()
	if hb != nil {
		close(hb)
	}
}

func (c *Connection) scheduleReconnectLocked(cause error) {
	if c.manualClose {
		c.setStateLocked(StateDisconnected)
		return
	}
	c.attempt++
	if !c.policy.ShouldRetry(c.attempt - 1) {
		c.lastErr = fmt.Errorf("giving up after %d reconnect attempts: %w", c.attempt-1, cause)
		logrus.Warnf("%v", c.lastErr)
		c.setStateLocked(StateDisconnected)
		return
	}
	c.setStateLocked(StateReconnecting)
	delay := c.policy.NextDelay(c.attempt - 1)
	logrus.Debugf("reconnect attempt %d in %v", c.attempt, delay)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.manualClose || c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.reconnectTimer = nil
		c.mu.Unlock()
		c.dial(context.Background())
	})
}

func (c *Connection) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		// Drain any stale ack from a previous round.
		select {
		case <-c.probeAck:
		default:
		}

		err := c.transport.Probe()
		if err == ErrProbeUnsupported {
			return
		}
		if err != nil {
			c.probeFailed(stop, err)
			return
		}

		timeout := time.NewTimer(c.heartbeatTimeout)
		select {
		case <-stop:
			timeout.Stop()
			return
		case <-c.probeAck:
			timeout.Stop()
		case <-timeout.C:
			c.probeFailed(stop, fmt.Errorf("heartbeat timed out after %v", c.heartbeatTimeout))
			return
		}
	}
}

// probeFailed tears the link down and lets the normal close path reconnect.
func (c *Connection) probeFailed(stop chan struct{}, cause error) {
	c.mu.Lock()
	if c.heartbeatStop != stop {
		// A newer connection already replaced us.
		c.mu.Unlock()
		return
	}
	c.heartbeatStop = nil
	c.mu.Unlock()

	logrus.Warnf("liveness check failed, reconnecting: %v", cause)
	c.transport.Close()
	c.mu.Lock()
	c.scheduleReconnectLocked(cause)
	c.mu.Unlock()
}

func (c *Connection) handleProbeAck() {
	select {
	case c.probeAck <- struct{}{}:
	default:
	}
}

// handleMessage is the inbound path: decode once, dedup, fan out.
func (c *Connection) handleMessage(topic string, payload []byte) {
	ev, err := DecodeEnvelope(payload)
	if err != nil {
		logrus.Warnf("dropping malformed message on %s: %v", topic, err)
		c.metrics.MalformedDrop()
		return
	}
	if c.dedupe.IsDuplicate(ev) {
		logrus.Debugf("suppressed duplicate %s event", ev.Type())
		c.metrics.DedupDrop()
		return
	}
	c.registry.Dispatch(ev)
}

// setStateLocked updates state and notifies observers. Caller holds c.mu.
func (c *Connection) setStateLocked(next ConnectionState) {
	if c.state == next {
		return
	}
	c.state = next
	for _, fn := range c.observers {
		go func(fn func(ConnectionState)) {
			defer func() {
				if r := recover(); r != nil {
					logrus.Warnf("state observer panicked: %v", r)
				}
			}()
			fn(next)
		}(fn)
	}
}
