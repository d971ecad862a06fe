package tipstream

import (
	"context"
	"errors"
)

// ConnectionState is where the managed connection currently stands. Only the
// connection itself moves the state; everything else just reads it.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// ErrProbeUnsupported is returned by transports that keep their own protocol
// keepalive (MQTT, Redis). The managed connection then skips the
// application-level heartbeat for them.
var ErrProbeUnsupported = errors.New("transport manages its own liveness")

// TransportHandlers are the callbacks a transport drives once connected.
type TransportHandlers struct {
	// OnMessage delivers one inbound wire message for the given topic.
	OnMessage func(topic string, payload []byte)
	// OnProbeAck fires when the far side acknowledged a liveness probe.
	OnProbeAck func()
	// OnClose fires when the connection drops for any reason other than an
	// explicit Close call. A failed Connect must not fire it.
	OnClose func(err error)
}

// Transport is the minimal contract a stream provider has to satisfy. The
// managed connection, and therefore everything above it, is written purely
// against this interface; swapping WebSocket for a broker SDK touches nothing
// else.
type Transport interface {
	Connect(ctx context.Context, handlers TransportHandlers) error
	// Send publishes one wire message to a topic.
	Send(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	// Probe sends a liveness check whose acknowledgement arrives via
	// OnProbeAck, or ErrProbeUnsupported when the transport self-manages
	// keepalive.
	Probe() error
	Close() error
}
