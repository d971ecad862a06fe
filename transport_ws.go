package tipstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// wsFrame is the control-and-data frame the websocket stream provider speaks.
// Action is set on client->server frames; inbound data frames carry only
// Topic and Data.
type wsFrame struct {
	Action string          `json:"action,omitempty"` // subscribe | unsubscribe | publish
	Topic  string          `json:"topic"`
	Data   json.RawMessage `json:"data,omitempty"`
}

const wsWriteTimeout = 10 * time.Second

// WebSocketTransport speaks the raw websocket flavor of the stream provider.
// Liveness probes are websocket ping frames; the pong handler feeds the
// connection's heartbeat.
type WebSocketTransport struct {
	url string

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers TransportHandlers
	closing  bool

	writeMu sync.Mutex
}

func NewWebSocketTransport(url string) *WebSocketTransport {
	return &WebSocketTransport{url: url}
}

func (t *WebSocketTransport) Connect(ctx context.Context, handlers TransportHandlers) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", t.url, err)
	}
	conn.SetPongHandler(func(string) error {
		if handlers.OnProbeAck != nil {
			handlers.OnProbeAck()
		}
		return nil
	})

	t.mu.Lock()
	t.conn = conn
	t.handlers = handlers
	t.closing = false
	t.mu.Unlock()

	go t.readLoop(conn)
	return nil
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closing := t.closing
			handlers := t.handlers
			t.mu.Unlock()
			if !closing && handlers.OnClose != nil {
				handlers.OnClose(err)
			}
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logrus.Warnf("unparseable websocket frame: %v", err)
			continue
		}
		t.mu.Lock()
		handlers := t.handlers
		t.mu.Unlock()
		if handlers.OnMessage != nil {
			handlers.OnMessage(frame.Topic, frame.Data)
		}
	}
}

func (t *WebSocketTransport) Send(ctx context.Context, topic string, payload []byte) error {
	return t.writeFrame(wsFrame{Action: "publish", Topic: topic, Data: payload})
}

func (t *WebSocketTransport) Subscribe(topic string) error {
	return t.writeFrame(wsFrame{Action: "subscribe", Topic: topic})
}

func (t *WebSocketTransport) Unsubscribe(topic string) error {
	return t.writeFrame(wsFrame{Action: "unsubscribe", Topic: topic})
}

func (t *WebSocketTransport) writeFrame(frame wsFrame) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("websocket not connected")
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	// gorilla allows one concurrent writer.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WebSocketTransport) Probe() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	t.closing = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
