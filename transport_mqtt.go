package tipstream

import (
	"context"
	"fmt"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTTransport is the SDK-managed flavor of the stream provider: an MQTT
// broker carries the topics. Paho runs its own protocol keepalive, so Probe
// reports unsupported and the managed connection leaves liveness to the SDK;
// everything else (reconnect policy, subscription replay) stays ours, so
// paho's auto-reconnect is switched off.
type MQTTTransport struct {
	host     string
	clientID string
	username string
	password string

	mu       sync.Mutex
	client   mqtt.Client
	handlers TransportHandlers
	closing  bool
}

func NewMQTTTransport(host, clientID, username, password string) *MQTTTransport {
	return &MQTTTransport{host: host, clientID: clientID, username: username, password: password}
}

func (t *MQTTTransport) Connect(ctx context.Context, handlers TransportHandlers) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.host)
	opts.SetClientID(t.clientID)
	opts.SetUsername(t.username)
	opts.SetPassword(t.password)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		t.mu.Lock()
		closing := t.closing
		h := t.handlers
		t.mu.Unlock()
		if !closing && h.OnClose != nil {
			h.OnClose(err)
		}
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connecting to broker %s: %w", t.host, token.Error())
	}

	t.mu.Lock()
	t.client = client
	t.handlers = handlers
	t.closing = false
	t.mu.Unlock()
	return nil
}

func (t *MQTTTransport) Send(ctx context.Context, topic string, payload []byte) error {
	client := t.currentClient()
	if client == nil {
		return fmt.Errorf("mqtt not connected")
	}
	token := client.Publish(topic, 0, false, payload)
	token.Wait()
	return token.Error()
}

func (t *MQTTTransport) Subscribe(topic string) error {
	client := t.currentClient()
	if client == nil {
		return fmt.Errorf("mqtt not connected")
	}
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		t.mu.Lock()
		h := t.handlers
		t.mu.Unlock()
		if h.OnMessage != nil {
			h.OnMessage(msg.Topic(), msg.Payload())
		}
	})
	token.Wait()
	return token.Error()
}

func (t *MQTTTransport) Unsubscribe(topic string) error {
	client := t.currentClient()
	if client == nil {
		return fmt.Errorf("mqtt not connected")
	}
	token := client.Unsubscribe(topic)
	token.Wait()
	return token.Error()
}

func (t *MQTTTransport) Probe() error {
	return ErrProbeUnsupported
}

func (t *MQTTTransport) Close() error {
	t.mu.Lock()
	t.closing = true
	client := t.client
	t.client = nil
	t.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
	return nil
}

func (t *MQTTTransport) currentClient() mqtt.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}
