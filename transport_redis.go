package tipstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisTransport uses Redis Pub/Sub as the stream provider, for deployments
// that already run Redis. go-redis keeps the pub/sub socket healthy itself,
// so Probe reports unsupported.
type RedisTransport struct {
	addr     string
	password string
	db       int

	mu       sync.Mutex
	client   *redis.Client
	pubsub   *redis.PubSub
	handlers TransportHandlers
	closing  bool
}

func NewRedisTransport(addr, password string, db int) *RedisTransport {
	return &RedisTransport{addr: addr, password: password, db: db}
}

func (t *RedisTransport) Connect(ctx context.Context, handlers TransportHandlers) error {
	client := redis.NewClient(&redis.Options{
		Addr:     t.addr,
		Password: t.password,
		DB:       t.db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("pinging redis %s: %w", t.addr, err)
	}
	pubsub := client.Subscribe(ctx)

	t.mu.Lock()
	t.client = client
	t.pubsub = pubsub
	t.handlers = handlers
	t.closing = false
	t.mu.Unlock()

	go t.readLoop(pubsub)
	return nil
}

func (t *RedisTransport) readLoop(pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		t.mu.Lock()
		h := t.handlers
		t.mu.Unlock()
		if h.OnMessage != nil {
			h.OnMessage(msg.Channel, []byte(msg.Payload))
		}
	}
	t.mu.Lock()
	closing := t.closing
	h := t.handlers
	t.mu.Unlock()
	if !closing && h.OnClose != nil {
		h.OnClose(fmt.Errorf("redis pubsub channel closed"))
	}
}

func (t *RedisTransport) Send(ctx context.Context, topic string, payload []byte) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return fmt.Errorf("redis not connected")
	}
	return client.Publish(ctx, topic, payload).Err()
}

func (t *RedisTransport) Subscribe(topic string) error {
	t.mu.Lock()
	pubsub := t.pubsub
	t.mu.Unlock()
	if pubsub == nil {
		return fmt.Errorf("redis not connected")
	}
	return pubsub.Subscribe(context.Background(), topic)
}

func (t *RedisTransport) Unsubscribe(topic string) error {
	t.mu.Lock()
	pubsub := t.pubsub
	t.mu.Unlock()
	if pubsub == nil {
		return fmt.Errorf("redis not connected")
	}
	return pubsub.Unsubscribe(context.Background(), topic)
}

func (t *RedisTransport) Probe() error {
	return ErrProbeUnsupported
}

func (t *RedisTransport) Close() error {
	t.mu.Lock()
	t.closing = true
	pubsub := t.pubsub
	client := t.client
	t.pubsub = nil
	t.client = nil
	t.mu.Unlock()
	if pubsub != nil {
		pubsub.Close()
	}
	if client != nil {
		return client.Close()
	}
	return nil
}
