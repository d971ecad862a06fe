package tipstream

import "time"

// Config is the full tuning surface. Everything here is a constant chosen at
// construction time, not negotiated at runtime. Zero values are not valid;
// start from DefaultConfig and override.
type Config struct {
	// TopicPrefix namespaces the transport topics, e.g. "tipz" yields
	// "tipz/tip_events".
	TopicPrefix string

	Reconnect ReconnectPolicy

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	DedupWindow  time.Duration
	DedupMaxSize int

	RateLimitWindow time.Duration
	RateLimitMax    int

	QueueCapacity      int
	QueueMaxRetries    int
	QueueDrainInterval time.Duration

	// Inline publish retries in the bridge, before an event falls back to
	// the queue.
	PublishMaxRetries      int
	PublishRetryDelay      time.Duration
	PublishRetryMultiplier float64
}

func DefaultConfig() Config {
	return Config{
		TopicPrefix: "tipz",

		Reconnect: DefaultReconnectPolicy(),

		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  5 * time.Second,

		DedupWindow:  5 * time.Second,
		DedupMaxSize: 1000,

		RateLimitWindow: 1 * time.Second,
		RateLimitMax:    10,

		QueueCapacity:      100,
		QueueMaxRetries:    3,
		QueueDrainInterval: 5 * time.Second,

		PublishMaxRetries:      3,
		PublishRetryDelay:      1 * time.Second,
		PublishRetryMultiplier: 2,
	}
}
