package tipstream

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Service is the consumer-facing facade: one explicitly constructed instance
// owns the connection, registry, dedup cache, and (optionally) the contract
// bridge, and tears them all down in Shutdown. There is deliberately no
// package-level instance.
type Service struct {
	cfg      Config
	conn     *Connection
	registry *Registry
	dedupe   *Deduper
	metrics  *Metrics
	bridge   *Bridge
}

// New wires a service from a transport and an optional chain log watcher.
// Pass a nil watcher for a consume-only client (no republishing).
func New(cfg Config, transport Transport, watcher LogWatcher) *Service {
	metrics := NewMetrics()
	registry := NewRegistry()
	dedupe := NewDeduper(cfg.DedupWindow, cfg.DedupMaxSize)
	conn := NewConnection(transport, cfg, dedupe, registry, metrics)

	s := &Service{
		cfg:      cfg,
		conn:     conn,
		registry: registry,
		dedupe:   dedupe,
		metrics:  metrics,
	}
	if watcher != nil {
		limiter := NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMax)
		queue := NewPublishQueue(cfg.QueueCapacity)
		s.bridge = NewBridge(watcher, conn, limiter, queue, metrics, cfg)
	}
	return s
}

// Start connects to the stream provider and, if a watcher was given, starts
// the contract bridge.
func (s *Service) Start(ctx context.Context) error {
	if err := s.conn.Connect(ctx); err != nil {
		// The connection keeps retrying in the background; the bridge can
		// start queueing in the meantime.
		logrus.Warnf("initial connect failed, recovering in background: %v", err)
	}
	if s.bridge != nil {
		return s.bridge.Start()
	}
	return nil
}

// Shutdown stops the bridge and disconnects. Safe to call more than once.
func (s *Service) Shutdown() {
	if s.bridge != nil {
		s.bridge.Stop()
	}
	s.conn.Disconnect()
}

// SubscribeToTips delivers every TipEvent, or only those touching
// filter.Username when a filter is given.
func (s *Service) SubscribeToTips(callback func(TipEvent), filter *SubscriptionFilter) *Subscription {
	sub := s.registry.Subscribe(EventTypeTip, filter, func(ev StreamEvent) {
		if tip, ok := ev.(TipEvent); ok {
			callback(tip)
		}
	})
	s.ensureTopic(EventTypeTip)
	return sub
}

// SubscribeToProfile delivers profile events for one username.
func (s *Service) SubscribeToProfile(username string, callback func(ProfileEvent)) *Subscription {
	sub := s.registry.Subscribe(EventTypeProfile, &SubscriptionFilter{Username: username}, func(ev StreamEvent) {
		if profile, ok := ev.(ProfileEvent); ok {
			callback(profile)
		}
	})
	s.ensureTopic(EventTypeProfile)
	return sub
}

// SubscribeToLeaderboard delivers every leaderboard update.
func (s *Service) SubscribeToLeaderboard(callback func(LeaderboardUpdate)) *Subscription {
	sub := s.registry.Subscribe(EventTypeLeaderboard, nil, func(ev StreamEvent) {
		if update, ok := ev.(LeaderboardUpdate); ok {
			callback(update)
		}
	})
	s.ensureTopic(EventTypeLeaderboard)
	return sub
}

func (s *Service) ensureTopic(t EventType) {
	if err := s.conn.SubscribeTopic(s.conn.TopicFor(t)); err != nil {
		logrus.Warnf("transport subscribe for %s failed, will retry on reconnect: %v", t, err)
	}
}

// ConnectionState reports where the managed connection stands.
func (s *Service) ConnectionState() ConnectionState {
	return s.conn.State()
}

// LastError returns the terminal connection error, if any.
func (s *Service) LastError() error {
	return s.conn.LastError()
}

// OnStateChange registers a connection-state observer.
func (s *Service) OnStateChange(fn func(ConnectionState)) {
	s.conn.OnStateChange(fn)
}

// Reconnect manually revives a terminally disconnected service.
func (s *Service) Reconnect(ctx context.Context) error {
	return s.conn.Reconnect(ctx)
}

// Metrics returns a snapshot of the pipeline counters and queue depth.
func (s *Service) Metrics() MetricsSnapshot {
	snap := s.metrics.Snapshot()
	if s.bridge != nil {
		snap.QueueDepth = s.bridge.QueueDepth()
	}
	return snap
}
