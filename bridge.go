package tipstream

import (
	"context"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ChainLogKind names the contract events the bridge watches.
type ChainLogKind string

const (
	ChainLogTipSent        ChainLogKind = "tip_sent"
	ChainLogProfileCreated ChainLogKind = "profile_created"
	ChainLogProfileUpdated ChainLogKind = "profile_updated"
)

// TipLog holds the decoded fields of a TipSent contract log.
type TipLog struct {
	TipID        uint64
	From         string
	To           string
	FromUsername string
	ToUsername   string
	Amount       *big.Int
	Message      string
}

// ProfileLog holds the decoded fields of a profile contract log.
type ProfileLog struct {
	UserAddress string
	Username    string
	IsActive    *bool
}

// ChainLog is one decoded on-chain log, exactly one of Tip or Profile set
// depending on Kind.
type ChainLog struct {
	Kind    ChainLogKind
	TxHash  string
	Tip     *TipLog
	Profile *ProfileLog
}

// LogWatcher is the blockchain collaborator: it watches one contract event
// kind and streams decoded logs until the returned cancel func is called.
type LogWatcher interface {
	Watch(kind ChainLogKind, onLog func(ChainLog), onErr func(error)) (unwatch func(), err error)
}

// Bridge republishes on-chain contract events to the stream. Each log goes
// rate limiter -> publish with inline backoff retries -> bounded queue on
// failure or denial; a periodic processor drains the queue one item per tick
// once the limiter allows. No single log failure is fatal: each is isolated,
// logged, and either retried or counted as dropped.
type Bridge struct {
	watcher LogWatcher
	conn    *Connection
	limiter *RateLimiter
	queue   *PublishQueue
	metrics *Metrics
	cfg     Config

	mu         sync.Mutex
	started    bool
	stop       chan struct{}
	unwatchers []func()
	logInbox   chan ChainLog
	wg         sync.WaitGroup
}

func NewBridge(watcher LogWatcher, conn *Connection, limiter *RateLimiter, queue *PublishQueue, metrics *Metrics, cfg Config) *Bridge {
	return &Bridge{
		watcher: watcher,
		conn:    conn,
		limiter: limiter,
		queue:   queue,
		metrics: metrics,
		cfg:     cfg,
	}
}

// Start installs the contract watches and the queue processor. Calling it
// twice is a no-op.
func (b *Bridge) Start() error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.stop = make(chan struct{})
	b.logInbox = make(chan ChainLog, 256)
	b.mu.Unlock()

	kinds := []ChainLogKind{ChainLogTipSent, ChainLogProfileCreated, ChainLogProfileUpdated}
	for _, kind := range kinds {
		kind := kind
		unwatch, err := b.watcher.Watch(kind,
			func(l ChainLog) { b.offer(l) },
			func(err error) { logrus.Warnf("%s watch error: %v", kind, err) },
		)
		if err != nil {
			b.Stop()
			return err
		}
		b.mu.Lock()
		b.unwatchers = append(b.unwatchers, unwatch)
		b.mu.Unlock()
	}

	b.wg.Add(2)
	go b.processLogs()
	go b.drainQueue()
	logrus.Printf("contract event bridge started")
	return nil
}

// Stop tears down the watches and the queue processor. Safe to call twice or
// without Start.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	close(b.stop)
	unwatchers := b.unwatchers
	b.unwatchers = nil
	b.mu.Unlock()

	for _, unwatch := range unwatchers {
		unwatch()
	}
	b.wg.Wait()
}

// QueueDepth is the number of events currently parked for a later tick.
func (b *Bridge) QueueDepth() int {
	return b.queue.Len()
}

// offer hands a log to the pump without blocking the watcher callback.
func (b *Bridge) offer(l ChainLog) {
	b.mu.Lock()
	started := b.started
	inbox := b.logInbox
	b.mu.Unlock()
	if !started {
		return
	}
	select {
	case inbox <- l:
	default:
		logrus.Warnf("log inbox full, dropping %s log %s", l.Kind, l.TxHash)
	}
}

// processLogs is the single pump: logs are transformed and published in
// arrival order, so the limiter and queue see one operation at a time.
func (b *Bridge) processLogs() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case l := <-b.logInbox:
			b.handleLog(l)
		}
	}
}

func (b *Bridge) handleLog(l ChainLog) {
	if l.TxHash == "" {
		// Without a tx hash the event can be neither deduplicated nor cited.
		logrus.Warnf("dropping %s log without transaction hash", l.Kind)
		b.metrics.MalformedDrop()
		return
	}
	ev, ok := b.transform(l)
	if !ok {
		b.metrics.MalformedDrop()
		return
	}
	b.metrics.Detected(ev.Type())

	if !b.limiter.TryAcquire() {
		logrus.Debugf("rate limited, queueing %s event", ev.Type())
		b.enqueue(&QueuedEvent{Event: ev, EnqueuedAt: time.Now()})
		return
	}
	if err := b.publishWithRetry(ev); err != nil {
		logrus.Warnf("publish of %s event failed after retries, queueing: %v", ev.Type(), err)
		b.metrics.Errored(ev.Type())
		b.enqueue(&QueuedEvent{Event: ev, EnqueuedAt: time.Now()})
		return
	}
	b.metrics.Published(ev.Type())
}

// transform maps a contract log to its stream schema, stamping the publish
// wall-clock time (distinct from any on-chain timestamp).
func (b *Bridge) transform(l ChainLog) (StreamEvent, bool) {
	now := time.Now().UnixMilli()
	switch l.Kind {
	case ChainLogTipSent:
		if l.Tip == nil {
			logrus.Warnf("tip log %s missing payload", l.TxHash)
			return nil, false
		}
		if l.Tip.Amount == nil || l.Tip.Amount.Sign() < 0 {
			logrus.Warnf("tip log %s has invalid amount", l.TxHash)
			return nil, false
		}
		return TipEvent{
			ID:           strconv.FormatUint(l.Tip.TipID, 10),
			FromAddress:  l.Tip.From,
			FromUsername: l.Tip.FromUsername,
			ToAddress:    l.Tip.To,
			ToUsername:   l.Tip.ToUsername,
			Amount:       l.Tip.Amount,
			Message:      l.Tip.Message,
			Timestamp:    now,
			TxHash:       l.TxHash,
		}, true
	case ChainLogProfileCreated, ChainLogProfileUpdated:
		if l.Profile == nil {
			logrus.Warnf("profile log %s missing payload", l.TxHash)
			return nil, false
		}
		action := ProfileActionCreated
		if l.Kind == ChainLogProfileUpdated {
			action = ProfileActionUpdated
		}
		return ProfileEvent{
			Username: l.Profile.Username,
			Action:   action,
			Metadata: ProfileMetadata{
				UserAddress: l.Profile.UserAddress,
				IsActive:    l.Profile.IsActive,
			},
			Timestamp: now,
			TxHash:    l.TxHash,
		}, true
	default:
		logrus.Warnf("unknown chain log kind %q", l.Kind)
		return nil, false
	}
}

// publishWithRetry attempts the publish inline with exponential spacing
// between tries. Queue fallback is the caller's job.
func (b *Bridge) publishWithRetry(ev StreamEvent) error {
	delay := b.cfg.PublishRetryDelay
	var err error
	for attempt := 0; attempt <= b.cfg.PublishMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-b.stop:
				return err
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * b.cfg.PublishRetryMultiplier)
		}
		err = b.conn.Publish(context.Background(), ev)
		if err == nil {
			return nil
		}
		logrus.Debugf("publish attempt %d for %s event failed: %v", attempt+1, ev.Type(), err)
	}
	return err
}

func (b *Bridge) enqueue(item *QueuedEvent) {
	if evicted := b.queue.Enqueue(item); evicted != nil {
		b.metrics.QueueDrop()
	}
}

// drainQueue retries parked events: at most one per tick, and only when the
// rate limiter currently grants. Deferred retries give the implicit backoff.
func (b *Bridge) drainQueue() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.QueueDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
		}

		if b.queue.Len() == 0 || !b.limiter.TryAcquire() {
			continue
		}
		item := b.queue.Dequeue()
		if item == nil {
			continue
		}
		item.RetryCount++
		if item.RetryCount > b.cfg.QueueMaxRetries {
			logrus.Warnf("dropping %s event after %d queued retries", item.Event.Type(), item.RetryCount-1)
			b.metrics.QueueDrop()
			continue
		}
		if err := b.conn.Publish(context.Background(), item.Event); err != nil {
			logrus.Debugf("queued publish failed (retry %d): %v", item.RetryCount, err)
			b.metrics.Errored(item.Event.Type())
			b.enqueue(item)
			continue
		}
		b.metrics.Published(item.Event.Type())
	}
}
