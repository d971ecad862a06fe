package tipstream

import "sync"

// Metrics counts what the pipeline saw, shipped, and lost. Dropped events are
// best-effort by design (the chain stays the source of truth), but every loss
// path increments a counter so sustained loss is visible to operators.
type Metrics struct {
	mu        sync.Mutex
	detected  map[EventType]int64
	published map[EventType]int64
	errors    map[EventType]int64
	dedup     int64
	malformed int64
	queueDrop int64
}

// MetricsSnapshot is a point-in-time copy safe to hand out.
type MetricsSnapshot struct {
	Detected         map[EventType]int64
	Published        map[EventType]int64
	Errors           map[EventType]int64
	DedupDropped     int64
	MalformedDropped int64
	QueueDropped     int64
	QueueDepth       int
}

func NewMetrics() *Metrics {
	return &Metrics{
		detected:  make(map[EventType]int64),
		published: make(map[EventType]int64),
		errors:    make(map[EventType]int64),
	}
}

func (m *Metrics) Detected(t EventType) {
	m.mu.Lock()
	m.detected[t]++
	m.mu.Unlock()
}

func (m *Metrics) Published(t EventType) {
	m.mu.Lock()
	m.published[t]++
	m.mu.Unlock()
}

func (m *Metrics) Errored(t EventType) {
	m.mu.Lock()
	m.errors[t]++
	m.mu.Unlock()
}

func (m *Metrics) DedupDrop() {
	m.mu.Lock()
	m.dedup++
	m.mu.Unlock()
}

func (m *Metrics) MalformedDrop() {
	m.mu.Lock()
	m.malformed++
	m.mu.Unlock()
}

func (m *Metrics) QueueDrop() {
	m.mu.Lock()
	m.queueDrop++
	m.mu.Unlock()
}

// Snapshot copies the counters. Queue depth is filled in by the caller that
// owns the queue.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := MetricsSnapshot{
		Detected:         make(map[EventType]int64, len(m.detected)),
		Published:        make(map[EventType]int64, len(m.published)),
		Errors:           make(map[EventType]int64, len(m.errors)),
		DedupDropped:     m.dedup,
		MalformedDropped: m.malformed,
		QueueDropped:     m.queueDrop,
	}
	for t, n := range m.detected {
		snap.Detected[t] = n
	}
	for t, n := range m.published {
		snap.Published[t] = n
	}
	for t, n := range m.errors {
		snap.Errors[t] = n
	}
	return snap
}
