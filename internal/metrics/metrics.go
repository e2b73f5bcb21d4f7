// Package metrics provides queue metrics collection for fileq.
//
// A Collector counts queue operations with atomics and can be registered
// directly with a Prometheus registry, since it implements
// prometheus.Collector.
//
// Usage:
//
//	collector := metrics.NewCollector("orders")
//	prometheus.MustRegister(collector)
//
//	opts := queue.DefaultOptions()
//	opts.MetricsCollector = collector
package metrics

import (
	"sync/atomic"
	"time"
)

// Collector tracks queue metrics for one topic.
type Collector struct {
	topic string

	// Operation counters
	pushTotal     atomic.Uint64
	pullTotal     atomic.Uint64
	skippedTotal  atomic.Uint64
	deleteTotal   atomic.Uint64
	pushErrors    atomic.Uint64
	pullErrors    atomic.Uint64
	lockBusyTotal atomic.Uint64

	// Processing outcomes
	processedTotal    atomic.Uint64
	failuresTotal     atomic.Uint64
	timeoutsTotal     atomic.Uint64
	retriesTotal      atomic.Uint64
	deadLetteredTotal atomic.Uint64
	requeuedTotal     atomic.Uint64
	stuckTotal        atomic.Uint64

	// Payload metrics
	pushBytes atomic.Uint64
	pullBytes atomic.Uint64

	pushDurations    *durationHistogram
	processDurations *durationHistogram

	// Queue state, refreshed by Stats
	pendingMessages atomic.Uint64
	pullCursor      atomic.Uint64
	pushCursor      atomic.Uint64
	dlqPending      atomic.Uint64
}

// NewCollector creates a new metrics collector for a topic.
func NewCollector(topic string) *Collector {
	return &Collector{
		topic:            topic,
		pushDurations:    newDurationHistogram(),
		processDurations: newDurationHistogram(),
	}
}

// Topic returns the topic label of the collector.
func (c *Collector) Topic() string {
	return c.topic
}

// RecordPush records a successful push.
func (c *Collector) RecordPush(payloadSize int, duration time.Duration) {
	c.pushTotal.Add(1)
	c.pushBytes.Add(uint64(payloadSize)) //nolint:gosec // G115: payload length is non-negative
	c.pushDurations.observe(duration)
}

// RecordPushError records a failed push.
func (c *Collector) RecordPushError() {
	c.pushErrors.Add(1)
}

// RecordLockBusy records a non-blocking operation that found the lock held.
func (c *Collector) RecordLockBusy() {
	c.lockBusyTotal.Add(1)
}

// RecordPull records a message handed to the handler.
func (c *Collector) RecordPull(payloadSize int) {
	c.pullTotal.Add(1)
	c.pullBytes.Add(uint64(payloadSize)) //nolint:gosec // G115: payload length is non-negative
}

// RecordSkip records a pull that passed over a deleted record.
func (c *Collector) RecordSkip() {
	c.skippedTotal.Add(1)
}

// RecordPullError records a failed pull.
func (c *Collector) RecordPullError() {
	c.pullErrors.Add(1)
}

// RecordProcessed records a message the handler completed in time.
func (c *Collector) RecordProcessed(duration time.Duration) {
	c.processedTotal.Add(1)
	c.processDurations.observe(duration)
}

// RecordFailure records a handler error.
func (c *Collector) RecordFailure() {
	c.failuresTotal.Add(1)
}

// RecordTimeout records a handler that missed its deadline.
func (c *Collector) RecordTimeout() {
	c.timeoutsTotal.Add(1)
}

// RecordRetry records a message pushed again for another attempt.
func (c *Collector) RecordRetry() {
	c.retriesTotal.Add(1)
}

// RecordDeadLetter records a message moved to the dead-letter queue.
func (c *Collector) RecordDeadLetter() {
	c.deadLetteredTotal.Add(1)
}

// RecordRequeue records a message moved back from the dead-letter queue or
// redelivered by the watchdog.
func (c *Collector) RecordRequeue() {
	c.requeuedTotal.Add(1)
}

// RecordDelete records a message marked deleted.
func (c *Collector) RecordDelete() {
	c.deleteTotal.Add(1)
}

// RecordStuck records messages the watchdog found stuck in process.
func (c *Collector) RecordStuck(n int) {
	if n > 0 {
		c.stuckTotal.Add(uint64(n))
	}
}

// UpdateQueueState updates queue state gauges.
func (c *Collector) UpdateQueueState(pending, pullCursor, pushCursor, dlqPending uint64) {
	c.pendingMessages.Store(pending)
	c.pullCursor.Store(pullCursor)
	c.pushCursor.Store(pushCursor)
	c.dlqPending.Store(dlqPending)
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() *Snapshot {
	return &Snapshot{
		Topic:              c.topic,
		PushTotal:          c.pushTotal.Load(),
		PullTotal:          c.pullTotal.Load(),
		SkippedTotal:       c.skippedTotal.Load(),
		DeleteTotal:        c.deleteTotal.Load(),
		PushErrors:         c.pushErrors.Load(),
		PullErrors:         c.pullErrors.Load(),
		LockBusyTotal:      c.lockBusyTotal.Load(),
		ProcessedTotal:     c.processedTotal.Load(),
		FailuresTotal:      c.failuresTotal.Load(),
		TimeoutsTotal:      c.timeoutsTotal.Load(),
		RetriesTotal:       c.retriesTotal.Load(),
		DeadLetteredTotal:  c.deadLetteredTotal.Load(),
		RequeuedTotal:      c.requeuedTotal.Load(),
		StuckTotal:         c.stuckTotal.Load(),
		PushBytes:          c.pushBytes.Load(),
		PullBytes:          c.pullBytes.Load(),
		PushDurationP50:    c.pushDurations.percentile(0.50),
		PushDurationP95:    c.pushDurations.percentile(0.95),
		PushDurationP99:    c.pushDurations.percentile(0.99),
		ProcessDurationP50: c.processDurations.percentile(0.50),
		ProcessDurationP95: c.processDurations.percentile(0.95),
		ProcessDurationP99: c.processDurations.percentile(0.99),
		PendingMessages:    c.pendingMessages.Load(),
		PullCursor:         c.pullCursor.Load(),
		PushCursor:         c.pushCursor.Load(),
		DLQPending:         c.dlqPending.Load(),
	}
}

// Snapshot is a point-in-time view of metrics.
type Snapshot struct {
	Topic string

	// Operation counters
	PushTotal     uint64
	PullTotal     uint64
	SkippedTotal  uint64
	DeleteTotal   uint64
	PushErrors    uint64
	PullErrors    uint64
	LockBusyTotal uint64

	// Processing outcomes
	ProcessedTotal    uint64
	FailuresTotal     uint64
	TimeoutsTotal     uint64
	RetriesTotal      uint64
	DeadLetteredTotal uint64
	RequeuedTotal     uint64
	StuckTotal        uint64

	// Payload metrics
	PushBytes uint64
	PullBytes uint64

	// Duration percentiles
	PushDurationP50    time.Duration
	PushDurationP95    time.Duration
	PushDurationP99    time.Duration
	ProcessDurationP50 time.Duration
	ProcessDurationP95 time.Duration
	ProcessDurationP99 time.Duration

	// Queue state
	PendingMessages uint64
	PullCursor      uint64
	PushCursor      uint64
	DLQPending      uint64
}

// bucketBounds are the upper bounds of the histogram buckets; the last
// bucket is unbounded.
var bucketBounds = [...]time.Duration{
	time.Microsecond,
	10 * time.Microsecond,
	100 * time.Microsecond,
	time.Millisecond,
	10 * time.Millisecond,
	100 * time.Millisecond,
	time.Second,
	10 * time.Second,
	100 * time.Second,
}

const bucketCount = len(bucketBounds) + 1

// durationHistogram is a fixed-bucket histogram of durations.
type durationHistogram struct {
	buckets [bucketCount]atomic.Uint64
	sum     atomic.Int64 // nanoseconds
}

func newDurationHistogram() *durationHistogram {
	return &durationHistogram{}
}

// observe records a duration in the appropriate bucket.
func (h *durationHistogram) observe(d time.Duration) {
	h.sum.Add(int64(d))

	bucket := len(bucketBounds)
	for i, bound := range bucketBounds {
		if d < bound {
			bucket = i
			break
		}
	}
	h.buckets[bucket].Add(1)
}

func (h *durationHistogram) total() uint64 {
	var n uint64
	for i := range h.buckets {
		n += h.buckets[i].Load()
	}
	return n
}

// percentile approximates a percentile as the midpoint of its bucket.
func (h *durationHistogram) percentile(p float64) time.Duration {
	total := h.total()
	if total == 0 {
		return 0
	}

	target := uint64(float64(total) * p)
	var count uint64
	for i := range h.buckets {
		count += h.buckets[i].Load()
		if count >= target {
			if i == len(bucketBounds) {
				return bucketBounds[len(bucketBounds)-1]
			}
			return bucketBounds[i] / 2
		}
	}
	return 0
}

// NoopCollector is a metrics collector that does nothing.
// Useful when metrics are disabled.
type NoopCollector struct{}

func (NoopCollector) RecordPush(int, time.Duration)                    {}
func (NoopCollector) RecordPushError()                                 {}
func (NoopCollector) RecordLockBusy()                                  {}
func (NoopCollector) RecordPull(int)                                   {}
func (NoopCollector) RecordSkip()                                      {}
func (NoopCollector) RecordPullError()                                 {}
func (NoopCollector) RecordProcessed(time.Duration)                    {}
func (NoopCollector) RecordFailure()                                   {}
func (NoopCollector) RecordTimeout()                                   {}
func (NoopCollector) RecordRetry()                                     {}
func (NoopCollector) RecordDeadLetter()                                {}
func (NoopCollector) RecordRequeue()                                   {}
func (NoopCollector) RecordDelete()                                    {}
func (NoopCollector) RecordStuck(int)                                  {}
func (NoopCollector) UpdateQueueState(uint64, uint64, uint64, uint64) {}
