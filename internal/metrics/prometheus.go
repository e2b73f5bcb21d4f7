package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fileq"

var (
	topicLabel = []string{"topic"}

	descPushTotal     = newDesc("push_total", "Messages pushed.")
	descPullTotal     = newDesc("pull_total", "Messages handed to the handler.")
	descSkippedTotal  = newDesc("skipped_total", "Deleted records passed over by pull.")
	descDeleteTotal   = newDesc("delete_total", "Messages marked deleted.")
	descPushErrors    = newDesc("push_errors_total", "Failed push operations.")
	descPullErrors    = newDesc("pull_errors_total", "Failed pull operations.")
	descLockBusy      = newDesc("lock_busy_total", "Non-blocking operations that found the lock held.")
	descProcessed     = newDesc("processed_total", "Messages processed within the deadline.")
	descFailures      = newDesc("handler_failures_total", "Handler errors.")
	descTimeouts      = newDesc("handler_timeouts_total", "Handlers that missed the deadline.")
	descRetries       = newDesc("retries_total", "Messages pushed again for another attempt.")
	descDeadLettered  = newDesc("dead_lettered_total", "Messages moved to the dead-letter queue.")
	descRequeued      = newDesc("requeued_total", "Messages moved back into the queue.")
	descStuck         = newDesc("stuck_total", "Messages found stuck in process by the watchdog.")
	descPushBytes     = newDesc("push_bytes_total", "Payload bytes pushed.")
	descPullBytes     = newDesc("pull_bytes_total", "Payload bytes pulled.")
	descPending       = newDesc("pending_messages", "Records between the pull and push cursors.")
	descPullCursor    = newDesc("pull_cursor_offset", "Byte offset of the pull cursor.")
	descPushCursor    = newDesc("push_cursor_offset", "Byte offset of the push cursor.")
	descDLQPending    = newDesc("dlq_pending_messages", "Records waiting in the dead-letter queue.")
	descPushDuration  = newDesc("push_duration_seconds", "Push latency.")
	descProcessDurSec = newDesc("process_duration_seconds", "Handler latency for processed messages.")
)

func newDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, topicLabel, nil)
}

var (
	_ prometheus.Collector = (*Collector)(nil)
	_ prometheus.Collector = (*Set)(nil)
)

var allDescs = []*prometheus.Desc{
	descPushTotal, descPullTotal, descSkippedTotal, descDeleteTotal,
	descPushErrors, descPullErrors, descLockBusy,
	descProcessed, descFailures, descTimeouts, descRetries,
	descDeadLettered, descRequeued, descStuck,
	descPushBytes, descPullBytes,
	descPending, descPullCursor, descPushCursor, descDLQPending,
	descPushDuration, descProcessDurSec,
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range allDescs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), c.topic)
	}
	gauge := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), c.topic)
	}

	counter(descPushTotal, c.pushTotal.Load())
	counter(descPullTotal, c.pullTotal.Load())
	counter(descSkippedTotal, c.skippedTotal.Load())
	counter(descDeleteTotal, c.deleteTotal.Load())
	counter(descPushErrors, c.pushErrors.Load())
	counter(descPullErrors, c.pullErrors.Load())
	counter(descLockBusy, c.lockBusyTotal.Load())
	counter(descProcessed, c.processedTotal.Load())
	counter(descFailures, c.failuresTotal.Load())
	counter(descTimeouts, c.timeoutsTotal.Load())
	counter(descRetries, c.retriesTotal.Load())
	counter(descDeadLettered, c.deadLetteredTotal.Load())
	counter(descRequeued, c.requeuedTotal.Load())
	counter(descStuck, c.stuckTotal.Load())
	counter(descPushBytes, c.pushBytes.Load())
	counter(descPullBytes, c.pullBytes.Load())

	gauge(descPending, c.pendingMessages.Load())
	gauge(descPullCursor, c.pullCursor.Load())
	gauge(descPushCursor, c.pushCursor.Load())
	gauge(descDLQPending, c.dlqPending.Load())

	ch <- c.pushDurations.constHistogram(descPushDuration, c.topic)
	ch <- c.processDurations.constHistogram(descProcessDurSec, c.topic)
}

// constHistogram exports the histogram with cumulative bucket counts.
func (h *durationHistogram) constHistogram(d *prometheus.Desc, topic string) prometheus.Metric {
	buckets := make(map[float64]uint64, len(bucketBounds))
	var cumulative uint64
	for i, bound := range bucketBounds {
		cumulative += h.buckets[i].Load()
		buckets[bound.Seconds()] = cumulative
	}
	count := cumulative + h.buckets[len(bucketBounds)].Load()
	sum := float64(h.sum.Load()) / 1e9

	return prometheus.MustNewConstHistogram(d, count, sum, buckets, topic)
}

// Set holds one Collector per topic and exports them together, so a process
// watching many topics registers a single prometheus.Collector.
type Set struct {
	mu         sync.Mutex
	collectors map[string]*Collector
}

// NewSet creates an empty Set.
func NewSet() *Set {
	return &Set{collectors: make(map[string]*Collector)}
}

// Get returns the collector of topic, creating it on first use.
func (s *Set) Get(topic string) *Collector {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collectors[topic]
	if !ok {
		c = NewCollector(topic)
		s.collectors[topic] = c
	}
	return c
}

// Topics returns the topics with a collector, sorted.
func (s *Set) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	topics := make([]string, 0, len(s.collectors))
	for topic := range s.collectors {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Describe implements prometheus.Collector.
func (s *Set) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range allDescs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (s *Set) Collect(ch chan<- prometheus.Metric) {
	s.mu.Lock()
	collectors := make([]*Collector, 0, len(s.collectors))
	for _, c := range s.collectors {
		collectors = append(collectors, c)
	}
	s.mu.Unlock()

	for _, c := range collectors {
		c.Collect(ch)
	}
}
