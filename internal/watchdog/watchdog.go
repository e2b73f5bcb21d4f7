//go:build unix

// Package watchdog finds messages left IN_PROCESS by consumers that died or
// hung, across every topic registered in a queue directory.
//
// A scan reads the directory's registry and lists the in-flight records of
// each topic. A record that is still in flight on the next scan has been in
// process for at least one interval and is reported stuck. With Requeue set
// the watchdog also redelivers it, which counts as a failed attempt.
//
// Only one watchdog may run per directory; Run refuses to start while another
// process holds the directory's watchdog lock.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vnykmshr/fileq/internal/logging"
	"github.com/vnykmshr/fileq/internal/metrics"
	"github.com/vnykmshr/fileq/internal/queue"
	"github.com/vnykmshr/fileq/internal/registry"
)

// DefaultInterval is the default time between scans.
const DefaultInterval = 5 * time.Second

// Options configures a Watchdog.
type Options struct {
	// Interval is the time between scans. It should be well above the
	// topics' processing timeout, or slow but healthy handlers are reported.
	// Default: 5s
	Interval time.Duration

	// Requeue redelivers stuck messages instead of only reporting them.
	Requeue bool

	// MaxRetries is the attempt budget applied when a stuck message is
	// redelivered.
	// Default: queue.DefaultMaxRetries
	MaxRetries int

	// Logger for structured logging (nil = no logging)
	Logger logging.Logger

	// Registerer receives the per-topic metrics (nil = not exported).
	Registerer prometheus.Registerer
}

// DefaultOptions returns the default watchdog configuration.
func DefaultOptions() *Options {
	return &Options{
		Interval:   DefaultInterval,
		MaxRetries: queue.DefaultMaxRetries,
		Logger:     logging.NoopLogger{},
	}
}

// Stuck is a message found in process on two consecutive scans.
type Stuck struct {
	Topic string
	ID    uint64

	// Outcome and NextID report the redelivery; OutcomePending when the
	// message was only reported.
	Outcome queue.Outcome
	NextID  uint64
}

// Watchdog scans the topics of one directory.
type Watchdog struct {
	dir  string
	opts *Options

	// inFlight holds the in-flight ids per topic seen by the previous scan.
	inFlight map[string]map[uint64]struct{}
	metrics  *metrics.Set
}

// New creates a watchdog for dir.
func New(dir string, opts *Options) (*Watchdog, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("watchdog interval must be > 0, got %v", opts.Interval)
	}
	if opts.MaxRetries < 1 {
		return nil, fmt.Errorf("max retries must be >= 1, got %d", opts.MaxRetries)
	}

	o := *opts
	if o.Logger == nil {
		o.Logger = logging.NoopLogger{}
	}

	w := &Watchdog{
		dir:      dir,
		opts:     &o,
		inFlight: make(map[string]map[uint64]struct{}),
		metrics:  metrics.NewSet(),
	}
	if o.Registerer != nil {
		if err := o.Registerer.Register(w.metrics); err != nil {
			return nil, fmt.Errorf("failed to register watchdog metrics: %w", err)
		}
	}
	return w, nil
}

// Metrics returns the per-topic metrics gathered by scans.
func (w *Watchdog) Metrics() *metrics.Set {
	return w.metrics
}

// Run takes the directory's watchdog lock and scans every Interval until ctx
// is done. It returns registry.ErrGuardHeld when another watchdog is running.
func (w *Watchdog) Run(ctx context.Context) error {
	guard, err := registry.AcquireGuard(w.dir)
	if err != nil {
		return err
	}
	defer func() {
		if err := guard.Release(); err != nil {
			w.opts.Logger.Warn("failed to release watchdog lock", logging.Err(err))
		}
	}()

	w.opts.Logger.Info("watchdog started",
		logging.F("dir", w.dir),
		logging.F("interval", w.opts.Interval.String()),
		logging.F("requeue", w.opts.Requeue),
	)

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.opts.Logger.Info("watchdog stopped", logging.F("dir", w.dir))
			return nil
		case <-ticker.C:
		}

		if _, err := w.Scan(); err != nil {
			w.opts.Logger.Error("watchdog scan failed", logging.F("dir", w.dir), logging.Err(err))
		}
	}
}

// Scan runs one pass over the registered topics and returns the messages
// found stuck. A topic that fails to scan is logged and skipped.
func (w *Watchdog) Scan() ([]Stuck, error) {
	topics, err := registry.Topics(w.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}

	var stuck []Stuck
	for _, topic := range topics {
		found, err := w.scanTopic(topic)
		if err != nil {
			w.opts.Logger.Warn("failed to scan topic", logging.F("topic", topic), logging.Err(err))
			continue
		}
		stuck = append(stuck, found...)
	}
	return stuck, nil
}

func (w *Watchdog) scanTopic(topic string) ([]Stuck, error) {
	paths := queue.TopicPaths(w.dir, topic)

	// Open with the capacity the topic was created with.
	info, err := os.Stat(paths.Main)
	if errors.Is(err, os.ErrNotExist) {
		delete(w.inFlight, topic)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	collector := w.metrics.Get(topic)

	opts := queue.DefaultOptions()
	opts.Capacity = uint64(info.Size()) //nolint:gosec // G115: size is non-negative
	opts.MaxRetries = w.opts.MaxRetries
	opts.DisableDeadLetter = !exists(paths.DeadLetter)
	opts.Logger = w.opts.Logger
	opts.MetricsCollector = collector

	s, err := queue.Open(w.dir, topic, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = s.Shutdown() }()

	ids, err := s.InFlight()
	if err != nil {
		return nil, err
	}

	previous := w.inFlight[topic]
	current := make(map[uint64]struct{}, len(ids))

	var stuck []Stuck
	for _, id := range ids {
		if _, seen := previous[id]; !seen {
			current[id] = struct{}{}
			continue
		}

		found := Stuck{Topic: topic, ID: id}
		if !w.opts.Requeue {
			current[id] = struct{}{}
			stuck = append(stuck, found)
			continue
		}

		found.Outcome, found.NextID, err = s.ResetInFlight(id)
		if errors.Is(err, queue.ErrNotInFlight) {
			// Finished between the listing and the reset.
			continue
		}
		if err != nil {
			current[id] = struct{}{}
			w.opts.Logger.Warn("failed to redeliver stuck message",
				logging.F("topic", topic),
				logging.F("msg_id", id),
				logging.Err(err),
			)
			continue
		}
		stuck = append(stuck, found)
	}
	w.inFlight[topic] = current

	if len(stuck) > 0 {
		collector.RecordStuck(len(stuck))
		w.opts.Logger.Warn("stuck messages found",
			logging.F("topic", topic),
			logging.F("count", len(stuck)),
			logging.F("requeued", w.opts.Requeue),
		)
	}

	// Refreshes the queue state gauges.
	if _, err := s.Stats(); err != nil {
		w.opts.Logger.Warn("failed to read topic stats", logging.F("topic", topic), logging.Err(err))
	}
	return stuck, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
