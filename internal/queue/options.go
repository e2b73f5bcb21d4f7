package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/vnykmshr/fileq/internal/format"
	"github.com/vnykmshr/fileq/internal/logging"
	"github.com/vnykmshr/fileq/internal/metrics"
)

const (
	// DefaultCapacity is the default size of a topic's main file.
	DefaultCapacity = 500 * 1024 * 1024

	// DefaultProcessingTimeout bounds how long Pull waits for the handler.
	DefaultProcessingTimeout = 1 * time.Second

	// DefaultMaxRetries is the number of delivery attempts before dead-lettering.
	DefaultMaxRetries = 3

	// minCapacity leaves room for the header and one empty record in the
	// half-size dead-letter file.
	minCapacity = 2 * (format.HeaderSize + format.RecordOverhead)
)

// Handler processes one pulled message. The context is cancelled when the
// processing deadline passes; a handler that ignores it keeps running on the
// worker while Pull moves on.
type Handler func(ctx context.Context, msg *Message) error

// NoopHandler accepts every message.
func NoopHandler(context.Context, *Message) error { return nil }

// Options configures a topic.
type Options struct {
	// Capacity is the fixed byte size of the main file. The dead-letter file
	// gets half of it. Open ignores it for existing files, which keep the
	// capacity they were created with.
	// Default: 500 MB
	Capacity uint64

	// ProcessingTimeout bounds how long Pull waits for the handler, including
	// the wait for the worker to become free.
	// Default: 1s
	ProcessingTimeout time.Duration

	// MaxRetries is the number of delivery attempts a message gets on the main
	// queue before it is dead-lettered. Must be at least 1.
	// Default: 3
	MaxRetries int

	// DisableDeadLetter drops messages that exhaust their attempts instead of
	// writing them to <topic>-dlq.queue.
	DisableDeadLetter bool

	// MaxMessageSize is the maximum payload size in bytes (0 = bounded only
	// by capacity).
	// Default: 0
	MaxMessageSize int64

	// MinFreeDiskSpace is the free space Open requires in the topic directory
	// (0 = no check). Files are created sparse, so this guards the space the
	// mapping will eventually need.
	// Default: 0
	MinFreeDiskSpace int64

	// Register adds the topic to the directory's watchdog registry on Open.
	Register bool

	// Handler processes pulled messages (nil = NoopHandler).
	Handler Handler

	// Logger for structured logging (nil = no logging)
	Logger logging.Logger

	// MetricsCollector for collecting queue metrics (nil = no metrics)
	MetricsCollector MetricsCollector
}

// MetricsCollector defines the interface for recording queue metrics.
type MetricsCollector interface {
	RecordPush(payloadSize int, duration time.Duration)
	RecordPushError()
	RecordLockBusy()
	RecordPull(payloadSize int)
	RecordSkip()
	RecordPullError()
	RecordProcessed(duration time.Duration)
	RecordFailure()
	RecordTimeout()
	RecordRetry()
	RecordDeadLetter()
	RecordRequeue()
	RecordDelete()
	RecordStuck(n int)
	UpdateQueueState(pending, pullCursor, pushCursor, dlqPending uint64)
}

// DefaultOptions returns sensible defaults for topic configuration.
func DefaultOptions() *Options {
	return &Options{
		Capacity:          DefaultCapacity,
		ProcessingTimeout: DefaultProcessingTimeout,
		MaxRetries:        DefaultMaxRetries,
		Handler:           NoopHandler,
		Logger:            logging.NoopLogger{},
		MetricsCollector:  metrics.NoopCollector{},
	}
}

// Validate checks if the options are valid and safe to use.
func (o *Options) Validate() error {
	if o.Capacity < minCapacity {
		return fmt.Errorf("capacity must be at least %d bytes, got %d", minCapacity, o.Capacity)
	}
	if o.Capacity > maxCapacity {
		return fmt.Errorf("capacity %d exceeds the %d-bit cursor range", o.Capacity, format.IntWidth)
	}
	if o.ProcessingTimeout <= 0 {
		return fmt.Errorf("processing timeout must be > 0, got %v", o.ProcessingTimeout)
	}
	if o.MaxRetries < 1 {
		return fmt.Errorf("max retries must be >= 1, got %d", o.MaxRetries)
	}
	if o.MaxMessageSize < 0 {
		return fmt.Errorf("max message size cannot be negative")
	}
	if o.MinFreeDiskSpace < 0 {
		return fmt.Errorf("min free disk space cannot be negative")
	}
	return nil
}

// withDefaults fills nil collaborators.
func (o *Options) withDefaults() *Options {
	out := *o
	if out.Handler == nil {
		out.Handler = NoopHandler
	}
	if out.Logger == nil {
		out.Logger = logging.NoopLogger{}
	}
	if out.MetricsCollector == nil {
		out.MetricsCollector = metrics.NoopCollector{}
	}
	return &out
}

// validatePath validates a path for security issues
func validatePath(path, pathType string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%s path cannot be empty", pathType)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal not allowed in %s: %s", pathType, path)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path for %s: %w", pathType, err)
	}

	return filepath.Clean(absPath), nil
}

// ValidateTopic checks that a topic name maps to plain sibling files.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic name cannot be empty")
	}
	if strings.HasPrefix(topic, ".") {
		return fmt.Errorf("topic name cannot start with '.': %s", topic)
	}
	if strings.ContainsAny(topic, `/\`) || strings.ContainsRune(topic, 0) {
		return fmt.Errorf("topic name cannot contain path separators: %s", topic)
	}
	if len(topic) > 200 {
		return fmt.Errorf("topic name longer than 200 bytes: %s", topic)
	}
	return nil
}
