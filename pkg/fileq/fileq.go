//go:build unix

// Package fileq provides a persistent, file-backed message queue.
//
// A topic lives in a few memory-mapped files inside a directory that any
// number of processes can share; OS file locks keep them consistent without a
// broker. Messages are delivered in push order, at least once, and each
// delivery is bounded by a processing deadline. Failed messages are retried
// and finally moved to a dead-letter queue.
//
// Example usage:
//
//	opts := fileq.DefaultOptions()
//	opts.Handler = func(ctx context.Context, msg *fileq.Message) error {
//	    fmt.Printf("Message: %s\n", msg.Payload)
//	    return nil
//	}
//
//	q, err := fileq.Open("/path/to/queue", "orders", opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer q.Shutdown()
//
//	// Push a message
//	id, err := q.Push([]byte("Hello, World!"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Pull and process it
//	msg, err := q.Pull(context.Background())
package fileq

import (
	"context"
	"time"

	"github.com/vnykmshr/fileq/internal/format"
	"github.com/vnykmshr/fileq/internal/logging"
	"github.com/vnykmshr/fileq/internal/metrics"
	"github.com/vnykmshr/fileq/internal/queue"
	"github.com/vnykmshr/fileq/internal/registry"
)

// Version is the current version of fileq.
// This is the single source of truth for the application version.
const Version = "1.0.0"

// Errors returned by queue operations. Match them with errors.Is.
var (
	ErrClosed             = queue.ErrClosed
	ErrInvalidID          = queue.ErrInvalidID
	ErrAlreadyDelivered   = queue.ErrAlreadyDelivered
	ErrNotInFlight        = queue.ErrNotInFlight
	ErrMessageTooLarge    = queue.ErrMessageTooLarge
	ErrDeadLetterDisabled = queue.ErrDeadLetterDisabled
	ErrLockBusy           = queue.ErrLockBusy
	ErrCapacityExceeded   = queue.ErrCapacityExceeded

	// ErrEndOfData and ErrMalformed report unreadable topic files.
	ErrEndOfData = format.ErrEndOfData
	ErrMalformed = format.ErrMalformed
)

// Outcome is what became of a pulled message.
type Outcome = queue.Outcome

// Pull outcomes.
const (
	OutcomePending      = queue.OutcomePending
	OutcomeProcessed    = queue.OutcomeProcessed
	OutcomeRetried      = queue.OutcomeRetried
	OutcomeDeadLettered = queue.OutcomeDeadLettered
	OutcomeDropped      = queue.OutcomeDropped
	OutcomeDeleted      = queue.OutcomeDeleted
	OutcomeRequeued     = queue.OutcomeRequeued
)

// Status is the lifecycle state of a stored message.
type Status = format.Status

// Message statuses.
const (
	StatusUnprocessed = format.StatusUnprocessed
	StatusInProcess   = format.StatusInProcess
	StatusProcessed   = format.StatusProcessed
	StatusDeleted     = format.StatusDeleted
)

// Queue is one process's handle on a topic.
type Queue struct {
	s *queue.Service
}

// Message represents a pulled message.
type Message struct {
	// ID is the offset of the message in the topic file
	ID uint64

	// Payload is the message data
	Payload []byte

	// Attempt is the 1-based delivery attempt
	Attempt int

	// Outcome is what Pull did with the message
	Outcome Outcome

	// NextID is the id of the retry copy, dead letter or requeued message
	NextID uint64

	// Err is the handler error when processing failed
	Err error
}

// Record is a stored message as read from a topic or dead-letter file.
type Record struct {
	ID      uint64
	Payload []byte
	Status  Status
}

// Handler processes one pulled message. The context is cancelled at the
// processing deadline.
type Handler func(ctx context.Context, msg *Message) error

// Options configures a topic.
type Options struct {
	// Capacity is the fixed size of the topic file in bytes
	// Default: 500 MB
	Capacity uint64

	// ProcessingTimeout bounds the processing of one message
	// Default: 1 second
	ProcessingTimeout time.Duration

	// MaxRetries is the number of delivery attempts before dead-lettering
	// Default: 3
	MaxRetries int

	// DisableDeadLetter drops messages that exhaust their attempts
	// Default: false
	DisableDeadLetter bool

	// MaxMessageSize is the largest payload in bytes (0 = no limit)
	// Default: 0
	MaxMessageSize int64

	// MinFreeDiskSpace is the free space required to open a topic (0 = no check)
	// Default: 0
	MinFreeDiskSpace int64

	// Register adds the topic to the directory's watchdog registry
	// Default: false
	Register bool

	// Handler processes pulled messages (nil = accept everything)
	Handler Handler

	// Logger for structured logging (nil = no logging)
	// Default: no logging
	Logger Logger

	// MetricsCollector for collecting queue metrics (nil = no metrics)
	// Default: no metrics
	MetricsCollector MetricsCollector
}

// MetricsCollector defines the interface for recording queue metrics.
type MetricsCollector = queue.MetricsCollector

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, fields ...LogField)
	Info(msg string, fields ...LogField)
	Warn(msg string, fields ...LogField)
	Error(msg string, fields ...LogField)
}

// LogField represents a structured log field.
type LogField struct {
	Key   string
	Value interface{}
}

// Stats contains topic statistics.
type Stats = queue.Stats

// MetricsSnapshot is a point-in-time view of queue metrics.
type MetricsSnapshot = metrics.Snapshot

// NewMetricsCollector creates a metrics collector for a topic. It also
// implements prometheus.Collector.
func NewMetricsCollector(topic string) *metrics.Collector {
	return metrics.NewCollector(topic)
}

// GetMetricsSnapshot returns a snapshot of current metrics from a collector.
func GetMetricsSnapshot(collector MetricsCollector) *MetricsSnapshot {
	if c, ok := collector.(*metrics.Collector); ok {
		return c.GetSnapshot()
	}
	return nil
}

// DefaultOptions returns sensible defaults for topic configuration.
func DefaultOptions() *Options {
	return &Options{
		Capacity:          queue.DefaultCapacity,
		ProcessingTimeout: queue.DefaultProcessingTimeout,
		MaxRetries:        queue.DefaultMaxRetries,
	}
}

// Open opens or creates topic in dir.
// If opts is nil, default options are used.
func Open(dir, topic string, opts *Options) (*Queue, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	metricsCollector := opts.MetricsCollector
	if metricsCollector == nil {
		metricsCollector = metrics.NoopCollector{}
	}

	qopts := &queue.Options{
		Capacity:          opts.Capacity,
		ProcessingTimeout: opts.ProcessingTimeout,
		MaxRetries:        opts.MaxRetries,
		DisableDeadLetter: opts.DisableDeadLetter,
		MaxMessageSize:    opts.MaxMessageSize,
		MinFreeDiskSpace:  opts.MinFreeDiskSpace,
		Register:          opts.Register,
		Handler:           convertHandler(opts.Handler),
		Logger:            convertLogger(opts.Logger),
		MetricsCollector:  metricsCollector,
	}

	s, err := queue.Open(dir, topic, qopts)
	if err != nil {
		return nil, err
	}

	return &Queue{s: s}, nil
}

// Topics returns the topics registered in dir.
func Topics(dir string) ([]string, error) {
	return registry.Topics(dir)
}

// Topic returns the topic name.
func (q *Queue) Topic() string {
	return q.s.Topic()
}

// Push appends a message and returns its id, waiting for the topic lock.
func (q *Queue) Push(payload []byte) (uint64, error) {
	return q.s.Push(payload)
}

// TryPush is Push without waiting; it returns ErrLockBusy on contention.
func (q *Queue) TryPush(payload []byte) (uint64, error) {
	return q.s.TryPush(payload)
}

// Pull takes the next message and processes it with the handler. It returns
// nil when nothing is waiting or the next message was deleted. Processing
// failures are reported through Message.Outcome, not as errors.
func (q *Queue) Pull(ctx context.Context) (*Message, error) {
	msg, err := q.s.Pull(ctx)
	if err != nil || msg == nil {
		return nil, err
	}
	return convertMessage(msg), nil
}

// Delete marks a message deleted so it is never delivered. Deleting a
// processed message returns ErrAlreadyDelivered.
func (q *Queue) Delete(id uint64) error {
	return q.s.Delete(id)
}

// Get reads the message with the given id.
func (q *Queue) Get(id uint64) (*Record, error) {
	rec, err := q.s.Get(id)
	if err != nil {
		return nil, err
	}
	return convertRecord(rec), nil
}

// Scan calls fn for every stored message in push order.
func (q *Queue) Scan(fn func(*Record) error) error {
	return q.s.Scan(func(rec *format.Record) error {
		return fn(convertRecord(rec))
	})
}

// MarkProducerDone records that no further messages will be pushed.
func (q *Queue) MarkProducerDone() error {
	return q.s.MarkProducerDone()
}

// HasAllMessagesConsumed reports whether producers are done and every
// message was pulled.
func (q *Queue) HasAllMessagesConsumed() (bool, error) {
	return q.s.HasAllMessagesConsumed()
}

// DeadLetters returns up to limit dead letters waiting in the dead-letter
// queue (0 = all) without consuming them.
func (q *Queue) DeadLetters(limit int) ([]*Record, error) {
	recs, err := q.s.DeadLetters(limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, len(recs))
	for i, rec := range recs {
		out[i] = convertRecord(rec)
	}
	return out, nil
}

// PullDeadLetter consumes the next dead letter.
func (q *Queue) PullDeadLetter() (*Message, error) {
	msg, err := q.s.PullDeadLetter()
	if err != nil || msg == nil {
		return nil, err
	}
	return convertMessage(msg), nil
}

// RequeueDeadLetter moves the next dead letter back into the topic.
func (q *Queue) RequeueDeadLetter() (*Message, error) {
	msg, err := q.s.RequeueDeadLetter()
	if err != nil || msg == nil {
		return nil, err
	}
	return convertMessage(msg), nil
}

// ResetInFlight redelivers a message stuck in process, counting it as a
// failed attempt.
func (q *Queue) ResetInFlight(id uint64) (Outcome, uint64, error) {
	return q.s.ResetInFlight(id)
}

// Sync flushes the topic files to disk.
func (q *Queue) Sync() error {
	return q.s.Sync()
}

// Stats returns current topic statistics.
func (q *Queue) Stats() (*Stats, error) {
	return q.s.Stats()
}

// Shutdown stops processing and closes the topic files. The topic can be
// reopened later.
func (q *Queue) Shutdown() error {
	return q.s.Shutdown()
}

// Helper functions to convert between public and internal types

func convertMessage(msg *queue.Message) *Message {
	return &Message{
		ID:      msg.ID,
		Payload: msg.Payload,
		Attempt: msg.Attempt,
		Outcome: msg.Outcome,
		NextID:  msg.NextID,
		Err:     msg.Err,
	}
}

func convertRecord(rec *format.Record) *Record {
	return &Record{ID: rec.Offset, Payload: rec.Payload, Status: rec.Status}
}

func convertHandler(h Handler) queue.Handler {
	if h == nil {
		return queue.NoopHandler
	}
	return func(ctx context.Context, msg *queue.Message) error {
		return h(ctx, convertMessage(msg))
	}
}

func convertLogger(l Logger) logging.Logger {
	if l == nil {
		return logging.NoopLogger{}
	}
	return &loggerAdapter{l: l}
}

// loggerAdapter adapts public Logger to internal logging.Logger
type loggerAdapter struct {
	l Logger
}

func (a *loggerAdapter) Debug(msg string, fields ...logging.Field) {
	a.l.Debug(msg, convertFields(fields)...)
}

func (a *loggerAdapter) Info(msg string, fields ...logging.Field) {
	a.l.Info(msg, convertFields(fields)...)
}

func (a *loggerAdapter) Warn(msg string, fields ...logging.Field) {
	a.l.Warn(msg, convertFields(fields)...)
}

func (a *loggerAdapter) Error(msg string, fields ...logging.Field) {
	a.l.Error(msg, convertFields(fields)...)
}

func convertFields(fields []logging.Field) []LogField {
	result := make([]LogField, len(fields))
	for i, f := range fields {
		result[i] = LogField{Key: f.Key, Value: f.Value}
	}
	return result
}
