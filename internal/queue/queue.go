//go:build unix

// Package queue implements a persistent, file-backed message queue topic.
//
// A topic is a set of sibling files in one directory:
//   - <topic>.queue: header with pull and push cursors, then message records
//   - <topic>-pushStatus.queue: one-byte producer completion flag
//   - <topic>-dlq.queue: dead-letter records, half the main capacity
//   - <topic>-retry.json: delivery attempt counts of failed messages
//
// Every cursor read and write happens under an exclusive OS file lock, so any
// number of processes can push and pull the same topic. Pulled messages are
// processed outside the lock on one worker per Service, bounded by a
// deadline; failures are retried and finally dead-lettered.
//
// Basic usage:
//
//	opts := queue.DefaultOptions()
//	opts.Handler = func(ctx context.Context, msg *queue.Message) error {
//	    return process(ctx, msg.Payload)
//	}
//
//	s, err := queue.Open("/var/lib/fileq", "orders", opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Shutdown()
//
//	id, err := s.Push([]byte("hello"))
//	msg, err := s.Pull(ctx) // nil when nothing is waiting
package queue

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/vnykmshr/fileq/internal/format"
	"github.com/vnykmshr/fileq/internal/logging"
	"github.com/vnykmshr/fileq/internal/registry"
	"github.com/vnykmshr/fileq/internal/storage"
)

// maxCapacity keeps every offset representable in an IntWidth cursor.
const maxCapacity = math.MaxUint32

var (
	// ErrClosed indicates an operation on a shut down service.
	ErrClosed = errors.New("queue: closed")

	// ErrInvalidID indicates an id that is not the start of a record.
	ErrInvalidID = errors.New("queue: invalid message id")

	// ErrAlreadyDelivered indicates a delete of a processed message.
	ErrAlreadyDelivered = errors.New("queue: message already delivered")

	// ErrNotInFlight indicates a redelivery request for a message that is not in process.
	ErrNotInFlight = errors.New("queue: message not in process")

	// ErrMessageTooLarge indicates a payload above MaxMessageSize.
	ErrMessageTooLarge = errors.New("queue: message too large")

	// ErrDeadLetterDisabled indicates a dead-letter operation on a topic opened without one.
	ErrDeadLetterDisabled = errors.New("queue: dead-letter queue disabled")

	// ErrLockBusy indicates a non-blocking operation found the topic locked.
	ErrLockBusy = storage.ErrLockBusy

	// ErrCapacityExceeded indicates the topic file is full.
	ErrCapacityExceeded = storage.ErrCapacityExceeded
)

// Paths names the files of a topic.
type Paths struct {
	Main       string
	PushStatus string
	DeadLetter string
	Retry      string
}

// TopicPaths returns the file paths of topic inside dir.
func TopicPaths(dir, topic string) Paths {
	return Paths{
		Main:       filepath.Join(dir, topic+".queue"),
		PushStatus: filepath.Join(dir, topic+"-pushStatus.queue"),
		DeadLetter: filepath.Join(dir, topic+"-dlq.queue"),
		Retry:      filepath.Join(dir, topic+"-retry.json"),
	}
}

// Service is one process's handle on a topic.
type Service struct {
	dir   string
	topic string
	paths Paths
	opts  *Options

	main *storage.Storage
	flag *storage.Storage
	dlq  *storage.Storage // nil when dead-lettering is disabled

	retries *RetryTracker
	worker  *worker

	closed atomic.Bool
}

// Open opens or creates topic in dir.
func Open(dir, topic string, opts *Options) (*Service, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	dir, err := validatePath(dir, "queue directory")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	if err := checkDiskSpace(dir, opts.MinFreeDiskSpace); err != nil {
		return nil, err
	}

	s := &Service{
		dir:   dir,
		topic: topic,
		paths: TopicPaths(dir, topic),
		opts:  opts,
	}

	if err := s.openFiles(); err != nil {
		_ = s.destroyFiles()
		return nil, err
	}

	if opts.Register {
		if err := registry.Register(dir, topic); err != nil {
			_ = s.destroyFiles()
			return nil, fmt.Errorf("failed to register topic: %w", err)
		}
	}

	s.worker = newWorker(opts.Handler)

	opts.Logger.Info("topic opened",
		logging.F("topic", topic),
		logging.F("dir", dir),
		logging.F("capacity", opts.Capacity),
		logging.F("dead_letter", s.dlq != nil),
	)

	return s, nil
}

func (s *Service) openFiles() error {
	var err error

	// Capacity is fixed when a topic is created; reopening with another
	// value must not resize files other processes have mapped.
	if s.opts.Capacity, err = createdCapacity(s.paths.Main, s.opts.Capacity); err != nil {
		return err
	}
	s.main, err = storage.Open(s.paths.Main, s.opts.Capacity)
	if err != nil {
		return fmt.Errorf("failed to open topic file: %w", err)
	}
	if err := initHeader(s.main); err != nil {
		return fmt.Errorf("topic file: %w", err)
	}

	s.flag, err = storage.Open(s.paths.PushStatus, format.BoolWidth)
	if err != nil {
		return fmt.Errorf("failed to open push status file: %w", err)
	}

	if !s.opts.DisableDeadLetter {
		capacity, err := createdCapacity(s.paths.DeadLetter, s.opts.Capacity/2)
		if err != nil {
			return err
		}
		s.dlq, err = storage.Open(s.paths.DeadLetter, capacity)
		if err != nil {
			return fmt.Errorf("failed to open dead-letter file: %w", err)
		}
		if err := initHeader(s.dlq); err != nil {
			return fmt.Errorf("dead-letter file: %w", err)
		}
	}

	s.retries, err = NewRetryTracker(s.paths.Retry, s.opts.MaxRetries)
	if err != nil {
		return err
	}
	return nil
}

// createdCapacity returns the size of the file at path, or capacity when the
// file does not exist yet or is empty.
func createdCapacity(path string, capacity uint64) (uint64, error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return capacity, nil
	case err != nil:
		return 0, fmt.Errorf("failed to stat %s: %w", filepath.Base(path), err)
	case info.Size() == 0:
		return capacity, nil
	}
	return uint64(info.Size()), nil //nolint:gosec // G115: size is positive
}

// initHeader writes both cursors once, when the header bytes were never
// written. An existing header is checked against the mapped capacity.
func initHeader(st *storage.Storage) error {
	return st.WithLock(func() error {
		fresh, err := st.IsZero(0, format.HeaderSize)
		if err != nil {
			return err
		}
		if fresh {
			if err := st.WriteIntAt(format.PullCursorOffset, format.HeaderSize); err != nil {
				return err
			}
			return st.WriteIntAt(format.PushCursorOffset, format.HeaderSize)
		}

		pull, push, err := readCursors(st)
		if err != nil {
			return fmt.Errorf("corrupt header: %w", err)
		}
		if pull < format.HeaderSize || pull > push {
			return fmt.Errorf("corrupt header: pull cursor %d, push cursor %d", pull, push)
		}
		if push > st.Capacity() {
			return fmt.Errorf("corrupt header: push cursor %d beyond file size %d", push, st.Capacity())
		}
		return nil
	})
}

// Topic returns the topic name.
func (s *Service) Topic() string {
	return s.topic
}

// Dir returns the directory holding the topic files.
func (s *Service) Dir() string {
	return s.dir
}

// Paths returns the topic's file paths.
func (s *Service) Paths() Paths {
	return s.paths
}

// Shutdown stops the worker and unmaps every topic file. The files persist
// and the topic can be reopened. Calling Shutdown more than once returns
// ErrClosed.
func (s *Service) Shutdown() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	s.worker.stop(s.opts.ProcessingTimeout)
	err := s.destroyFiles()

	s.opts.Logger.Info("topic closed", logging.F("topic", s.topic))
	return err
}

func (s *Service) destroyFiles() error {
	var errs []error
	for _, st := range []*storage.Storage{s.main, s.flag, s.dlq} {
		if st == nil {
			continue
		}
		if err := st.Destroy(); err != nil && !errors.Is(err, storage.ErrClosed) {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(st.Path()), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// readCursors reads the pull and push cursors. Callers hold the file lock.
func readCursors(st *storage.Storage) (pull, push uint64, err error) {
	pull, err = st.ReadIntAt(format.PullCursorOffset)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read pull cursor: %w", err)
	}
	push, err = st.ReadIntAt(format.PushCursorOffset)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read push cursor: %w", err)
	}
	return pull, push, nil
}

// readRecord reads the record starting at at, which must lie below end.
// Callers hold the file lock.
func readRecord(st *storage.Storage, at, end uint64) (*format.Record, error) {
	payload, err := st.ReadStringAt(at)
	if err != nil {
		return nil, fmt.Errorf("record at %d: %w", at, err)
	}
	rec := &format.Record{Offset: at, Payload: payload}
	if rec.Next() > end {
		return nil, fmt.Errorf("record at %d: %w: extends past %d", at, format.ErrMalformed, end)
	}

	// The status field follows the payload at the current position.
	rec.Status, err = st.ReadStatus()
	if err != nil {
		return nil, fmt.Errorf("record at %d: %w", at, err)
	}
	return rec, nil
}

// appendRecord writes an UNPROCESSED record at the push cursor and advances
// it. Nothing is written when the record does not fit. Callers hold the file
// lock.
func appendRecord(st *storage.Storage, payload []byte) (uint64, error) {
	push, err := st.ReadIntAt(format.PushCursorOffset)
	if err != nil {
		return 0, fmt.Errorf("failed to read push cursor: %w", err)
	}

	next := push + format.RecordSize(len(payload))
	if next > st.Capacity() {
		return 0, fmt.Errorf("%w: record of %d bytes at %d (capacity %d)",
			ErrCapacityExceeded, format.RecordSize(len(payload)), push, st.Capacity())
	}

	if err := st.WriteStringAt(push, payload); err != nil {
		return 0, fmt.Errorf("failed to write record: %w", err)
	}
	if err := st.WriteStatus(format.StatusUnprocessed); err != nil {
		return 0, fmt.Errorf("failed to write record status: %w", err)
	}
	if err := st.WriteIntAt(format.PushCursorOffset, next); err != nil {
		return 0, fmt.Errorf("failed to advance push cursor: %w", err)
	}
	return push, nil
}

// locate validates that id is the start of a record below the push cursor
// and returns it. Callers hold the file lock.
func locate(st *storage.Storage, id uint64) (*format.Record, error) {
	_, push, err := readCursors(st)
	if err != nil {
		return nil, err
	}
	if id < format.HeaderSize || id >= push {
		return nil, fmt.Errorf("%w: %d outside [%d, %d)", ErrInvalidID, id, format.HeaderSize, push)
	}

	// Walk record boundaries; ids are only ever record starts.
	at := uint64(format.HeaderSize)
	for at < id {
		n, err := st.ReadIntAt(at)
		if err != nil {
			return nil, fmt.Errorf("failed to walk records at %d: %w", at, err)
		}
		at += format.RecordSize(int(n)) //nolint:gosec // G115: n < capacity
	}
	if at != id {
		return nil, fmt.Errorf("%w: %d is not a record boundary", ErrInvalidID, id)
	}

	rec, err := readRecord(st, id, push)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return rec, nil
}
