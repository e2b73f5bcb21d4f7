//go:build unix

package queue

import (
	"fmt"

	"github.com/vnykmshr/fileq/internal/format"
	"github.com/vnykmshr/fileq/internal/storage"
)

// Sync flushes every topic file to disk.
func (s *Service) Sync() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	for _, st := range []*storage.Storage{s.main, s.flag, s.dlq} {
		if st == nil {
			continue
		}
		if err := st.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Stats holds topic statistics.
type Stats struct {
	Topic    string
	Capacity uint64

	// PullCursor and PushCursor are the header cursors of the main file.
	PullCursor uint64
	PushCursor uint64

	// FreeBytes is the room left for records in the main file.
	FreeBytes uint64

	// TotalMessages is the number of records ever pushed, retry copies included.
	TotalMessages uint64

	// PendingMessages is the number of undeleted records the pull cursor has
	// not reached.
	PendingMessages uint64

	// Records per status.
	Unprocessed uint64
	InProcess   uint64
	Processed   uint64
	Deleted     uint64

	// DLQ statistics, populated only when the dead-letter queue is enabled
	DLQMessages        uint64
	DLQPendingMessages uint64

	// RetryTrackedMessages is the number of messages with failed attempts
	RetryTrackedMessages int

	// ProducerDone reports whether the completion flag is set
	ProducerDone bool
}

// Stats returns current topic statistics. It walks every record.
func (s *Service) Stats() (*Stats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	stats := &Stats{Topic: s.topic, Capacity: s.main.Capacity()}

	err := s.main.WithLock(func() error {
		pull, push, err := readCursors(s.main)
		if err != nil {
			return err
		}
		stats.PullCursor, stats.PushCursor = pull, push
		stats.FreeBytes = s.main.Capacity() - push

		if err := walk(s.main, func(rec *format.Record) error {
			stats.TotalMessages++
			switch rec.Status {
			case format.StatusUnprocessed:
				stats.Unprocessed++
			case format.StatusInProcess:
				stats.InProcess++
			case format.StatusProcessed:
				stats.Processed++
			case format.StatusDeleted:
				stats.Deleted++
			}
			if rec.Offset >= pull && rec.Status != format.StatusDeleted {
				stats.PendingMessages++
			}
			return nil
		}); err != nil {
			return err
		}

		stats.RetryTrackedMessages, err = s.retries.Count()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect stats: %w", err)
	}

	if s.dlq != nil {
		err := s.dlq.WithLock(func() error {
			pull, _, err := readCursors(s.dlq)
			if err != nil {
				return err
			}
			return walk(s.dlq, func(rec *format.Record) error {
				stats.DLQMessages++
				if rec.Offset >= pull && rec.Status == format.StatusUnprocessed {
					stats.DLQPendingMessages++
				}
				return nil
			})
		})
		if err != nil {
			return nil, fmt.Errorf("failed to collect dead-letter stats: %w", err)
		}
	}

	if stats.ProducerDone, err = s.ProducerDone(); err != nil {
		return nil, err
	}

	s.opts.MetricsCollector.UpdateQueueState(stats.PendingMessages, stats.PullCursor, stats.PushCursor, stats.DLQPendingMessages)
	return stats, nil
}

// Scan calls fn for every record of the main file in push order while
// holding the topic lock. fn must not call back into the Service.
func (s *Service) Scan(fn func(rec *format.Record) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.main.WithLock(func() error {
		return walk(s.main, fn)
	})
}

// InFlight returns the ids of records marked IN_PROCESS.
func (s *Service) InFlight() ([]uint64, error) {
	var ids []uint64
	err := s.Scan(func(rec *format.Record) error {
		if rec.Status == format.StatusInProcess {
			ids = append(ids, rec.Offset)
		}
		return nil
	})
	return ids, err
}

// walk calls fn for each record in [HeaderSize, push). Callers hold the lock
// of st.
func walk(st *storage.Storage, fn func(rec *format.Record) error) error {
	_, push, err := readCursors(st)
	if err != nil {
		return err
	}
	for at := uint64(format.HeaderSize); at < push; {
		rec, err := readRecord(st, at, push)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		at = rec.Next()
	}
	return nil
}
