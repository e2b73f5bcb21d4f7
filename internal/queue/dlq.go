//go:build unix

package queue

import (
	"fmt"

	"github.com/vnykmshr/fileq/internal/format"
	"github.com/vnykmshr/fileq/internal/logging"
	"github.com/vnykmshr/fileq/internal/storage"
)

// deadLetter writes the payload of rec verbatim to the dead-letter queue, or
// drops it when the topic has none. Callers hold the main file lock; the
// dead-letter lock is always taken second.
func (s *Service) deadLetter(rec *format.Record, attempts int, reason string) (Outcome, uint64, error) {
	if s.dlq == nil {
		s.opts.Logger.Warn("message exceeded max retries, dropping",
			logging.F("topic", s.topic),
			logging.F("msg_id", rec.Offset),
			logging.F("attempts", attempts),
			logging.F("reason", sanitizeFailureReason(reason)),
		)
		return OutcomeDropped, 0, nil
	}

	var id uint64
	err := s.dlq.WithLock(func() error {
		var err error
		id, err = appendRecord(s.dlq, rec.Payload)
		return err
	})
	if err != nil {
		return OutcomePending, 0, fmt.Errorf("failed to enqueue message to DLQ: %w", err)
	}

	s.opts.MetricsCollector.RecordDeadLetter()
	s.opts.Logger.Info("message exceeded max retries, moving to DLQ",
		logging.F("topic", s.topic),
		logging.F("msg_id", rec.Offset),
		logging.F("dlq_id", id),
		logging.F("attempts", attempts),
		logging.F("reason", sanitizeFailureReason(reason)),
	)
	return OutcomeDeadLettered, id, nil
}

// DeadLetters returns up to limit dead letters waiting at the dead-letter
// pull cursor, without consuming them (0 = all).
func (s *Service) DeadLetters(limit int) ([]*format.Record, error) {
	if err := s.checkDeadLetter(); err != nil {
		return nil, err
	}

	var out []*format.Record
	err := s.dlq.WithLock(func() error {
		pull, push, err := readCursors(s.dlq)
		if err != nil {
			return err
		}
		for at := pull; at < push; {
			rec, err := readRecord(s.dlq, at, push)
			if err != nil {
				return err
			}
			at = rec.Next()

			if rec.Status != format.StatusUnprocessed {
				continue
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// PullDeadLetter takes the next dead letter off the dead-letter queue and
// marks it PROCESSED. It returns nil when the dead-letter queue is drained.
func (s *Service) PullDeadLetter() (*Message, error) {
	if err := s.checkDeadLetter(); err != nil {
		return nil, err
	}

	var msg *Message
	err := s.dlq.WithLock(func() error {
		rec, err := nextDeadLetter(s.dlq)
		if err != nil || rec == nil {
			return err
		}
		for _, st := range []format.Status{format.StatusInProcess, format.StatusProcessed} {
			if err := s.dlq.WriteStatusAt(rec.StatusOffset(), st); err != nil {
				return err
			}
		}
		msg = &Message{ID: rec.Offset, Payload: rec.Payload, Outcome: OutcomeProcessed}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to pull dead letter: %w", err)
	}
	return msg, nil
}

// RequeueDeadLetter moves the next dead letter back onto the main queue with
// a fresh attempt budget. The returned message carries the new id in NextID.
// It returns nil when the dead-letter queue is drained.
func (s *Service) RequeueDeadLetter() (*Message, error) {
	if err := s.checkDeadLetter(); err != nil {
		return nil, err
	}

	var msg *Message
	err := s.main.WithLock(func() error {
		return s.dlq.WithLock(func() error {
			rec, err := nextDeadLetter(s.dlq)
			if err != nil || rec == nil {
				return err
			}

			id, err := appendRecord(s.main, rec.Payload)
			if err != nil {
				return err
			}
			if err := s.dlq.WriteStatusAt(rec.StatusOffset(), format.StatusDeleted); err != nil {
				return err
			}

			msg = &Message{ID: rec.Offset, Payload: rec.Payload, Outcome: OutcomeRequeued, NextID: id}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to requeue dead letter: %w", err)
	}

	if msg != nil {
		s.opts.MetricsCollector.RecordRequeue()
		s.opts.Logger.Info("dead letter requeued",
			logging.F("topic", s.topic),
			logging.F("dlq_id", msg.ID),
			logging.F("msg_id", msg.NextID),
		)
	}
	return msg, nil
}

// nextDeadLetter advances the pull cursor of st past the next undelivered
// record and returns it, or nil when the cursors meet. Callers hold the lock
// of st.
func nextDeadLetter(st *storage.Storage) (*format.Record, error) {
	pull, push, err := readCursors(st)
	if err != nil {
		return nil, err
	}

	for pull < push {
		rec, err := readRecord(st, pull, push)
		if err != nil {
			return nil, err
		}
		pull = rec.Next()
		if err := st.WriteIntAt(format.PullCursorOffset, pull); err != nil {
			return nil, fmt.Errorf("failed to advance pull cursor: %w", err)
		}
		if rec.Status == format.StatusUnprocessed {
			return rec, nil
		}
	}
	return nil, nil
}

func (s *Service) checkDeadLetter() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.dlq == nil {
		return ErrDeadLetterDisabled
	}
	return nil
}
