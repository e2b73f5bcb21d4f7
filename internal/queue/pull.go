//go:build unix

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vnykmshr/fileq/internal/format"
	"github.com/vnykmshr/fileq/internal/logging"
)

// Outcome is what became of a pulled message.
type Outcome int

const (
	// OutcomePending means the message has not been resolved yet.
	OutcomePending Outcome = iota
	// OutcomeProcessed means the handler succeeded before the deadline.
	OutcomeProcessed
	// OutcomeRetried means a copy was pushed for another attempt.
	OutcomeRetried
	// OutcomeDeadLettered means the message exhausted its attempts and was
	// written to the dead-letter queue.
	OutcomeDeadLettered
	// OutcomeDropped means the message exhausted its attempts on a topic
	// without a dead-letter queue.
	OutcomeDropped
	// OutcomeDeleted means the message was deleted while in process.
	OutcomeDeleted
	// OutcomeRequeued means a dead letter was moved back into the queue.
	OutcomeRequeued
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeProcessed:
		return "processed"
	case OutcomeRetried:
		return "retried"
	case OutcomeDeadLettered:
		return "dead-lettered"
	case OutcomeDropped:
		return "dropped"
	case OutcomeDeleted:
		return "deleted"
	case OutcomeRequeued:
		return "requeued"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Message is a pulled message and what became of it.
type Message struct {
	// ID is the offset of the record in the topic file.
	ID uint64

	// Payload is the message body.
	Payload []byte

	// Attempt is the 1-based delivery attempt.
	Attempt int

	// Outcome is set once Pull has resolved the message.
	Outcome Outcome

	// NextID is the id of the retry copy (OutcomeRetried), the dead-letter
	// record (OutcomeDeadLettered) or the requeued record (OutcomeRequeued).
	NextID uint64

	// Err is the handler error, or the context error on timeout.
	Err error
}

// statusOffset returns the offset of the message's status field.
func (m *Message) statusOffset() uint64 {
	return m.ID + format.IntWidth + uint64(len(m.Payload))
}

// Pull takes the next message off the topic and runs the handler on it,
// waiting at most ProcessingTimeout. It returns nil when nothing is waiting
// or the next record was deleted.
//
// Handler failure and timeout do not fail Pull: the message is pushed again
// until MaxRetries attempts were made, then dead-lettered. The returned
// message reports the outcome.
func (s *Service) Pull(ctx context.Context) (*Message, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	msg, err := s.checkout()
	if err != nil {
		s.opts.MetricsCollector.RecordPullError()
		s.opts.Logger.Error("pull failed", logging.F("topic", s.topic), logging.Err(err))
		return nil, fmt.Errorf("failed to pull: %w", err)
	}
	if msg == nil {
		return nil, nil
	}

	s.opts.MetricsCollector.RecordPull(len(msg.Payload))

	if err := s.process(ctx, msg); err != nil {
		s.opts.MetricsCollector.RecordPullError()
		s.opts.Logger.Error("failed to resolve pulled message",
			logging.F("topic", s.topic),
			logging.F("msg_id", msg.ID),
			logging.Err(err),
		)
		return nil, err
	}
	return msg, nil
}

// checkout advances the pull cursor past the next record and marks it in
// process. It returns nil when the cursors meet or the record was deleted.
func (s *Service) checkout() (*Message, error) {
	var msg *Message

	err := s.main.WithLock(func() error {
		pull, push, err := readCursors(s.main)
		if err != nil {
			return err
		}
		if pull == push {
			return nil
		}

		rec, err := readRecord(s.main, pull, push)
		if err != nil {
			return err
		}
		if err := s.main.WriteIntAt(format.PullCursorOffset, rec.Next()); err != nil {
			return fmt.Errorf("failed to advance pull cursor: %w", err)
		}

		if rec.Status != format.StatusUnprocessed {
			s.opts.MetricsCollector.RecordSkip()
			s.opts.Logger.Debug("skipping record",
				logging.F("topic", s.topic),
				logging.F("msg_id", rec.Offset),
				logging.F("status", rec.Status.String()),
			)
			return nil
		}

		if err := s.main.WriteStatusAt(rec.StatusOffset(), format.StatusInProcess); err != nil {
			return fmt.Errorf("failed to mark message in process: %w", err)
		}

		attempts, err := s.retries.Attempts(rec.Offset)
		if err != nil {
			return err
		}

		msg = &Message{ID: rec.Offset, Payload: rec.Payload, Attempt: attempts + 1}
		return nil
	})

	return msg, err
}

// process runs the handler outside the topic lock and records the outcome.
func (s *Service) process(ctx context.Context, msg *Message) error {
	start := time.Now()

	pctx, cancel := context.WithTimeout(ctx, s.opts.ProcessingTimeout)
	defer cancel()

	// The handler may outlive this call; it gets its own copy.
	handed := &Message{
		ID:      msg.ID,
		Payload: append([]byte(nil), msg.Payload...),
		Attempt: msg.Attempt,
	}

	err := s.worker.submit(pctx, handed)
	if err == nil {
		s.opts.MetricsCollector.RecordProcessed(time.Since(start))
		return s.complete(msg)
	}

	msg.Err = err
	reason := err.Error()
	if errors.Is(err, context.DeadlineExceeded) && pctx.Err() != nil {
		s.opts.MetricsCollector.RecordTimeout()
		reason = fmt.Sprintf("processing timed out after %v", s.opts.ProcessingTimeout)
	} else {
		s.opts.MetricsCollector.RecordFailure()
	}

	s.opts.Logger.Warn("message processing failed",
		logging.F("topic", s.topic),
		logging.F("msg_id", msg.ID),
		logging.F("attempt", msg.Attempt),
		logging.F("reason", reason),
	)

	return s.main.WithLock(func() error {
		st, err := s.main.ReadStatusAt(msg.statusOffset())
		if err != nil {
			return err
		}
		if st != format.StatusInProcess {
			// Deleted, or redelivered by the watchdog, while the handler ran.
			msg.Outcome = OutcomeDeleted
			return nil
		}

		rec := &format.Record{Offset: msg.ID, Payload: msg.Payload, Status: st}
		msg.Outcome, msg.NextID, err = s.resolveFailure(rec, reason)
		return err
	})
}

// complete marks a successfully processed message PROCESSED.
func (s *Service) complete(msg *Message) error {
	off := msg.statusOffset()

	// Only a retried message has attempt state to clear, which needs the
	// whole-file lock; otherwise the status bytes alone are locked.
	lock := func(fn func() error) error {
		return s.main.WithRangeLock(off, format.StatusWidth, fn)
	}
	if msg.Attempt > 1 {
		lock = s.main.WithLock
	}

	return lock(func() error {
		st, err := s.main.ReadStatusAt(off)
		if err != nil {
			return err
		}
		if !format.CanTransition(st, format.StatusProcessed) {
			msg.Outcome = OutcomeDeleted
			return nil
		}
		if err := s.main.WriteStatusAt(off, format.StatusProcessed); err != nil {
			return fmt.Errorf("failed to mark message processed: %w", err)
		}
		msg.Outcome = OutcomeProcessed

		if msg.Attempt > 1 {
			return s.retries.Forget(msg.ID)
		}
		return nil
	})
}

// resolveFailure records a failed attempt of an in-process record. It pushes
// a copy while attempts remain, otherwise dead-letters it, and marks the
// original DELETED. The attempt is only persisted once the copy or dead
// letter exists. Callers hold the main file lock.
func (s *Service) resolveFailure(rec *format.Record, reason string) (Outcome, uint64, error) {
	failed, err := s.retries.Attempts(rec.Offset)
	if err != nil {
		return OutcomePending, 0, err
	}
	attempts := failed + 1

	outcome := OutcomePending
	var next uint64

	if !s.retries.Exceeded(attempts) {
		next, err = appendRecord(s.main, rec.Payload)
		switch {
		case err == nil:
			if _, err := s.retries.Fail(rec.Offset, next, sanitizeFailureReason(reason)); err != nil {
				// An untracked copy would restart the attempt count.
				copied := &format.Record{Offset: next, Payload: rec.Payload}
				_ = s.main.WriteStatusAt(copied.StatusOffset(), format.StatusDeleted)
				return OutcomePending, 0, err
			}
			outcome = OutcomeRetried
			s.opts.MetricsCollector.RecordRetry()
			s.opts.Logger.Info("message requeued for retry",
				logging.F("topic", s.topic),
				logging.F("msg_id", rec.Offset),
				logging.F("retry_id", next),
				logging.F("attempts", attempts),
			)
		case errors.Is(err, ErrCapacityExceeded):
			s.opts.Logger.Warn("no room to retry message, dead-lettering",
				logging.F("topic", s.topic),
				logging.F("msg_id", rec.Offset),
			)
		default:
			return OutcomePending, 0, err
		}
	}

	if outcome == OutcomePending {
		outcome, next, err = s.deadLetter(rec, attempts, reason)
		if err != nil {
			return OutcomePending, 0, err
		}
		if err := s.retries.Forget(rec.Offset); err != nil {
			return OutcomePending, 0, err
		}
	}

	if err := s.main.WriteStatusAt(rec.StatusOffset(), format.StatusDeleted); err != nil {
		return OutcomePending, 0, fmt.Errorf("failed to retire message: %w", err)
	}
	return outcome, next, nil
}
