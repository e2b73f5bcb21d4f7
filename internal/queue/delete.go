//go:build unix

package queue

import (
	"fmt"

	"github.com/vnykmshr/fileq/internal/format"
	"github.com/vnykmshr/fileq/internal/logging"
)

// Delete marks a message DELETED so Pull skips it. Deleting a processed
// message fails with ErrAlreadyDelivered; deleting a deleted message is a
// no-op. An id that is not the start of a pushed record fails with
// ErrInvalidID.
func (s *Service) Delete(id uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var deleted bool
	err := s.main.WithLock(func() error {
		rec, err := locate(s.main, id)
		if err != nil {
			return err
		}

		switch rec.Status {
		case format.StatusDeleted:
			return nil
		case format.StatusProcessed:
			return fmt.Errorf("%w: message %d", ErrAlreadyDelivered, id)
		}

		if err := s.main.WriteStatusAt(rec.StatusOffset(), format.StatusDeleted); err != nil {
			return fmt.Errorf("failed to mark message deleted: %w", err)
		}
		deleted = true
		return nil
	})
	if err != nil {
		return err
	}

	if deleted {
		s.opts.MetricsCollector.RecordDelete()
		s.opts.Logger.Debug("message deleted",
			logging.F("topic", s.topic),
			logging.F("msg_id", id),
		)
	}
	return nil
}

// Get returns the record with the given id.
func (s *Service) Get(id uint64) (*format.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var rec *format.Record
	err := s.main.WithLock(func() error {
		var err error
		rec, err = locate(s.main, id)
		return err
	})
	return rec, err
}

// ResetInFlight redelivers a message stuck IN_PROCESS: it counts as a failed
// attempt, so a copy is pushed while attempts remain and the message is
// dead-lettered otherwise. The original is marked DELETED, since the pull
// cursor has already passed it. Returns the outcome and the id of the copy or
// dead letter.
func (s *Service) ResetInFlight(id uint64) (Outcome, uint64, error) {
	if err := s.checkOpen(); err != nil {
		return OutcomePending, 0, err
	}

	outcome := OutcomePending
	var next uint64

	err := s.main.WithLock(func() error {
		rec, err := locate(s.main, id)
		if err != nil {
			return err
		}
		if rec.Status != format.StatusInProcess {
			return fmt.Errorf("%w: message %d is %s", ErrNotInFlight, id, rec.Status)
		}

		outcome, next, err = s.resolveFailure(rec, "stuck in process")
		return err
	})
	if err != nil {
		return OutcomePending, 0, err
	}

	s.opts.MetricsCollector.RecordRequeue()
	s.opts.Logger.Info("in-flight message reset",
		logging.F("topic", s.topic),
		logging.F("msg_id", id),
		logging.F("outcome", outcome.String()),
		logging.F("next_id", next),
	)
	return outcome, next, nil
}
