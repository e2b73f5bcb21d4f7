//go:build unix

package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/vnykmshr/fileq/internal/logging"
)

// Push appends payload to the topic, blocking until the topic lock is free,
// and returns the message id.
func (s *Service) Push(payload []byte) (uint64, error) {
	return s.push(payload, true)
}

// TryPush is Push without blocking. It returns ErrLockBusy when another
// holder has the topic locked; the caller retries later.
func (s *Service) TryPush(payload []byte) (uint64, error) {
	return s.push(payload, false)
}

func (s *Service) push(payload []byte, wait bool) (uint64, error) {
	start := time.Now()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if err := validateMessageSize(payload, s.opts.MaxMessageSize); err != nil {
		s.opts.MetricsCollector.RecordPushError()
		return 0, err
	}

	lock := s.main.WithLock
	if !wait {
		lock = s.main.WithTryLock
	}

	var id uint64
	err := lock(func() error {
		var err error
		id, err = appendRecord(s.main, payload)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrLockBusy) {
			s.opts.MetricsCollector.RecordLockBusy()
			return 0, err
		}
		s.opts.MetricsCollector.RecordPushError()
		s.opts.Logger.Error("push failed",
			logging.F("topic", s.topic),
			logging.F("size", len(payload)),
			logging.Err(err),
		)
		return 0, fmt.Errorf("failed to push: %w", err)
	}

	s.opts.MetricsCollector.RecordPush(len(payload), time.Since(start))
	s.opts.Logger.Debug("message pushed",
		logging.F("topic", s.topic),
		logging.F("msg_id", id),
		logging.F("size", len(payload)),
	)
	return id, nil
}

// MarkProducerDone records that no further pushes will occur.
// HasAllMessagesConsumed stays false until this is called.
func (s *Service) MarkProducerDone() error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	err := s.flag.WithLock(func() error {
		return s.flag.WriteBoolAt(0, true)
	})
	if err != nil {
		return fmt.Errorf("failed to mark producer done: %w", err)
	}

	s.opts.Logger.Info("producer marked done", logging.F("topic", s.topic))
	return nil
}

// ProducerDone reports whether MarkProducerDone has been called.
func (s *Service) ProducerDone() (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	var done bool
	err := s.flag.WithLock(func() error {
		var err error
		done, err = s.flag.ReadBoolAt(0)
		return err
	})
	return done, err
}

// HasAllMessagesConsumed reports whether the producer marked itself done and
// the pull cursor has caught up with the push cursor.
func (s *Service) HasAllMessagesConsumed() (bool, error) {
	done, err := s.ProducerDone()
	if err != nil || !done {
		return false, err
	}

	var pull, push uint64
	err = s.main.WithLock(func() error {
		var err error
		pull, push, err = readCursors(s.main)
		return err
	})
	if err != nil {
		return false, err
	}
	return pull == push, nil
}
