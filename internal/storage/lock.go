//go:build unix

package storage

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// Lock acquires an exclusive lock over the whole file, blocking until it is free.
func (s *Storage) Lock() error {
	return s.lock(0, 0, true)
}

// TryLock acquires an exclusive lock over the whole file without blocking.
// Returns ErrLockBusy if another holder has it.
func (s *Storage) TryLock() error {
	return s.lock(0, 0, false)
}

// LockRange acquires an exclusive lock over [at, at+n), blocking until it is free.
func (s *Storage) LockRange(at, n uint64) error {
	if n == 0 {
		return fmt.Errorf("lock range length must be > 0")
	}
	return s.lock(int64(at), int64(n), true) //nolint:gosec // G115: bounded by maxMapSize
}

// TryLockRange acquires an exclusive lock over [at, at+n) without blocking.
// Returns ErrLockBusy if another holder has an overlapping lock.
func (s *Storage) TryLockRange(at, n uint64) error {
	if n == 0 {
		return fmt.Errorf("lock range length must be > 0")
	}
	return s.lock(int64(at), int64(n), false) //nolint:gosec // G115: bounded by maxMapSize
}

// Unlock releases the lock held by this instance.
func (s *Storage) Unlock() error {
	r := s.held
	if r == nil {
		return ErrNotLocked
	}
	s.held = nil

	var err error
	if !s.closed.Load() {
		err = osUnlock(s, r.start, r.length)
	}
	s.mu.Unlock()
	return err
}

// WithLock runs fn while holding the whole-file lock.
// The lock is released on every return path, including a panic in fn.
func (s *Storage) WithLock(fn func() error) (err error) {
	if err := s.Lock(); err != nil {
		return err
	}
	defer func() {
		if uerr := s.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}()
	return fn()
}

// WithTryLock is WithLock without blocking; it returns ErrLockBusy on contention.
func (s *Storage) WithTryLock(fn func() error) (err error) {
	if err := s.TryLock(); err != nil {
		return err
	}
	defer func() {
		if uerr := s.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}()
	return fn()
}

// WithRangeLock runs fn while holding a lock over [at, at+n).
func (s *Storage) WithRangeLock(at, n uint64, fn func() error) (err error) {
	if err := s.LockRange(at, n); err != nil {
		return err
	}
	defer func() {
		if uerr := s.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}()
	return fn()
}

func (s *Storage) lock(start, length int64, wait bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if wait {
		s.mu.Lock()
	} else if !s.mu.TryLock() {
		return ErrLockBusy
	}

	if err := osLock(s, start, length, wait); err != nil {
		s.mu.Unlock()
		return err
	}

	s.held = &lockRange{start: start, length: length}
	return nil
}

// fcntlLock applies a POSIX record lock command, retrying on EINTR.
func fcntlLock(fd uintptr, cmd int, typ int16, start, length int64) error {
	lk := unix.Flock_t{
		Type:   typ,
		Whence: io.SeekStart,
		Start:  start,
		Len:    length,
	}

	for {
		err := unix.FcntlFlock(fd, cmd, &lk)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EACCES):
			return ErrLockBusy
		default:
			return fmt.Errorf("fcntl lock [%d,+%d): %w", start, length, err)
		}
	}
}
