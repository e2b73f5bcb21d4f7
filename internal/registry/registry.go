//go:build unix

// Package registry records the topics of a queue directory in a shared,
// append-only file so that a watchdog can find them.
//
// The registry file holds a 64-byte header whose second half is the append
// cursor, followed by length-prefixed topic names. It is only ever appended
// to, under the file lock.
package registry

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/vnykmshr/fileq/internal/format"
	"github.com/vnykmshr/fileq/internal/storage"
)

const (
	// FileName is the registry file inside a queue directory.
	FileName = ".registry.queue"

	// GuardFileName is the lock file a running watchdog holds.
	GuardFileName = ".watchdog.lock"

	// Capacity is the size of the registry file.
	Capacity = 1 << 20

	// cursorOffset is where the append cursor lives in the header.
	cursorOffset = format.PushCursorOffset
)

// ErrGuardHeld indicates another watchdog already monitors the directory.
var ErrGuardHeld = errors.New("registry: directory already monitored")

// Path returns the registry file of dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Register adds topic to the registry of dir unless it is already listed.
func Register(dir, topic string) error {
	if topic == "" {
		return fmt.Errorf("registry: empty topic name")
	}

	return withRegistry(dir, func(st *storage.Storage, end uint64) error {
		names, err := readNames(st, end)
		if err != nil {
			return err
		}
		for _, name := range names {
			if name == topic {
				return nil
			}
		}

		if end+format.IntWidth+uint64(len(topic)) > st.Capacity() {
			return fmt.Errorf("registry full: %w", storage.ErrCapacityExceeded)
		}
		if err := st.WriteStringAt(end, []byte(topic)); err != nil {
			return fmt.Errorf("failed to append topic: %w", err)
		}
		return st.WriteIntAt(cursorOffset, st.Position())
	})
}

// Topics returns the registered topics of dir in registration order.
func Topics(dir string) ([]string, error) {
	var names []string
	err := withRegistry(dir, func(st *storage.Storage, end uint64) error {
		var err error
		names, err = readNames(st, end)
		return err
	})
	return names, err
}

// withRegistry maps the registry of dir, initializes its header once and
// runs fn under the file lock with the current append cursor.
func withRegistry(dir string, fn func(st *storage.Storage, end uint64) error) error {
	st, err := storage.Open(Path(dir), Capacity)
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}

	err = st.WithLock(func() error {
		fresh, err := st.IsZero(0, format.HeaderSize)
		if err != nil {
			return err
		}
		if fresh {
			if err := st.WriteIntAt(cursorOffset, format.HeaderSize); err != nil {
				return fmt.Errorf("failed to initialize registry: %w", err)
			}
		}

		end, err := st.ReadIntAt(cursorOffset)
		if err != nil {
			return fmt.Errorf("corrupt registry header: %w", err)
		}
		if end < format.HeaderSize || end > st.Capacity() {
			return fmt.Errorf("corrupt registry header: cursor %d", end)
		}
		return fn(st, end)
	})

	if derr := st.Destroy(); derr != nil && err == nil {
		err = derr
	}
	return err
}

func readNames(st *storage.Storage, end uint64) ([]string, error) {
	var names []string
	for at := uint64(format.HeaderSize); at < end; {
		name, err := st.ReadStringAt(at)
		if err != nil {
			return nil, fmt.Errorf("registry entry at %d: %w", at, err)
		}
		names = append(names, string(name))
		at = st.Position()
	}
	return names, nil
}

// Guard is held by the one watchdog allowed to monitor a directory.
type Guard struct {
	st *storage.Storage
}

// AcquireGuard takes the watchdog lock of dir without blocking. It returns
// ErrGuardHeld while another watchdog, in any process, holds it.
func AcquireGuard(dir string) (*Guard, error) {
	st, err := storage.Open(filepath.Join(dir, GuardFileName), format.BoolWidth)
	if err != nil {
		return nil, fmt.Errorf("failed to open watchdog lock: %w", err)
	}

	if err := st.TryLock(); err != nil {
		_ = st.Destroy()
		if errors.Is(err, storage.ErrLockBusy) {
			return nil, ErrGuardHeld
		}
		return nil, err
	}
	return &Guard{st: st}, nil
}

// Release gives the watchdog lock up.
func (g *Guard) Release() error {
	err := g.st.Unlock()
	if derr := g.st.Destroy(); derr != nil && err == nil {
		err = derr
	}
	return err
}
