//go:build unix && !linux

package storage

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Classic POSIX record locks are owned by the process: they do not exclude
// other descriptors of the same process. A process-wide guard per file path
// provides that exclusion. Ranges are coarsened to the whole file in-process.
var processLocks = struct {
	sync.Mutex
	guards map[string]*sync.Mutex
}{guards: make(map[string]*sync.Mutex)}

func processGuard(path string) *sync.Mutex {
	processLocks.Lock()
	defer processLocks.Unlock()

	g, ok := processLocks.guards[path]
	if !ok {
		g = &sync.Mutex{}
		processLocks.guards[path] = g
	}
	return g
}

func osLock(s *Storage, start, length int64, wait bool) error {
	g := processGuard(s.path)
	if wait {
		g.Lock()
	} else if !g.TryLock() {
		return ErrLockBusy
	}

	cmd := unix.F_SETLK
	if wait {
		cmd = unix.F_SETLKW
	}
	if err := fcntlLock(s.file.Fd(), cmd, unix.F_WRLCK, start, length); err != nil {
		g.Unlock()
		return err
	}
	return nil
}

func osUnlock(s *Storage, start, length int64) error {
	err := fcntlLock(s.file.Fd(), unix.F_SETLK, unix.F_UNLCK, start, length)
	processGuard(s.path).Unlock()
	return err
}

// forgetFile releases the in-process guard of a storage destroyed while locked.
func forgetFile(s *Storage) {
	if s.held != nil {
		processGuard(s.path).Unlock()
	}
}
