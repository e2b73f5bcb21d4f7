//go:build linux

package storage

import "golang.org/x/sys/unix"

// Open file description locks belong to the open file rather than the
// process, so two instances in one process exclude each other and closing one
// instance does not drop the locks of another.

func osLock(s *Storage, start, length int64, wait bool) error {
	cmd := unix.F_OFD_SETLK
	if wait {
		cmd = unix.F_OFD_SETLKW
	}
	return fcntlLock(s.file.Fd(), cmd, unix.F_WRLCK, start, length)
}

func osUnlock(s *Storage, start, length int64) error {
	return fcntlLock(s.file.Fd(), unix.F_OFD_SETLK, unix.F_UNLCK, start, length)
}

func forgetFile(*Storage) {}
