//go:build unix

package queue

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// checkDiskSpace checks if sufficient disk space is available in the given directory.
// Returns an error if free space is below the configured minimum.
func checkDiskSpace(dir string, minFreeSpace int64) error {
	if minFreeSpace == 0 {
		return nil // Disk space checking disabled
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return fmt.Errorf("failed to check disk space: %w", err)
	}

	// Available blocks * block size = available bytes
	availableBytes := int64(stat.Bavail * uint64(stat.Bsize)) //nolint:gosec,unconvert // G115: Bsize type differs per platform

	if availableBytes < minFreeSpace {
		return fmt.Errorf("insufficient disk space: %d bytes available, %d bytes required",
			availableBytes, minFreeSpace)
	}

	return nil
}
