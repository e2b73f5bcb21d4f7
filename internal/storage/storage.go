//go:build unix

// Package storage provides durable random-access byte storage over a single
// memory-mapped file.
//
// A Storage maps a fixed number of bytes of its backing file read-write and
// shared, so every process that opens the same file sees the same bytes.
// Values are read and written through the codec in the format package, either
// at an explicit offset or at the storage's current position. Exclusive,
// advisory, OS-level locks over the whole file or a byte range coordinate
// independent processes.
package storage

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/vnykmshr/fileq/internal/format"
)

var (
	// ErrCapacityExceeded indicates a write past the mapped capacity.
	ErrCapacityExceeded = errors.New("storage: capacity exceeded")

	// ErrOutOfRange indicates a read past the mapped capacity.
	ErrOutOfRange = errors.New("storage: offset out of range")

	// ErrLockBusy indicates a non-blocking lock attempt found the file held elsewhere.
	ErrLockBusy = errors.New("storage: lock busy, retry later")

	// ErrNotLocked indicates an unlock without a matching lock.
	ErrNotLocked = errors.New("storage: not locked")

	// ErrClosed indicates an operation on a destroyed storage.
	ErrClosed = errors.New("storage: closed")
)

// maxMapSize is the largest capacity whose offsets fit an IntWidth cursor.
const maxMapSize = math.MaxUint32

// Storage is one memory-mapped file with positioned access and range locking.
//
// Position-based methods share a single cursor per instance; callers that use
// them concurrently must hold the storage lock.
type Storage struct {
	path     string
	capacity uint64

	file *os.File
	data []byte
	pos  uint64

	// mu serializes goroutines of this process that hold one of the OS locks
	// of this instance; the OS lock alone does not exclude them.
	mu     sync.Mutex
	held   *lockRange
	closed atomic.Bool
}

// lockRange is the byte range currently locked by an instance.
type lockRange struct {
	start  int64
	length int64 // 0 = to end of file
}

// Open maps capacity bytes of the file at path, creating and extending the
// file as needed. Existing bytes are preserved.
func Open(path string, capacity uint64) (*Storage, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("storage capacity must be > 0")
	}
	if capacity > maxMapSize {
		return nil, fmt.Errorf("storage capacity %d exceeds platform limit %d", capacity, maxMapSize)
	}

	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage path: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat storage file: %w", err)
	}

	// Extending never shrinks a file another process mapped larger.
	if uint64(stat.Size()) < capacity { //nolint:gosec // G115: size is non-negative
		if err := file.Truncate(int64(capacity)); err != nil { //nolint:gosec // G115: bounded by maxMapSize
			_ = file.Close()
			return nil, fmt.Errorf("failed to size storage file: %w", err)
		}
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(capacity), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED) //nolint:gosec // G115: bounded by maxMapSize
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to map storage file: %w", err)
	}

	return &Storage{
		path:     path,
		capacity: capacity,
		file:     file,
		data:     data,
	}, nil
}

// Path returns the backing file path.
func (s *Storage) Path() string {
	return s.path
}

// Capacity returns the number of mapped bytes.
func (s *Storage) Capacity() uint64 {
	return s.capacity
}

// Seek moves the current position.
func (s *Storage) Seek(at uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if at > s.capacity {
		return fmt.Errorf("%w: seek to %d (capacity %d)", ErrOutOfRange, at, s.capacity)
	}
	s.pos = at
	return nil
}

// Position returns the current position.
func (s *Storage) Position() uint64 {
	return s.pos
}

// IsZero reports whether the n bytes at offset at were never written.
func (s *Storage) IsZero(at, n uint64) (bool, error) {
	b, err := s.slice(at, n)
	if err != nil {
		return false, err
	}
	for _, c := range b {
		if c != 0 {
			return false, nil
		}
	}
	return true, nil
}

// ReadInt reads an IntWidth field at the current position and advances past it.
func (s *Storage) ReadInt() (uint64, error) {
	return s.ReadIntAt(s.pos)
}

// ReadIntAt seeks to at and reads an IntWidth field.
func (s *Storage) ReadIntAt(at uint64) (uint64, error) {
	b, err := s.slice(at, format.IntWidth)
	if err != nil {
		return 0, err
	}
	v, err := format.DecodeInt(b)
	if err != nil {
		return 0, fmt.Errorf("int at %d: %w", at, err)
	}
	s.pos = at + format.IntWidth
	return v, nil
}

// WriteInt writes an IntWidth field at the current position and advances past it.
func (s *Storage) WriteInt(v uint64) error {
	return s.WriteIntAt(s.pos, v)
}

// WriteIntAt seeks to at and writes an IntWidth field.
func (s *Storage) WriteIntAt(at, v uint64) error {
	b, err := s.writable(at, format.IntWidth)
	if err != nil {
		return err
	}
	if err := format.PutInt(b, v); err != nil {
		return err
	}
	s.pos = at + format.IntWidth
	return nil
}

// ReadStatus reads a StatusWidth field at the current position and advances past it.
func (s *Storage) ReadStatus() (format.Status, error) {
	return s.ReadStatusAt(s.pos)
}

// ReadStatusAt seeks to at and reads a StatusWidth field.
func (s *Storage) ReadStatusAt(at uint64) (format.Status, error) {
	b, err := s.slice(at, format.StatusWidth)
	if err != nil {
		return 0, err
	}
	st, err := format.ParseStatus(b)
	if err != nil {
		return 0, fmt.Errorf("status at %d: %w", at, err)
	}
	s.pos = at + format.StatusWidth
	return st, nil
}

// WriteStatus writes a StatusWidth field at the current position and advances past it.
func (s *Storage) WriteStatus(st format.Status) error {
	return s.WriteStatusAt(s.pos, st)
}

// WriteStatusAt seeks to at and writes a StatusWidth field.
func (s *Storage) WriteStatusAt(at uint64, st format.Status) error {
	if !st.Valid() {
		return fmt.Errorf("%w: status %d", format.ErrMalformed, st)
	}
	b, err := s.writable(at, format.StatusWidth)
	if err != nil {
		return err
	}
	if err := format.PutInt(b, uint64(st)); err != nil {
		return err
	}
	s.pos = at + format.StatusWidth
	return nil
}

// ReadBool reads a one-byte boolean at the current position and advances past it.
func (s *Storage) ReadBool() (bool, error) {
	return s.ReadBoolAt(s.pos)
}

// ReadBoolAt seeks to at and reads a one-byte boolean.
func (s *Storage) ReadBoolAt(at uint64) (bool, error) {
	b, err := s.slice(at, format.BoolWidth)
	if err != nil {
		return false, err
	}
	s.pos = at + format.BoolWidth
	return format.DecodeBool(b[0]), nil
}

// WriteBool writes a one-byte boolean at the current position and advances past it.
func (s *Storage) WriteBool(v bool) error {
	return s.WriteBoolAt(s.pos, v)
}

// WriteBoolAt seeks to at and writes a one-byte boolean.
func (s *Storage) WriteBoolAt(at uint64, v bool) error {
	b, err := s.writable(at, format.BoolWidth)
	if err != nil {
		return err
	}
	b[0] = format.EncodeBool(v)
	s.pos = at + format.BoolWidth
	return nil
}

// ReadString reads a length-prefixed string at the current position and advances past it.
func (s *Storage) ReadString() ([]byte, error) {
	return s.ReadStringAt(s.pos)
}

// ReadStringAt seeks to at and reads a length-prefixed string.
func (s *Storage) ReadStringAt(at uint64) ([]byte, error) {
	n, err := s.ReadIntAt(at)
	if err != nil {
		return nil, err
	}
	b, err := s.slice(at+format.IntWidth, n)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	copy(payload, b)
	s.pos = at + format.IntWidth + n
	return payload, nil
}

// WriteString writes a length-prefixed string at the current position and advances past it.
func (s *Storage) WriteString(p []byte) error {
	return s.WriteStringAt(s.pos, p)
}

// WriteStringAt seeks to at and writes a length-prefixed string.
// Nothing is written if the string does not fit.
func (s *Storage) WriteStringAt(at uint64, p []byte) error {
	total := uint64(format.IntWidth) + uint64(len(p))
	b, err := s.writable(at, total)
	if err != nil {
		return err
	}
	if err := format.PutInt(b[:format.IntWidth], uint64(len(p))); err != nil {
		return err
	}
	copy(b[format.IntWidth:], p)
	s.pos = at + total
	return nil
}

// Sync flushes the mapping to the backing file.
func (s *Storage) Sync() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("failed to sync storage: %w", err)
	}
	return nil
}

// Destroy flushes, unmaps and closes the storage. The bytes on disk persist.
// Calling Destroy more than once returns ErrClosed.
func (s *Storage) Destroy() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	var errs []error
	if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
		errs = append(errs, fmt.Errorf("sync: %w", err))
	}
	if err := unix.Munmap(s.data); err != nil {
		errs = append(errs, fmt.Errorf("unmap: %w", err))
	}
	s.data = nil
	forgetFile(s)
	if err := s.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}

	return errors.Join(errs...)
}

func (s *Storage) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// slice returns n mapped bytes starting at at for reading.
func (s *Storage) slice(at, n uint64) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if at > s.capacity || n > s.capacity-at {
		return nil, fmt.Errorf("%w: read [%d,%d) of %d", ErrOutOfRange, at, at+n, s.capacity)
	}
	return s.data[at : at+n], nil
}

// writable returns n mapped bytes starting at at for writing.
func (s *Storage) writable(at, n uint64) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if at > s.capacity || n > s.capacity-at {
		return nil, fmt.Errorf("%w: write [%d,%d) of %d", ErrCapacityExceeded, at, at+n, s.capacity)
	}
	return s.data[at : at+n], nil
}
