package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// RetryTracker counts failed delivery attempts per message.
//
// The state is a JSON file shared by every process that opens the topic.
// Each operation re-reads it before changing it, so callers must hold the
// topic's main file lock to keep the read-modify-write atomic across
// processes. A retried message is pushed again under a new id, and Fail
// moves its count to that id.
type RetryTracker struct {
	path       string                // Path to retry state file
	maxRetries int                   // Attempts before dead-lettering
	entries    map[uint64]*RetryInfo // Message ID -> retry information
	mu         sync.Mutex            // Protects entries map
}

// RetryInfo contains retry metadata for a single message.
type RetryInfo struct {
	MessageID     uint64    `json:"msg_id"`
	OriginalID    uint64    `json:"original_id"`
	Attempts      int       `json:"attempts"`
	LastFailure   time.Time `json:"last_failure"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// retryState is the on-disk format for retry tracking.
type retryState struct {
	Version    int          `json:"version"`
	MaxRetries int          `json:"max_retries"`
	Entries    []*RetryInfo `json:"entries"`
}

const retryStateVersion = 1

// NewRetryTracker creates a retry tracker backed by the file at path and
// loads any existing state.
func NewRetryTracker(path string, maxRetries int) (*RetryTracker, error) {
	if maxRetries < 1 {
		return nil, fmt.Errorf("max retries must be >= 1, got %d", maxRetries)
	}

	rt := &RetryTracker{
		path:       path,
		maxRetries: maxRetries,
		entries:    make(map[uint64]*RetryInfo),
	}

	if err := rt.load(); err != nil {
		return nil, fmt.Errorf("failed to load retry state: %w", err)
	}

	return rt, nil
}

// locked runs fn with the on-disk state loaded into rt.entries.
func (rt *RetryTracker) locked(fn func() error) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if err := rt.load(); err != nil {
		return err
	}
	return fn()
}

// Attempts returns the number of failed attempts recorded for msgID.
func (rt *RetryTracker) Attempts(msgID uint64) (int, error) {
	var attempts int
	err := rt.locked(func() error {
		if entry := rt.entries[msgID]; entry != nil {
			attempts = entry.Attempts
		}
		return nil
	})
	return attempts, err
}

// Fail records a failed attempt of msgID whose retry copy is next, and
// returns the total number of failed attempts. The count moves to next; pass
// msgID again to keep it in place.
func (rt *RetryTracker) Fail(msgID, next uint64, reason string) (int, error) {
	var attempts int
	err := rt.locked(func() error {
		entry := rt.entries[msgID]
		if entry == nil {
			entry = &RetryInfo{OriginalID: msgID}
		}
		delete(rt.entries, msgID)
		entry.MessageID = next
		entry.Attempts++
		entry.LastFailure = time.Now()
		entry.FailureReason = reason
		rt.entries[next] = entry

		if err := rt.save(); err != nil {
			return fmt.Errorf("failed to persist retry state: %w", err)
		}
		attempts = entry.Attempts
		return nil
	})
	return attempts, err
}

// Exceeded reports whether attempts have used up the retry budget.
func (rt *RetryTracker) Exceeded(attempts int) bool {
	return attempts >= rt.maxRetries
}

// Forget removes retry tracking for msgID.
func (rt *RetryTracker) Forget(msgID uint64) error {
	return rt.locked(func() error {
		if rt.entries[msgID] == nil {
			return nil
		}
		delete(rt.entries, msgID)
		return rt.save()
	})
}

// GetInfo returns a copy of the retry information for msgID, or nil when
// the message never failed.
func (rt *RetryTracker) GetInfo(msgID uint64) (*RetryInfo, error) {
	var info *RetryInfo
	err := rt.locked(func() error {
		if entry := rt.entries[msgID]; entry != nil {
			c := *entry
			info = &c
		}
		return nil
	})
	return info, err
}

// Count returns the number of messages currently being tracked.
func (rt *RetryTracker) Count() (int, error) {
	var n int
	err := rt.locked(func() error {
		n = len(rt.entries)
		return nil
	})
	return n, err
}

// Clear removes all retry tracking state.
func (rt *RetryTracker) Clear() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.entries = make(map[uint64]*RetryInfo)
	return rt.save()
}

// load replaces the in-memory state with the state on disk.
// A missing file is empty state.
func (rt *RetryTracker) load() error {
	data, err := os.ReadFile(rt.path)
	if errors.Is(err, os.ErrNotExist) {
		rt.entries = make(map[uint64]*RetryInfo)
		return nil
	}
	if err != nil {
		return err
	}

	var state retryState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("invalid retry state format: %w", err)
	}

	if state.Version != retryStateVersion {
		return fmt.Errorf("unsupported retry state version: %d (expected %d)",
			state.Version, retryStateVersion)
	}

	entries := make(map[uint64]*RetryInfo, len(state.Entries))
	for _, entry := range state.Entries {
		entries[entry.MessageID] = entry
	}
	rt.entries = entries

	return nil
}

// save writes the state through a temp file and rename. Empty state removes
// the file.
func (rt *RetryTracker) save() error {
	if len(rt.entries) == 0 {
		if err := os.Remove(rt.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove retry state: %w", err)
		}
		return nil
	}

	entries := make([]*RetryInfo, 0, len(rt.entries))
	for _, entry := range rt.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].MessageID < entries[j].MessageID })

	state := retryState{
		Version:    retryStateVersion,
		MaxRetries: rt.maxRetries,
		Entries:    entries,
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal retry state: %w", err)
	}

	// Readers in other processes only ever see a complete file.
	tmp := rt.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write retry state: %w", err)
	}
	if err := os.Rename(tmp, rt.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace retry state: %w", err)
	}
	return nil
}
