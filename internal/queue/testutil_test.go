//go:build unix

package queue

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// testOptions returns small, fast options for tests.
func testOptions() *Options {
	opts := DefaultOptions()
	opts.Capacity = 64 * 1024
	opts.ProcessingTimeout = 200 * time.Millisecond
	return opts
}

// setupService opens a test topic in a fresh directory.
// The service is shut down when the test completes.
func setupService(t *testing.T, opts *Options) *Service {
	t.Helper()

	if opts == nil {
		opts = testOptions()
	}

	s, err := Open(t.TempDir(), "test", opts)
	if err != nil {
		t.Fatalf("failed to open topic: %v", err)
	}

	t.Cleanup(func() { _ = s.Shutdown() })

	return s
}

// pushN pushes n messages and returns their ids.
// Messages are in the format "msg-0", "msg-1", etc.
func pushN(t *testing.T, s *Service, n int) []uint64 {
	t.Helper()

	ids := make([]uint64, n)
	for i := 0; i < n; i++ {
		id, err := s.Push([]byte(fmt.Sprintf("msg-%d", i)))
		if err != nil {
			t.Fatalf("push %d failed: %v", i, err)
		}
		ids[i] = id
	}

	return ids
}

// pushMessages pushes specific messages and returns their ids.
func pushMessages(t *testing.T, s *Service, messages []string) []uint64 {
	t.Helper()

	ids := make([]uint64, len(messages))
	for i, msg := range messages {
		id, err := s.Push([]byte(msg))
		if err != nil {
			t.Fatalf("push message %d (%s) failed: %v", i, msg, err)
		}
		ids[i] = id
	}

	return ids
}

// pullAll pulls until the topic is empty and returns the delivered messages.
func pullAll(t *testing.T, s *Service) []*Message {
	t.Helper()

	var messages []*Message
	for {
		_, push, pull := cursors(t, s)
		if pull == push {
			return messages
		}

		msg, err := s.Pull(context.Background())
		if err != nil {
			t.Fatalf("pull failed: %v", err)
		}
		if msg != nil {
			messages = append(messages, msg)
		}
	}
}

// cursors returns the stats, push cursor and pull cursor of s.
func cursors(t *testing.T, s *Service) (*Stats, uint64, uint64) {
	t.Helper()

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	return stats, stats.PushCursor, stats.PullCursor
}

// assertPayloads verifies that messages match expected payloads in order.
func assertPayloads(t *testing.T, messages []*Message, expected []string) {
	t.Helper()

	if len(messages) != len(expected) {
		t.Fatalf("got %d messages, want %d", len(messages), len(expected))
	}

	for i, msg := range messages {
		if string(msg.Payload) != expected[i] {
			t.Errorf("message %d: got %q, want %q", i, string(msg.Payload), expected[i])
		}
	}
}

// assertNoError fails the test if err is not nil.
func assertNoError(t *testing.T, err error) {
	t.Helper()

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
