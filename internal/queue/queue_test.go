//go:build unix

package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vnykmshr/fileq/internal/format"
)

func TestOpen_InitializesHeader(t *testing.T) {
	s := setupService(t, nil)

	_, push, pull := cursors(t, s)
	if pull != format.HeaderSize || push != format.HeaderSize {
		t.Errorf("cursors = (%d, %d), want (%d, %d)", pull, push, format.HeaderSize, format.HeaderSize)
	}

	for _, path := range []string{s.Paths().Main, s.Paths().PushStatus, s.Paths().DeadLetter} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected %s to exist: %v", filepath.Base(path), err)
		}
	}

	info, err := os.Stat(s.Paths().DeadLetter)
	assertNoError(t, err)
	if info.Size() != int64(testOptions().Capacity/2) {
		t.Errorf("dead-letter file size = %d, want %d", info.Size(), testOptions().Capacity/2)
	}
}

func TestOpen_InvalidTopic(t *testing.T) {
	for _, topic := range []string{"", ".hidden", "a/b", `a\b`} {
		if _, err := Open(t.TempDir(), topic, testOptions()); err == nil {
			t.Errorf("Open(%q) should fail", topic)
		}
	}
}

func TestOpen_RejectsPathTraversal(t *testing.T) {
	if _, err := Open("../escape", "t", testOptions()); err == nil {
		t.Error("Open with .. in the directory should fail")
	}
}

func TestPush_WireFormat(t *testing.T) {
	s := setupService(t, nil)

	id, err := s.Push([]byte("abc"))
	assertNoError(t, err)
	if id != format.HeaderSize {
		t.Errorf("first id = %d, want %d", id, format.HeaderSize)
	}

	id2, err := s.Push([]byte("de"))
	assertNoError(t, err)
	if want := uint64(format.HeaderSize) + format.RecordSize(3); id2 != want {
		t.Errorf("second id = %d, want %d", id2, want)
	}

	assertNoError(t, s.Sync())
	data, err := os.ReadFile(s.Paths().Main)
	assertNoError(t, err)

	wantHeader := "00000000000000000000000001000000" + // pull = 64
		"00000000000000000000000010001101" // push = 64 + 39 + 38 = 141
	if got := string(data[:format.HeaderSize]); got != wantHeader {
		t.Errorf("header = %q, want %q", got, wantHeader)
	}

	wantRecord := "00000000000000000000000000000011" + "abc" + "0000"
	if got := string(data[64 : 64+len(wantRecord)]); got != wantRecord {
		t.Errorf("record = %q, want %q", got, wantRecord)
	}
}

func TestExample_ThreeMessages(t *testing.T) {
	s := setupService(t, nil)
	ctx := context.Background()

	pushMessages(t, s, []string{"a", "b", "c"})

	done, err := s.HasAllMessagesConsumed()
	assertNoError(t, err)
	if done {
		t.Fatal("HasAllMessagesConsumed() = true before MarkProducerDone")
	}

	assertNoError(t, s.MarkProducerDone())

	var got []*Message
	for i := 0; i < 3; i++ {
		msg, err := s.Pull(ctx)
		assertNoError(t, err)
		if msg == nil {
			t.Fatalf("pull %d returned nil", i)
		}
		if msg.Outcome != OutcomeProcessed {
			t.Errorf("pull %d outcome = %v, want processed", i, msg.Outcome)
		}
		got = append(got, msg)
	}
	assertPayloads(t, got, []string{"a", "b", "c"})

	done, err = s.HasAllMessagesConsumed()
	assertNoError(t, err)
	if !done {
		t.Error("HasAllMessagesConsumed() = false after draining")
	}

	start := time.Now()
	msg, err := s.Pull(ctx)
	assertNoError(t, err)
	if msg != nil {
		t.Errorf("fourth pull = %q, want nil", msg.Payload)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("empty pull took %v", elapsed)
	}
}

func TestCompletionGating(t *testing.T) {
	s := setupService(t, nil)

	assertNoError(t, s.MarkProducerDone())
	done, err := s.HasAllMessagesConsumed()
	assertNoError(t, err)
	if !done {
		t.Error("empty topic with producer done should be consumed")
	}

	pushN(t, s, 2)
	done, err = s.HasAllMessagesConsumed()
	assertNoError(t, err)
	if done {
		t.Error("HasAllMessagesConsumed() = true with pending messages")
	}

	pullAll(t, s)
	done, err = s.HasAllMessagesConsumed()
	assertNoError(t, err)
	if !done {
		t.Error("HasAllMessagesConsumed() = false after draining")
	}
}

func TestFIFO_SkipsDeleted(t *testing.T) {
	s := setupService(t, nil)

	ids := pushN(t, s, 5)
	assertNoError(t, s.Delete(ids[1]))
	assertNoError(t, s.Delete(ids[3]))

	messages := pullAll(t, s)
	assertPayloads(t, messages, []string{"msg-0", "msg-2", "msg-4"})

	stats, push, pull := cursors(t, s)
	if pull != push {
		t.Errorf("pull cursor %d did not reach push cursor %d", pull, push)
	}
	if stats.Processed != 3 || stats.Deleted != 2 {
		t.Errorf("processed = %d, deleted = %d, want 3, 2", stats.Processed, stats.Deleted)
	}
}

func TestDelete_StateMachine(t *testing.T) {
	s := setupService(t, nil)

	ids := pushN(t, s, 2)

	msg, err := s.Pull(context.Background())
	assertNoError(t, err)
	if msg == nil || msg.ID != ids[0] {
		t.Fatalf("pulled %+v, want id %d", msg, ids[0])
	}

	if err := s.Delete(ids[0]); !errors.Is(err, ErrAlreadyDelivered) {
		t.Errorf("Delete(processed) = %v, want ErrAlreadyDelivered", err)
	}

	assertNoError(t, s.Delete(ids[1]))
	assertNoError(t, s.Delete(ids[1]))

	rec, err := s.Get(ids[1])
	assertNoError(t, err)
	if rec.Status != format.StatusDeleted {
		t.Errorf("status = %v, want DELETED", rec.Status)
	}
}

func TestDelete_WhileHandlerRuns(t *testing.T) {
	dir := t.TempDir()

	started := make(chan uint64)
	release := make(chan struct{})

	opts := testOptions()
	opts.ProcessingTimeout = 5 * time.Second
	opts.Handler = func(ctx context.Context, msg *Message) error {
		started <- msg.ID
		<-release
		return nil
	}
	consumer, err := Open(dir, "inflight", opts)
	assertNoError(t, err)
	defer consumer.Shutdown()

	other, err := Open(dir, "inflight", testOptions())
	assertNoError(t, err)
	defer other.Shutdown()

	ids := pushN(t, other, 1)

	type result struct {
		msg *Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := consumer.Pull(context.Background())
		done <- result{msg, err}
	}()

	if id := <-started; id != ids[0] {
		t.Fatalf("handler got id %d, want %d", id, ids[0])
	}

	// The topic lock is free while the handler runs.
	if _, err := other.TryPush([]byte("during")); err != nil {
		t.Errorf("TryPush() while handler runs = %v", err)
	}
	assertNoError(t, other.Delete(ids[0]))

	close(release)
	res := <-done
	assertNoError(t, res.err)
	if res.msg == nil || res.msg.Outcome != OutcomeDeleted {
		t.Fatalf("Pull() = %+v, want outcome deleted", res.msg)
	}

	rec, err := other.Get(ids[0])
	assertNoError(t, err)
	if rec.Status != format.StatusDeleted {
		t.Errorf("status = %v, want DELETED", rec.Status)
	}
}

func TestDelete_InvalidIDs(t *testing.T) {
	s := setupService(t, nil)

	ids := pushN(t, s, 2)
	_, push, _ := cursors(t, s)

	for _, id := range []uint64{0, 10, format.HeaderSize - 1, ids[0] + 1, ids[1] + 7, push, push + 100} {
		if err := s.Delete(id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Delete(%d) = %v, want ErrInvalidID", id, err)
		}
	}
}

func TestRetry_ThenDeadLetter(t *testing.T) {
	var calls atomic.Int32
	opts := testOptions()
	opts.Handler = func(ctx context.Context, msg *Message) error {
		calls.Add(1)
		return errors.New("boom")
	}
	s := setupService(t, opts)

	pushMessages(t, s, []string{"poison"})

	messages := pullAll(t, s)
	if len(messages) != DefaultMaxRetries {
		t.Fatalf("delivered %d times, want %d", len(messages), DefaultMaxRetries)
	}
	if int(calls.Load()) != DefaultMaxRetries {
		t.Errorf("handler calls = %d, want %d", calls.Load(), DefaultMaxRetries)
	}

	for i, msg := range messages {
		if msg.Attempt != i+1 {
			t.Errorf("delivery %d attempt = %d, want %d", i, msg.Attempt, i+1)
		}
		want := OutcomeRetried
		if i == len(messages)-1 {
			want = OutcomeDeadLettered
		}
		if msg.Outcome != want {
			t.Errorf("delivery %d outcome = %v, want %v", i, msg.Outcome, want)
		}
		if msg.Err == nil {
			t.Errorf("delivery %d has no error", i)
		}
	}

	letters, err := s.DeadLetters(0)
	assertNoError(t, err)
	if len(letters) != 1 || string(letters[0].Payload) != "poison" {
		t.Fatalf("dead letters = %v, want one poison message", letters)
	}

	stats, _, _ := cursors(t, s)
	if stats.DLQMessages != 1 || stats.DLQPendingMessages != 1 {
		t.Errorf("dlq stats = %d/%d, want 1/1", stats.DLQMessages, stats.DLQPendingMessages)
	}
	if stats.RetryTrackedMessages != 0 {
		t.Errorf("retry tracked = %d, want 0", stats.RetryTrackedMessages)
	}
	if stats.Unprocessed+stats.InProcess != 0 {
		t.Errorf("main queue still holds deliverable records: %+v", stats)
	}
}

func TestRetry_SucceedsOnSecondAttempt(t *testing.T) {
	var calls atomic.Int32
	opts := testOptions()
	opts.Handler = func(ctx context.Context, msg *Message) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	}
	s := setupService(t, opts)

	pushMessages(t, s, []string{"flaky"})
	messages := pullAll(t, s)

	if len(messages) != 2 {
		t.Fatalf("delivered %d times, want 2", len(messages))
	}
	if messages[0].Outcome != OutcomeRetried || messages[1].Outcome != OutcomeProcessed {
		t.Errorf("outcomes = %v, %v", messages[0].Outcome, messages[1].Outcome)
	}
	if messages[1].ID != messages[0].NextID || messages[1].Attempt != 2 {
		t.Errorf("second delivery = id %d attempt %d, want id %d attempt 2",
			messages[1].ID, messages[1].Attempt, messages[0].NextID)
	}

	n, err := s.retries.Count()
	assertNoError(t, err)
	if n != 0 {
		t.Errorf("retry tracked = %d, want 0", n)
	}
}

func TestPull_Timeout(t *testing.T) {
	release := make(chan struct{})
	opts := testOptions()
	opts.ProcessingTimeout = 50 * time.Millisecond
	opts.Handler = func(ctx context.Context, msg *Message) error {
		<-release
		return nil
	}
	s := setupService(t, opts)
	t.Cleanup(func() { close(release) })

	pushMessages(t, s, []string{"slow"})

	start := time.Now()
	msg, err := s.Pull(context.Background())
	assertNoError(t, err)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("pull waited %v for a 50ms deadline", elapsed)
	}

	if msg.Outcome != OutcomeRetried {
		t.Errorf("outcome = %v, want retried", msg.Outcome)
	}
	if !errors.Is(msg.Err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", msg.Err)
	}

	rec, err := s.Get(msg.ID)
	assertNoError(t, err)
	if rec.Status != format.StatusDeleted {
		t.Errorf("timed out original status = %v, want DELETED", rec.Status)
	}
}

func TestPull_HandlerPanic(t *testing.T) {
	opts := testOptions()
	opts.MaxRetries = 1
	opts.Handler = func(ctx context.Context, msg *Message) error {
		panic("bad message")
	}
	s := setupService(t, opts)

	pushMessages(t, s, []string{"x"})
	msg, err := s.Pull(context.Background())
	assertNoError(t, err)
	if msg.Outcome != OutcomeDeadLettered {
		t.Errorf("outcome = %v, want dead-lettered", msg.Outcome)
	}
}

func TestDisableDeadLetter_Drops(t *testing.T) {
	opts := testOptions()
	opts.MaxRetries = 1
	opts.DisableDeadLetter = true
	opts.Handler = func(ctx context.Context, msg *Message) error { return errors.New("no") }
	s := setupService(t, opts)

	if _, err := os.Stat(s.Paths().DeadLetter); !os.IsNotExist(err) {
		t.Errorf("dead-letter file should not exist: %v", err)
	}

	pushMessages(t, s, []string{"x"})
	msg, err := s.Pull(context.Background())
	assertNoError(t, err)
	if msg.Outcome != OutcomeDropped {
		t.Errorf("outcome = %v, want dropped", msg.Outcome)
	}

	if _, err := s.DeadLetters(0); !errors.Is(err, ErrDeadLetterDisabled) {
		t.Errorf("DeadLetters() = %v, want ErrDeadLetterDisabled", err)
	}
}

func TestReopen_Resumes(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir, "resume", testOptions())
	assertNoError(t, err)
	pushN(t, s1, 3)
	msg, err := s1.Pull(context.Background())
	assertNoError(t, err)
	assertPayloads(t, []*Message{msg}, []string{"msg-0"})
	assertNoError(t, s1.Shutdown())

	s2, err := Open(dir, "resume", testOptions())
	assertNoError(t, err)
	defer s2.Shutdown()

	assertPayloads(t, pullAll(t, s2), []string{"msg-1", "msg-2"})
}

func TestReopen_KeepsCreatedCapacity(t *testing.T) {
	dir := t.TempDir()

	small := testOptions()
	small.Capacity = 1000
	a, err := Open(dir, "cap", small)
	assertNoError(t, err)
	defer a.Shutdown()

	for _, capacity := range []uint64{512, 4000} {
		opts := testOptions()
		opts.Capacity = capacity
		b, err := Open(dir, "cap", opts)
		if err != nil {
			t.Fatalf("reopen with capacity %d: %v", capacity, err)
		}

		stats, _, _ := cursors(t, b)
		if stats.Capacity != 1000 {
			t.Errorf("reopen with capacity %d: Capacity = %d, want 1000", capacity, stats.Capacity)
		}
		assertNoError(t, b.Shutdown())
	}

	for path, want := range map[string]int64{a.Paths().Main: 1000, a.Paths().DeadLetter: 500} {
		info, err := os.Stat(path)
		assertNoError(t, err)
		if info.Size() != want {
			t.Errorf("%s size = %d, want %d", filepath.Base(path), info.Size(), want)
		}
	}

	// A second instance fills the file; the first reads every record.
	opts := testOptions()
	opts.Capacity = 4000
	b, err := Open(dir, "cap", opts)
	assertNoError(t, err)
	defer b.Shutdown()

	payload := bytes.Repeat([]byte("z"), 100)
	var pushed int
	for {
		if _, err := b.Push(payload); errors.Is(err, ErrCapacityExceeded) {
			break
		} else if err != nil {
			t.Fatalf("push %d: %v", pushed, err)
		}
		pushed++
	}
	if got := len(pullAll(t, a)); got != pushed {
		t.Errorf("pulled %d messages, want %d", got, pushed)
	}
}

func TestPush_CapacityExceeded(t *testing.T) {
	opts := testOptions()
	opts.Capacity = minCapacity
	s := setupService(t, opts)

	_, pushBefore, _ := cursors(t, s)

	payload := bytes.Repeat([]byte("y"), int(minCapacity))
	if _, err := s.Push(payload); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Push() = %v, want ErrCapacityExceeded", err)
	}

	_, pushAfter, _ := cursors(t, s)
	if pushAfter != pushBefore {
		t.Errorf("push cursor moved from %d to %d on a failed push", pushBefore, pushAfter)
	}

	if _, err := s.Push([]byte("fits")); err != nil {
		t.Errorf("a small push should still fit: %v", err)
	}
}

func TestPush_NoDefaultSizeLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.Capacity = 16 * 1024 * 1024
	s := setupService(t, opts)

	if _, err := s.Push(bytes.Repeat([]byte("b"), 11*1024*1024)); err != nil {
		t.Errorf("Push() of a payload that fits = %v", err)
	}
}

func TestPush_MessageTooLarge(t *testing.T) {
	opts := testOptions()
	opts.MaxMessageSize = 4
	s := setupService(t, opts)

	if _, err := s.Push([]byte("too long")); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("Push() = %v, want ErrMessageTooLarge", err)
	}
}

func TestTryPush_LockBusy(t *testing.T) {
	s := setupService(t, nil)

	other, err := Open(s.Dir(), s.Topic(), testOptions())
	assertNoError(t, err)
	defer other.Shutdown()

	assertNoError(t, other.main.Lock())
	if _, err := s.TryPush([]byte("x")); !errors.Is(err, ErrLockBusy) {
		t.Errorf("TryPush() = %v, want ErrLockBusy", err)
	}
	assertNoError(t, other.main.Unlock())

	if _, err := s.TryPush([]byte("x")); err != nil {
		t.Errorf("TryPush() after release = %v", err)
	}
}

func TestConcurrent_Conservation(t *testing.T) {
	dir := t.TempDir()
	const producers, perProducer, consumers = 3, 40, 3

	var seen sync.Map
	var delivered atomic.Int64

	open := func() *Service {
		opts := testOptions()
		opts.ProcessingTimeout = 5 * time.Second
		opts.Handler = func(ctx context.Context, msg *Message) error {
			if _, dup := seen.LoadOrStore(string(msg.Payload), true); dup {
				t.Errorf("duplicate delivery of %q", msg.Payload)
			}
			delivered.Add(1)
			return nil
		}
		s, err := Open(dir, "shared", opts)
		assertNoError(t, err)
		t.Cleanup(func() { _ = s.Shutdown() })
		return s
	}

	var pwg sync.WaitGroup
	for p := 0; p < producers; p++ {
		s := open()
		pwg.Add(1)
		go func(p int) {
			defer pwg.Done()
			for i := 0; i < perProducer; i++ {
				if _, err := s.Push([]byte(fmt.Sprintf("%d-%d", p, i))); err != nil {
					t.Errorf("push: %v", err)
					return
				}
			}
		}(p)
	}

	var cwg sync.WaitGroup
	for c := 0; c < consumers; c++ {
		s := open()
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				done, err := s.HasAllMessagesConsumed()
				if err != nil {
					t.Errorf("consumed check: %v", err)
					return
				}
				if done {
					return
				}
				if _, err := s.Pull(context.Background()); err != nil {
					t.Errorf("pull: %v", err)
					return
				}
			}
		}()
	}

	pwg.Wait()
	marker := open()
	assertNoError(t, marker.MarkProducerDone())
	cwg.Wait()

	if got := delivered.Load(); got != producers*perProducer {
		t.Errorf("delivered %d messages, want %d", got, producers*perProducer)
	}
}

func TestResetInFlight(t *testing.T) {
	s := setupService(t, nil)

	ids := pushN(t, s, 2)

	// Simulate a consumer that died after checkout.
	stuck, err := s.checkout()
	assertNoError(t, err)
	if stuck.ID != ids[0] {
		t.Fatalf("checked out %d, want %d", stuck.ID, ids[0])
	}

	inFlight, err := s.InFlight()
	assertNoError(t, err)
	if len(inFlight) != 1 || inFlight[0] != ids[0] {
		t.Fatalf("InFlight() = %v, want [%d]", inFlight, ids[0])
	}

	if _, _, err := s.ResetInFlight(ids[1]); !errors.Is(err, ErrNotInFlight) {
		t.Errorf("ResetInFlight(unprocessed) = %v, want ErrNotInFlight", err)
	}

	outcome, next, err := s.ResetInFlight(ids[0])
	assertNoError(t, err)
	if outcome != OutcomeRetried {
		t.Errorf("outcome = %v, want retried", outcome)
	}

	messages := pullAll(t, s)
	assertPayloads(t, messages, []string{"msg-1", "msg-0"})
	if messages[1].ID != next || messages[1].Attempt != 2 {
		t.Errorf("redelivery = id %d attempt %d, want id %d attempt 2", messages[1].ID, messages[1].Attempt, next)
	}
}

func TestResetInFlight_FailedDeadLetterKeepsAttempts(t *testing.T) {
	opts := testOptions()
	opts.MaxRetries = 1
	s := setupService(t, opts)

	ids := pushN(t, s, 1)
	_, err := s.checkout()
	assertNoError(t, err)

	// The dead-letter write fails for a reason other than capacity.
	assertNoError(t, s.dlq.Destroy())

	if _, _, err := s.ResetInFlight(ids[0]); err == nil {
		t.Fatal("ResetInFlight() with a closed dead-letter file should fail")
	}

	attempts, err := s.retries.Attempts(ids[0])
	assertNoError(t, err)
	if attempts != 0 {
		t.Errorf("attempts = %d after a failed reset, want 0", attempts)
	}

	rec, err := s.Get(ids[0])
	assertNoError(t, err)
	if rec.Status != format.StatusInProcess {
		t.Errorf("status = %v, want IN_PROCESS", rec.Status)
	}
}

func TestScanAndGet(t *testing.T) {
	s := setupService(t, nil)
	ids := pushMessages(t, s, []string{"one", "two"})

	var payloads []string
	assertNoError(t, s.Scan(func(rec *format.Record) error {
		payloads = append(payloads, string(rec.Payload))
		return nil
	}))
	if len(payloads) != 2 || payloads[0] != "one" || payloads[1] != "two" {
		t.Errorf("scan = %v", payloads)
	}

	rec, err := s.Get(ids[1])
	assertNoError(t, err)
	if string(rec.Payload) != "two" || rec.Status != format.StatusUnprocessed {
		t.Errorf("Get() = %+v", rec)
	}

	stop := errors.New("stop")
	if err := s.Scan(func(*format.Record) error { return stop }); !errors.Is(err, stop) {
		t.Errorf("Scan() = %v, want stop", err)
	}
}

func TestShutdown_Twice(t *testing.T) {
	s, err := Open(t.TempDir(), "close", testOptions())
	assertNoError(t, err)

	assertNoError(t, s.Shutdown())
	if err := s.Shutdown(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Shutdown() = %v, want ErrClosed", err)
	}
	if _, err := s.Push([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Push() after shutdown = %v, want ErrClosed", err)
	}
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Options)
		wantErr bool
	}{
		{"defaults", func(*Options) {}, false},
		{"capacity too small", func(o *Options) { o.Capacity = minCapacity - 1 }, true},
		{"capacity too large", func(o *Options) { o.Capacity = maxCapacity + 1 }, true},
		{"zero timeout", func(o *Options) { o.ProcessingTimeout = 0 }, true},
		{"zero retries", func(o *Options) { o.MaxRetries = 0 }, true},
		{"negative message size", func(o *Options) { o.MaxMessageSize = -1 }, true},
		{"negative disk space", func(o *Options) { o.MinFreeDiskSpace = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.modify(opts)
			if err := opts.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Millisecond},
		{1, 2 * time.Millisecond},
		{3, 8 * time.Millisecond},
		{10, 100 * time.Millisecond},
		{100, 100 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := CalculateBackoff(tt.retry, time.Millisecond, 100*time.Millisecond); got != tt.want {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestSanitizeFailureReason(t *testing.T) {
	long := string(bytes.Repeat([]byte("x"), 300))
	if got := sanitizeFailureReason("first\nstack"); got != "first" {
		t.Errorf("got %q, want first line only", got)
	}
	if got := sanitizeFailureReason(long); len(got) != 256 {
		t.Errorf("len = %d, want 256", len(got))
	}
}
