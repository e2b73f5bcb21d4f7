//go:build unix

// Package executor drives a topic with pools of producers and consumers.
//
// Every producer and consumer opens its own queue.Service, the way separate
// processes would, so the pools exercise the cross-process file locking of
// the topic rather than sharing one in-memory handle.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vnykmshr/fileq/internal/logging"
	"github.com/vnykmshr/fileq/internal/queue"
)

const (
	// DefaultBaseBackoff is the first wait after a busy lock or an empty topic.
	DefaultBaseBackoff = time.Millisecond

	// DefaultMaxBackoff caps the wait between attempts.
	DefaultMaxBackoff = 100 * time.Millisecond
)

// ProducerOptions configures Produce.
type ProducerOptions struct {
	// Producers is the number of concurrent producers.
	Producers int

	// Messages is the number of messages each producer pushes.
	Messages int

	// Queue configures the topic each producer opens (nil = defaults).
	Queue *queue.Options

	// BaseBackoff and MaxBackoff bound the wait after a busy lock.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Logger for structured logging (nil = no logging)
	Logger logging.Logger
}

// ProduceResult reports a producer run.
type ProduceResult struct {
	RunID string

	// Pushed is the number of messages pushed per producer.
	Pushed map[string]int

	// Total is the sum of Pushed.
	Total int

	// Full reports whether a producer stopped on a full topic.
	Full bool
}

// Produce runs opts.Producers producers against topic in dir, each pushing
// opts.Messages messages named "<producer>-<n>". A producer stops early when
// the topic is full. Once every producer has finished the topic is marked
// producer-done.
func Produce(ctx context.Context, dir, topic string, opts ProducerOptions) (*ProduceResult, error) {
	if opts.Producers < 1 {
		return nil, fmt.Errorf("producer count must be >= 1, got %d", opts.Producers)
	}
	if opts.Messages < 0 {
		return nil, fmt.Errorf("message count cannot be negative, got %d", opts.Messages)
	}
	opts.BaseBackoff, opts.MaxBackoff = backoffBounds(opts.BaseBackoff, opts.MaxBackoff)
	logger := loggerOrNoop(opts.Logger)

	result := &ProduceResult{
		RunID:  uuid.NewString(),
		Pushed: make(map[string]int, opts.Producers),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < opts.Producers; i++ {
		id := fmt.Sprintf("producer%d", i)

		g.Go(func() error {
			s, err := queue.Open(dir, topic, opts.Queue)
			if err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			defer func() { _ = s.Shutdown() }()

			pushed, full, err := produce(gctx, s, id, opts)

			mu.Lock()
			result.Pushed[id] = pushed
			result.Total += pushed
			result.Full = result.Full || full
			mu.Unlock()

			logger.Info("producer finished",
				logging.F("run_id", result.RunID),
				logging.F("producer", id),
				logging.F("pushed", pushed),
				logging.F("full", full),
			)
			if err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result, err
	}

	if err := markDone(dir, topic, opts.Queue); err != nil {
		return result, err
	}
	return result, nil
}

func produce(ctx context.Context, s *queue.Service, id string, opts ProducerOptions) (int, bool, error) {
	pushed := 0
	for attempt := 0; pushed < opts.Messages; {
		if err := ctx.Err(); err != nil {
			return pushed, false, err
		}

		_, err := s.TryPush([]byte(fmt.Sprintf("%s-%d", id, pushed)))
		switch {
		case err == nil:
			pushed++
			attempt = 0
		case errors.Is(err, queue.ErrLockBusy):
			if err := sleep(ctx, queue.CalculateBackoff(attempt, opts.BaseBackoff, opts.MaxBackoff)); err != nil {
				return pushed, false, err
			}
			attempt++
		case errors.Is(err, queue.ErrCapacityExceeded):
			return pushed, true, nil
		default:
			return pushed, false, err
		}
	}
	return pushed, false, nil
}

func markDone(dir, topic string, opts *queue.Options) error {
	s, err := queue.Open(dir, topic, opts)
	if err != nil {
		return err
	}
	defer func() { _ = s.Shutdown() }()

	return s.MarkProducerDone()
}

// ConsumerOptions configures Consume.
type ConsumerOptions struct {
	// Consumers is the number of concurrent consumers.
	Consumers int

	// Queue configures the topic each consumer opens (nil = defaults). Its
	// Handler runs for every delivered message.
	Queue *queue.Options

	// Collect keeps the payloads of processed messages in the result. Only
	// meant for small topics.
	Collect bool

	// Output receives each processed payload on its own line (nil = discard).
	Output io.Writer

	// BaseBackoff and MaxBackoff bound the wait while the topic is empty.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Logger for structured logging (nil = no logging)
	Logger logging.Logger
}

// ConsumeResult reports a consumer run.
type ConsumeResult struct {
	RunID string

	// Consumed is the number of messages processed per consumer.
	Consumed map[string]int

	// Total is the sum of Consumed.
	Total int

	// Outcomes counts every pull by outcome, failed attempts included.
	Outcomes map[queue.Outcome]int

	// Messages holds processed payloads when Collect is set.
	Messages []string
}

// Consume runs opts.Consumers consumers against topic in dir until every
// message was consumed and the producers are done, then returns the number
// of messages processed.
func Consume(ctx context.Context, dir, topic string, opts ConsumerOptions) (*ConsumeResult, error) {
	if opts.Consumers < 1 {
		return nil, fmt.Errorf("consumer count must be >= 1, got %d", opts.Consumers)
	}
	opts.BaseBackoff, opts.MaxBackoff = backoffBounds(opts.BaseBackoff, opts.MaxBackoff)
	logger := loggerOrNoop(opts.Logger)

	result := &ConsumeResult{
		RunID:    uuid.NewString(),
		Consumed: make(map[string]int, opts.Consumers),
		Outcomes: make(map[queue.Outcome]int),
	}

	var mu sync.Mutex
	record := func(id string, msg *queue.Message) error {
		mu.Lock()
		defer mu.Unlock()

		result.Outcomes[msg.Outcome]++
		if msg.Outcome != queue.OutcomeProcessed {
			return nil
		}
		result.Consumed[id]++
		result.Total++
		if opts.Collect {
			result.Messages = append(result.Messages, string(msg.Payload))
		}
		if opts.Output != nil {
			if _, err := fmt.Fprintf(opts.Output, "%s\n", msg.Payload); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < opts.Consumers; i++ {
		id := fmt.Sprintf("consumer%d", i)

		g.Go(func() error {
			s, err := queue.Open(dir, topic, opts.Queue)
			if err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			defer func() { _ = s.Shutdown() }()

			err = consume(gctx, s, opts, func(msg *queue.Message) error {
				return record(id, msg)
			})

			mu.Lock()
			consumed := result.Consumed[id]
			mu.Unlock()

			logger.Info("consumer finished",
				logging.F("run_id", result.RunID),
				logging.F("consumer", id),
				logging.F("consumed", consumed),
			)
			if err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			return nil
		})
	}

	err := g.Wait()
	return result, err
}

func consume(ctx context.Context, s *queue.Service, opts ConsumerOptions, record func(*queue.Message) error) error {
	for idle := 0; ; {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := s.HasAllMessagesConsumed()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		msg, err := s.Pull(ctx)
		if err != nil {
			return err
		}
		if msg == nil {
			// Empty, or a deleted record was skipped.
			if err := sleep(ctx, queue.CalculateBackoff(idle, opts.BaseBackoff, opts.MaxBackoff)); err != nil {
				return err
			}
			idle++
			continue
		}

		idle = 0
		if err := record(msg); err != nil {
			return err
		}
	}
}

func backoffBounds(base, limit time.Duration) (time.Duration, time.Duration) {
	if base <= 0 {
		base = DefaultBaseBackoff
	}
	if limit <= 0 {
		limit = DefaultMaxBackoff
	}
	if limit < base {
		limit = base
	}
	return base, limit
}

func loggerOrNoop(l logging.Logger) logging.Logger {
	if l == nil {
		return logging.NoopLogger{}
	}
	return l
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
