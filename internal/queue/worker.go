package queue

import (
	"context"
	"fmt"
	"time"
)

// worker runs the handler for one message at a time on a dedicated goroutine.
type worker struct {
	handler Handler
	jobs    chan job
	quit    chan struct{}
	done    chan struct{}
}

type job struct {
	ctx    context.Context
	msg    *Message
	result chan error
}

func newWorker(h Handler) *worker {
	w := &worker{
		handler: h,
		jobs:    make(chan job),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *worker) run() {
	defer close(w.done)

	for {
		select {
		case <-w.quit:
			return
		case j := <-w.jobs:
			// result is buffered; an abandoned job never blocks the worker.
			j.result <- w.call(j.ctx, j.msg)
		}
	}
}

func (w *worker) call(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, msg)
}

// submit hands msg to the worker and waits for the result until ctx is done.
// Waiting for a busy worker counts against ctx.
func (w *worker) submit(ctx context.Context, msg *Message) error {
	j := job{ctx: ctx, msg: msg, result: make(chan error, 1)}

	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.quit:
		return ErrClosed
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop signals the worker and waits up to grace for a running handler.
func (w *worker) stop(grace time.Duration) {
	close(w.quit)

	select {
	case <-w.done:
	case <-time.After(grace):
	}
}
