package correlator

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned when submitting to a queue whose Run has returned.
var ErrStopped = errors.New("correlator queue stopped")

// barrier is queued by Drain and released once every earlier input has been
// handled. The consumer copies the correlator state into it first.
type barrier struct {
	done  chan struct{}
	state *State
}

func (barrier) input()          {}
func (barrier) Time() time.Time { return time.Time{} }

// Queue is the single consumer of a session's inputs. Submit may be called
// from any goroutine; inputs are handled in submission order.
type Queue struct {
	c        *Correlator
	in       chan Input
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewQueue buffers up to size inputs before Submit blocks.
func NewQueue(c *Correlator, size int) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{
		c:       c,
		in:      make(chan Input, size),
		stopped: make(chan struct{}),
	}
}

// Submit enqueues in. It blocks while the buffer is full.
func (q *Queue) Submit(in Input) error {
	select {
	case <-q.stopped:
		return ErrStopped
	default:
	}
	select {
	case q.in <- in:
		return nil
	case <-q.stopped:
		return ErrStopped
	}
}

// Run handles inputs until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	defer q.stopOnce.Do(func() { close(q.stopped) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-q.in:
			if b, ok := in.(barrier); ok {
				*b.state = q.c.State()
				close(b.done)
				continue
			}
			q.c.Handle(in)
		}
	}
}

// Drain waits until every input submitted before the call has been handled.
func (q *Queue) Drain(ctx context.Context) error {
	_, err := q.State(ctx)
	return err
}

// State drains the queue and returns the correlator state as of that point.
func (q *Queue) State(ctx context.Context) (State, error) {
	b := barrier{done: make(chan struct{}), state: new(State)}
	if err := q.Submit(b); err != nil {
		return State{}, err
	}
	select {
	case <-b.done:
		return *b.state, nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	case <-q.stopped:
		select {
		case <-b.done:
			return *b.state, nil
		default:
			return State{}, ErrStopped
		}
	}
}

// Correlator returns the state machine behind the queue. Callers must only
// read its State after Drain.
func (q *Queue) Correlator() *Correlator {
	return q.c
}
