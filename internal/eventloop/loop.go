// Package eventloop provides the single logical thread on which session
// state, command application and flow reactions run.
//
// Backends and network readers live on their own goroutines and never
// touch core state directly; they Post closures onto the loop, which
// runs them one at a time in FIFO order.
package eventloop

import (
	"context"
	"sync"
	"time"
)

// Loop is an unbounded FIFO of events drained by a single goroutine.
// Post never blocks, so an event may post further events.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
}

// New returns an idle loop.  Call Run to start draining events.
func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post enqueues ev.  It reports false once the loop has stopped, in
// which case ev is discarded.
func (l *Loop) Post(ev func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, ev)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// PostAfter enqueues ev once d has elapsed.  The returned timer can be
// stopped to cancel an event that has not been posted yet.
func (l *Loop) PostAfter(d time.Duration, ev func()) *time.Timer {
	return time.AfterFunc(d, func() { l.Post(ev) })
}

// Run drains events until ctx is cancelled.  Events still queued at
// that point are dropped.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
			l.Drain()
		}
	}
}

// Drain runs every queued event, including events posted while
// draining, and returns how many ran.  Tests use it to step the loop
// without a Run goroutine.
func (l *Loop) Drain() int {
	n := 0
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		if len(batch) == 0 {
			return n
		}
		for _, ev := range batch {
			ev()
			n++
		}
	}
}

// Pending returns the number of queued events.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.queue = nil
	l.mu.Unlock()
}
