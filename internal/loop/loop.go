// Package loop provides the single execution context that every state
// transition in a capture session runs on.
//
// Background goroutines (timers, socket readers, dialers) never touch
// session state directly. They post a closure to the loop, and the loop
// runs closures one at a time in arrival order.
package loop

import (
	"context"
	"time"
)

// Executor accepts work to be run on the loop.
type Executor interface {
	Post(fn func()) bool
}

// Timer is a pending or repeating callback that can be cancelled.
type Timer interface {
	Stop()
}

// Scheduler creates timers whose callbacks run on the loop.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
	Every(d time.Duration, fn func()) Timer
}

// Loop is a serial event queue.
type Loop struct {
	events chan func()
	done   chan struct{}
}

// New creates a loop with the given queue depth.
func New(buffer int) *Loop {
	if buffer <= 0 {
		buffer = 64
	}
	return &Loop{
		events: make(chan func(), buffer),
		done:   make(chan struct{}),
	}
}

// Run processes events until ctx is cancelled. It must be called once.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.events:
			fn()
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post enqueues fn. It reports false when the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.events <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do posts fn and blocks until it has run. Calling Do from inside a loop
// callback deadlocks.
func (l *Loop) Do(fn func()) bool {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

// loopTimer is cancelled by flipping stopped on the loop goroutine. The
// runtime timer goroutines never read it, so a Stop issued on the loop
// guarantees the callback will not run afterwards even if a fire is
// already queued.
type loopTimer struct {
	stopped bool
	timer   *time.Timer
	ticker  *time.Ticker
	quit    chan struct{}
}

// Stop must be called on the loop.
func (t *loopTimer) Stop() {
	if t.stopped {
		return
	}
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.ticker != nil {
		t.ticker.Stop()
		close(t.quit)
	}
}

// AfterFunc runs fn on the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped {
				return
			}
			t.stopped = true
			fn()
		})
	})
	return t
}

// Every runs fn on the loop each time d elapses until stopped.
func (l *Loop) Every(d time.Duration, fn func()) Timer {
	t := &loopTimer{
		ticker: time.NewTicker(d),
		quit:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-t.ticker.C:
				l.Post(func() {
					if !t.stopped {
						fn()
					}
				})
			case <-t.quit:
				return
			case <-l.done:
				return
			}
		}
	}()
	return t
}
