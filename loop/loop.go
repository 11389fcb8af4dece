// Package loop provides the cooperative single-goroutine event loop that every
// module call, deferred callback and scheduler transition runs on.
//
// It wraps go-eventloop: work is queued with Post and executed in FIFO order
// by Run, and timers created through a Scope fire on the loop goroutine, so
// callbacks never run concurrently with each other. Scopes add group
// cancellation on top of the loop's timer IDs.
package loop

import (
	"context"
	"sync"
	"time"

	goeventloop "github.com/joeycumines/go-eventloop"
)

// Loop is a FIFO task queue drained by a single goroutine.
type Loop struct {
	el      *goeventloop.Loop
	done    chan struct{}
	mu      sync.Mutex
	stopped bool
	running bool
}

// New creates a loop. Nothing runs until Run is called.
func New() (*Loop, error) {
	el, err := goeventloop.New()
	if err != nil {
		return nil, err
	}
	return &Loop{el: el, done: make(chan struct{})}, nil
}

// Post queues fn for a later turn. It reports false if the loop has stopped.
// Tasks still queued when Stop is called are dropped.
func (l *Loop) Post(fn func()) bool {
	if l.Stopped() {
		return false
	}
	err := l.el.Submit(func() {
		if !l.Stopped() {
			fn()
		}
	})
	return err == nil
}

// Stop ends Run after the task currently executing. Queued tasks are dropped.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.done)
	// Shutdown waits for the loop to terminate and Stop is usually called
	// from a task on it.
	go func() { _ = l.el.Shutdown(context.Background()) }()
}

// Done is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Stopped reports whether Stop has been called.
func (l *Loop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Run drains the queue on the calling goroutine until Stop is called or ctx is
// done. It returns ctx.Err() in the latter case and nil otherwise.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		panic("loop: Run called twice")
	}
	l.running = true
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.done:
			cancel()
		case <-runCtx.Done():
		}
	}()

	err := l.el.Run(runCtx)
	stoppedFirst := l.Stopped()
	l.Stop()
	switch {
	case stoppedFirst:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return err
}

// after arms a loop timer. fn runs on the loop goroutine.
func (l *Loop) after(d time.Duration, fn func()) (goeventloop.TimerID, error) {
	return l.el.ScheduleTimer(d, fn)
}

// cancelTimer disarms id. CancelTimer waits on the loop, and callers are often
// running on it, so the call is made from its own goroutine.
func (l *Loop) cancelTimer(id goeventloop.TimerID) {
	go func() { _ = l.el.CancelTimer(id) }()
}

// Scope groups callbacks so they can be cancelled together, for example all
// deferred work started by one test.
type Scope struct {
	loop   *Loop
	timers map[goeventloop.TimerID]*timer
	mu     sync.Mutex
	closed bool
}

type timer struct {
	id    goeventloop.TimerID
	fired bool
}

// Scope creates a new cancellation scope on l.
func (l *Loop) Scope() *Scope {
	return &Scope{loop: l, timers: make(map[goeventloop.TimerID]*timer)}
}

// Post queues fn unless the scope is closed by the time it runs.
func (s *Scope) Post(fn func()) bool {
	if s.Closed() {
		return false
	}
	return s.loop.Post(func() {
		if !s.Closed() {
			fn()
		}
	})
}

// After runs fn on the loop once d has elapsed. The returned cancel func
// disarms the timer; it is a no-op after the timer fired or the scope closed.
func (s *Scope) After(d time.Duration, fn func()) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.loop.Stopped() {
		return func() {}
	}

	t := &timer{}
	id, err := s.loop.after(d, func() {
		s.mu.Lock()
		live := !s.closed && !t.fired
		t.fired = true
		delete(s.timers, t.id)
		s.mu.Unlock()
		if live && !s.loop.Stopped() {
			fn()
		}
	})
	if err != nil {
		return func() {}
	}
	t.id = id
	s.timers[id] = t

	return func() {
		s.mu.Lock()
		armed := !t.fired
		t.fired = true
		delete(s.timers, id)
		s.mu.Unlock()
		if armed {
			s.loop.cancelTimer(id)
		}
	}
}

// Pending returns the number of armed timers.
func (s *Scope) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close disarms every timer and drops callbacks already queued but not yet
// run. It is safe to call more than once.
func (s *Scope) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, t := range s.timers {
		t.fired = true
		s.loop.cancelTimer(id)
	}
	clear(s.timers)
}

// Closed reports whether Close has been called.
func (s *Scope) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
