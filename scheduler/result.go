package scheduler

import "sync"

// Result is the one-shot outcome of a single test. The first Resolve or Reject
// wins; later calls report false and change nothing. It is safe for concurrent
// use, since the timeout settles it from a timer goroutine.
type Result struct {
	err  error
	done chan struct{}
	once sync.Once
}

// NewResult returns an unsettled result.
func NewResult() *Result {
	return &Result{done: make(chan struct{})}
}

// Resolve settles the result as passed.
func (r *Result) Resolve() bool {
	return r.settle(nil)
}

// Reject settles the result as failed with err. A nil err is treated as a
// plain rejection.
func (r *Result) Reject(err error) bool {
	if err == nil {
		err = errRejectedNil
	}
	return r.settle(err)
}

func (r *Result) settle(err error) bool {
	settled := false
	r.once.Do(func() {
		r.err = err
		close(r.done)
		settled = true
	})
	return settled
}

// Done is closed once the result is settled.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Settled reports whether Resolve or Reject has taken effect.
func (r *Result) Settled() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Err returns the rejection reason, or nil if the result passed or is still
// pending.
func (r *Result) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}
