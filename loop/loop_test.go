package loop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func runAsync(t *testing.T, l *Loop) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- l.Run(context.Background()) }()
	t.Cleanup(l.Stop)
	return errc
}

func waitRun(t *testing.T, errc <-chan error) {
	t.Helper()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestLoop_FIFO(t *testing.T) {
	l := newLoop(t)
	var got []int
	for i := range 5 {
		l.Post(func() { got = append(got, i) })
	}
	l.Post(func() {
		// posted during a turn, runs after everything queued before it
		l.Post(func() {
			got = append(got, 99)
			l.Stop()
		})
		got = append(got, 5)
	})

	waitRun(t, runAsync(t, l))

	if diff := cmp.Diff([]int{0, 1, 2, 3, 4, 5, 99}, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestLoop_PostAfterStop(t *testing.T) {
	l := newLoop(t)
	l.Stop()
	l.Stop()
	if l.Post(func() {}) {
		t.Error("Post should fail after Stop")
	}
	if !l.Stopped() {
		t.Error("Stopped() should be true")
	}
	if err := l.Run(context.Background()); err != nil {
		t.Errorf("Run on stopped loop: %v", err)
	}
}

func TestLoop_ContextCancel(t *testing.T) {
	l := newLoop(t)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if l.Post(func() {}) {
		t.Error("Post should fail after cancellation")
	}
}

func TestScope_After(t *testing.T) {
	l := newLoop(t)
	s := l.Scope()
	var got []string

	s.After(20*time.Millisecond, func() {
		got = append(got, "late")
		l.Stop()
	})
	s.After(time.Millisecond, func() { got = append(got, "early") })
	cancel := s.After(5*time.Millisecond, func() { got = append(got, "cancelled") })
	cancel()
	cancel()

	waitRun(t, runAsync(t, l))

	if diff := cmp.Diff([]string{"early", "late"}, got); diff != "" {
		t.Errorf("timer order mismatch (-want +got):\n%s", diff)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending() = %d", s.Pending())
	}
}

func TestScope_CloseCancelsPending(t *testing.T) {
	l := newLoop(t)
	test := l.Scope()
	global := l.Scope()
	fired := false

	test.After(10*time.Millisecond, func() { fired = true })
	test.Post(func() { fired = true })
	if test.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", test.Pending())
	}
	test.Close()
	test.Close()

	if test.Post(func() {}) {
		t.Error("Post on closed scope should fail")
	}
	test.After(time.Millisecond, func() { fired = true })()

	global.After(30*time.Millisecond, l.Stop)

	waitRun(t, runAsync(t, l))

	if fired {
		t.Error("callback from closed scope ran")
	}
	if !test.Closed() || global.Closed() {
		t.Error("Closed() state wrong")
	}
}

func TestLoop_Done(t *testing.T) {
	l := newLoop(t)
	select {
	case <-l.Done():
		t.Fatal("Done closed before Stop")
	default:
	}
	l.Stop()
	select {
	case <-l.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestScope_AfterRunsOnLoop(t *testing.T) {
	l := newLoop(t)
	s := l.Scope()
	var got []string

	// Timer callbacks interleave with posted tasks on the loop goroutine only.
	s.After(5*time.Millisecond, func() {
		got = append(got, "timer")
		l.Post(func() {
			got = append(got, "post")
			l.Stop()
		})
	})
	l.Post(func() { got = append(got, "first") })

	waitRun(t, runAsync(t, l))

	if diff := cmp.Diff([]string{"first", "timer", "post"}, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestScope_AfterStop(t *testing.T) {
	l := newLoop(t)
	s := l.Scope()
	l.Stop()
	fired := false
	cancel := s.After(time.Millisecond, func() { fired = true })
	cancel()
	if s.Pending() != 0 || fired {
		t.Errorf("Pending() = %d, fired = %v", s.Pending(), fired)
	}
}
