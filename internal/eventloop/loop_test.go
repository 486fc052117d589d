package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"
)

// TestLoop_FIFO verifies events run in the order they were posted.
func TestLoop_FIFO(t *testing.T) {
	l := New()
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}

	if n := l.Drain(); n != 5 {
		t.Fatalf("Drain ran %d events, want 5", n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("order = %v, want 0..4", got)
		}
	}
}

// TestLoop_PostFromEvent verifies that events posted while draining run
// in the same Drain call, after the event that posted them.
func TestLoop_PostFromEvent(t *testing.T) {
	l := New()
	var got []string
	l.Post(func() {
		got = append(got, "outer")
		l.Post(func() { got = append(got, "inner") })
	})
	l.Post(func() { got = append(got, "second") })

	l.Drain()
	want := []string{"outer", "second", "inner"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

// TestLoop_Run verifies a running loop picks up events posted from
// other goroutines.
func TestLoop_Run(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx) //nolint:errcheck

	var wg sync.WaitGroup
	done := make(chan struct{})
	count := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Post(func() {
				count++
				if count == 50 {
					close(done)
				}
			})
		}()
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events were not drained")
	}
}

// TestLoop_PostAfter verifies delayed events arrive on the queue.
func TestLoop_PostAfter(t *testing.T) {
	l := New()
	ran := false
	l.PostAfter(10*time.Millisecond, func() { ran = true })

	if l.Pending() != 0 {
		t.Fatal("delayed event should not be queued yet")
	}
	deadline := time.Now().Add(2 * time.Second)
	for l.Pending() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	l.Drain()
	if !ran {
		t.Fatal("delayed event did not run")
	}
}

// TestLoop_PostAfterStop verifies a stopped timer never posts.
func TestLoop_PostAfterStop(t *testing.T) {
	l := New()
	timer := l.PostAfter(20*time.Millisecond, func() { t.Error("cancelled event ran") })
	timer.Stop()

	time.Sleep(50 * time.Millisecond)
	if l.Drain() != 0 {
		t.Fatal("no events expected")
	}
}

// TestLoop_PostAfterRunExit verifies Post is refused once Run returns.
func TestLoop_PostAfterRunExit(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Run(ctx); err == nil {
		t.Fatal("Run should report the context error")
	}
	if l.Post(func() {}) {
		t.Fatal("Post should fail after the loop stopped")
	}
}
