package kiln

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLimiterGlobalCap(t *testing.T) {
	l := NewConcurrencyLimiter(2, 0)
	ctx := context.Background()

	if err := l.Acquire(ctx, "a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Acquire(ctx, "b"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l.TryAcquire("c") {
		t.Error("TryAcquire succeeded past global cap")
	}
	if got := l.ActiveCount(); got != 2 {
		t.Errorf("ActiveCount = %d, want 2", got)
	}

	l.Release("a")
	if !l.TryAcquire("c") {
		t.Error("TryAcquire failed after release")
	}
	l.Release("b")
	l.Release("c")
	if got := l.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount after drain = %d, want 0", got)
	}
}

func TestLimiterPerTool(t *testing.T) {
	l := NewConcurrencyLimiter(4, 1)

	if !l.TryAcquire("search") {
		t.Fatal("first per-tool slot unavailable")
	}
	if l.TryAcquire("search") {
		t.Error("second slot for same tool granted with per-tool cap 1")
	}
	// A failed per-tool acquire must not leak the global slot.
	if got := l.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount = %d, want 1", got)
	}
	if !l.TryAcquire("fetch") {
		t.Error("different tool should still fit")
	}
	l.Release("search")
	l.Release("fetch")
}

func TestLimiterAcquireCancellation(t *testing.T) {
	l := NewConcurrencyLimiter(1, 0)
	if err := l.Acquire(context.Background(), "a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx, "b") }()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Acquire = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled Acquire did not return")
	}
	l.Release("a")
}

func TestLimiterBoundsConcurrency(t *testing.T) {
	const slots = 3
	l := NewConcurrencyLimiter(slots, 0)
	ctx := context.Background()

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(ctx, "work"); err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			l.Release("work")
		}()
	}
	wg.Wait()

	if p := peak.Load(); p > slots {
		t.Errorf("peak concurrency = %d, want <= %d", p, slots)
	}
}
