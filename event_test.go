package kiln

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func TestEmitterDenseSequence(t *testing.T) {
	log := NewMemoryLog()
	em := NewEmitter(log, NewRunID())

	for i := 0; i < 5; i++ {
		ev, err := em.Emit(context.Background(), KindTaskStarted, map[string]any{"i": i})
		if err != nil {
			t.Fatalf("Emit: %v", err)
		}
		if ev.Seq != int64(i) {
			t.Errorf("seq = %d, want %d", ev.Seq, i)
		}
	}
	if got := em.Seq(); got != 5 {
		t.Errorf("Seq() = %d, want 5", got)
	}
}

// failingLog rejects every append.
type failingLog struct{}

func (failingLog) Append(context.Context, Event) error { return fmt.Errorf("disk full") }
func (failingLog) QueryByRun(context.Context, string) ([]Event, error) {
	return nil, nil
}
func (failingLog) QueryByKind(context.Context, string, Kind) ([]Event, error) {
	return nil, nil
}
func (failingLog) Replay(context.Context, string) ([]Event, error) { return nil, nil }

func TestEmitterFailedAppendKeepsCounter(t *testing.T) {
	em := NewEmitter(failingLog{}, NewRunID())
	if _, err := em.Emit(context.Background(), KindRunStarted, nil); err == nil {
		t.Fatal("expected append error")
	}
	if got := em.Seq(); got != 0 {
		t.Errorf("Seq() after failed append = %d, want 0", got)
	}
}

func TestEmitterConcurrentDense(t *testing.T) {
	log := NewMemoryLog()
	runID := NewRunID()
	em := NewEmitter(log, runID)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := em.Emit(context.Background(), KindTaskStarted, nil); err != nil {
				t.Errorf("Emit: %v", err)
			}
		}()
	}
	wg.Wait()

	evs := mustEvents(t, log, runID)
	if len(evs) != 20 {
		t.Fatalf("got %d events, want 20", len(evs))
	}
	for i, ev := range evs {
		if ev.Seq != int64(i) {
			t.Errorf("event %d has seq %d, want %d", i, ev.Seq, i)
		}
	}
}

func TestMemoryLogRejectsDuplicateSeq(t *testing.T) {
	log := NewMemoryLog()
	ev := Event{RunID: "run_x", Seq: 0, Timestamp: NowUTC(), Kind: KindRunStarted}
	if err := log.Append(context.Background(), ev); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := log.Append(context.Background(), ev); err == nil {
		t.Error("expected error on duplicate (run_id, seq)")
	}
}

func TestMemoryLogSortsOutOfOrderAppends(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	for _, seq := range []int64{2, 0, 1} {
		ev := Event{RunID: "run_x", Seq: seq, Timestamp: NowUTC(), Kind: KindTaskStarted}
		if err := log.Append(ctx, ev); err != nil {
			t.Fatalf("append seq %d: %v", seq, err)
		}
	}
	evs := mustEvents(t, log, "run_x")
	for i, ev := range evs {
		if ev.Seq != int64(i) {
			t.Errorf("event %d has seq %d, want %d", i, ev.Seq, i)
		}
	}
}

func TestMemoryLogSeqScopedPerRun(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	if err := log.Append(ctx, Event{RunID: "run_a", Seq: 0, Timestamp: NowUTC(), Kind: KindRunStarted}); err != nil {
		t.Fatalf("run_a append: %v", err)
	}
	if err := log.Append(ctx, Event{RunID: "run_b", Seq: 0, Timestamp: NowUTC(), Kind: KindRunStarted}); err != nil {
		t.Errorf("same seq in another run rejected: %v", err)
	}
}

func TestMemoryLogQueryByKind(t *testing.T) {
	log := NewMemoryLog()
	em := NewEmitter(log, "run_y")
	ctx := context.Background()
	em.Emit(ctx, KindRunStarted, nil)
	em.Emit(ctx, KindTaskStarted, nil)
	em.Emit(ctx, KindTaskFinished, nil)
	em.Emit(ctx, KindTaskStarted, nil)

	evs, err := log.QueryByKind(ctx, "run_y", KindTaskStarted)
	if err != nil {
		t.Fatalf("QueryByKind: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("got %d TaskStarted events, want 2", len(evs))
	}
	if evs[0].Seq != 1 || evs[1].Seq != 3 {
		t.Errorf("seqs = %d, %d, want 1, 3", evs[0].Seq, evs[1].Seq)
	}
}

func TestMemoryLogIsolatesRuns(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	NewEmitter(log, "run_a").Emit(ctx, KindRunStarted, nil)
	NewEmitter(log, "run_b").Emit(ctx, KindRunStarted, nil)

	evs := mustEvents(t, log, "run_a")
	if len(evs) != 1 {
		t.Errorf("run_a has %d events, want 1", len(evs))
	}
}
