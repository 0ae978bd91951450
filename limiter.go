package kiln

import (
	"context"
	"sync"
)

// ConcurrencyLimiter bounds simultaneous tool executions with a global
// counting semaphore plus lazily created per-tool semaphores. The per-tool
// slot is always taken after the global one and returned before it, so a
// saturated tool never pins global capacity ordering. Fairness is not
// guaranteed.
type ConcurrencyLimiter struct {
	global chan struct{}

	mu       sync.Mutex
	perTool  map[string]chan struct{}
	toolSize int
}

// NewConcurrencyLimiter creates a limiter with maxParallel global slots
// and perToolSlots slots per distinct tool name. perToolSlots <= 0 disables
// per-tool limiting.
func NewConcurrencyLimiter(maxParallel, perToolSlots int) *ConcurrencyLimiter {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &ConcurrencyLimiter{
		global:   make(chan struct{}, maxParallel),
		perTool:  make(map[string]chan struct{}),
		toolSize: perToolSlots,
	}
}

func (l *ConcurrencyLimiter) toolSem(tool string) chan struct{} {
	if l.toolSize <= 0 || tool == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.perTool[tool]
	if !ok {
		sem = make(chan struct{}, l.toolSize)
		l.perTool[tool] = sem
	}
	return sem
}

// Acquire blocks until a global slot (and, when tool is named, a per-tool
// slot) is available or ctx is cancelled.
func (l *ConcurrencyLimiter) Acquire(ctx context.Context, tool string) error {
	select {
	case l.global <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if sem := l.toolSem(tool); sem != nil {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			<-l.global
			return ctx.Err()
		}
	}
	return nil
}

// TryAcquire takes the slots without blocking. Returns false and leaves
// the limiter untouched when either slot is unavailable.
func (l *ConcurrencyLimiter) TryAcquire(tool string) bool {
	select {
	case l.global <- struct{}{}:
	default:
		return false
	}
	if sem := l.toolSem(tool); sem != nil {
		select {
		case sem <- struct{}{}:
		default:
			<-l.global
			return false
		}
	}
	return true
}

// Release returns the slots taken by a matching Acquire or TryAcquire.
// The per-tool slot is released before the global one.
func (l *ConcurrencyLimiter) Release(tool string) {
	if sem := l.toolSem(tool); sem != nil {
		<-sem
	}
	<-l.global
}

// ActiveCount reports how many global slots are currently held.
func (l *ConcurrencyLimiter) ActiveCount() int {
	return len(l.global)
}
