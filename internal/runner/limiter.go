package runner

import (
	"sync"

	"github.com/google/uuid"
)

// Unlimited disables admission control: every Acquire succeeds.
const Unlimited = -1

// SlotLimiter is non-blocking admission control for flow run dispatch.
// Acquire reserves a slot for a run if occupancy is below the limit;
// Release frees it. It is not a queue: a rejected run is simply retried
// by the caller on a later poll cycle.
type SlotLimiter struct {
	mu    sync.Mutex
	limit int
	held  map[uuid.UUID]struct{}
}

// NewSlotLimiter creates a limiter. A negative limit means unlimited;
// zero rejects all work.
func NewSlotLimiter(limit int) *SlotLimiter {
	return &SlotLimiter{
		limit: limit,
		held:  make(map[uuid.UUID]struct{}),
	}
}

// Acquire reserves a slot for runID. Returns false without blocking when
// the limit is reached. Acquiring a slot already held by the same run is
// a no-op that reports success, so dispatch retries cannot double-count.
func (l *SlotLimiter) Acquire(runID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[runID]; ok {
		return true
	}
	if l.limit >= 0 && len(l.held) >= l.limit {
		return false
	}
	l.held[runID] = struct{}{}
	return true
}

// Release frees the slot held by runID. Releasing a slot that was never
// acquired, or releasing twice, is a no-op: crash handling and
// cancellation handling may both try to release the same run.
func (l *SlotLimiter) Release(runID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, runID)
}

// InUse returns the current occupancy.
func (l *SlotLimiter) InUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// Limit returns the configured limit.
func (l *SlotLimiter) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// SetLimit replaces the limit at runtime. Lowering the limit below current
// occupancy does not evict running work; it only blocks new admissions
// until occupancy drains below the new limit.
func (l *SlotLimiter) SetLimit(limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = limit
}
