package runner

import (
	"sync"
	"time"
)

// Heartbeat records the time of the last fully successful poll cycle.
// Written only by the polling loop; read by the health endpoint. A poll
// that fails mid-iteration never beats, so persistent failures surface as
// a growing gap.
type Heartbeat struct {
	mu       sync.RWMutex
	lastPoll time.Time
}

// NewHeartbeat creates an unbeaten heartbeat.
func NewHeartbeat() *Heartbeat {
	return &Heartbeat{}
}

// Beat marks the current time as the last successful poll.
func (h *Heartbeat) Beat() {
	h.BeatAt(time.Now())
}

// BeatAt marks t as the last successful poll.
func (h *Heartbeat) BeatAt(t time.Time) {
	h.mu.Lock()
	h.lastPoll = t
	h.mu.Unlock()
}

// LastPoll returns the last successful poll time and whether any poll has
// succeeded yet.
func (h *Heartbeat) LastPoll() (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastPoll, !h.lastPoll.IsZero()
}

// Healthy reports liveness: true iff a poll has succeeded within the
// threshold. Not latched; a single fresh poll flips it back to healthy.
func (h *Heartbeat) Healthy(threshold time.Duration) bool {
	last, ok := h.LastPoll()
	if !ok {
		return false
	}
	return time.Since(last) <= threshold
}
