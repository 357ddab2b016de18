package monitor

import (
	"sync"

	"github.com/banshee-data/evtrack/internal/tracker"
)

// History keeps the most recent estimates in a fixed ring. It is a
// sink.Publisher, so it can sit alongside the recorder in a sink.Multi.
type History struct {
	mu   sync.Mutex
	buf  []tracker.TargetEstimate
	next int
	full bool
}

// NewHistory returns a ring holding up to size estimates.
func NewHistory(size int) *History {
	if size < 1 {
		size = 1
	}
	return &History{buf: make([]tracker.TargetEstimate, size)}
}

// Publish stores est, overwriting the oldest entry once the ring is full.
func (h *History) Publish(est tracker.TargetEstimate) {
	h.mu.Lock()
	h.buf[h.next] = est
	h.next++
	if h.next == len(h.buf) {
		h.next = 0
		h.full = true
	}
	h.mu.Unlock()
}

// Len returns the number of stored estimates.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.buf)
	}
	return h.next
}

// Snapshot returns the stored estimates, oldest first.
func (h *History) Snapshot() []tracker.TargetEstimate {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		return append([]tracker.TargetEstimate(nil), h.buf[:h.next]...)
	}
	out := make([]tracker.TargetEstimate, 0, len(h.buf))
	out = append(out, h.buf[h.next:]...)
	return append(out, h.buf[:h.next]...)
}

// Last returns up to n of the most recent estimates, oldest first.
func (h *History) Last(n int) []tracker.TargetEstimate {
	all := h.Snapshot()
	if n > 0 && n < len(all) {
		all = all[len(all)-n:]
	}
	return all
}
