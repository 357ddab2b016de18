package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/evtrack/internal/tracker"
)

func cycles(ests []tracker.TargetEstimate) []uint64 {
	out := make([]uint64, len(ests))
	for i, e := range ests {
		out[i] = e.Cycle
	}
	return out
}

func TestHistory(t *testing.T) {
	t.Parallel()

	t.Run("partial", func(t *testing.T) {
		h := NewHistory(4)
		assert.Empty(t, h.Snapshot())
		h.Publish(tracker.TargetEstimate{Cycle: 1})
		h.Publish(tracker.TargetEstimate{Cycle: 2})
		assert.Equal(t, 2, h.Len())
		assert.Equal(t, []uint64{1, 2}, cycles(h.Snapshot()))
	})

	t.Run("wraps oldest first", func(t *testing.T) {
		h := NewHistory(3)
		for c := uint64(1); c <= 5; c++ {
			h.Publish(tracker.TargetEstimate{Cycle: c})
		}
		assert.Equal(t, 3, h.Len())
		assert.Equal(t, []uint64{3, 4, 5}, cycles(h.Snapshot()))
		assert.Equal(t, []uint64{4, 5}, cycles(h.Last(2)))
		assert.Equal(t, []uint64{3, 4, 5}, cycles(h.Last(10)))
		assert.Equal(t, []uint64{3, 4, 5}, cycles(h.Last(0)))
	})

	t.Run("minimum size", func(t *testing.T) {
		h := NewHistory(0)
		h.Publish(tracker.TargetEstimate{Cycle: 7})
		h.Publish(tracker.TargetEstimate{Cycle: 8})
		assert.Equal(t, []uint64{8}, cycles(h.Snapshot()))
	})
}
