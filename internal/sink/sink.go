// Package sink delivers tracker estimates to their consumers: logs,
// in-process channels, the SQLite estimate recorder and a gRPC stream for
// remote visualisers.
package sink

import (
	"sync"
	"sync/atomic"

	"github.com/banshee-data/evtrack/internal/monitoring"
	"github.com/banshee-data/evtrack/internal/tracker"
)

// Publisher consumes estimates. Publish is called from the tracker
// goroutine once per cycle and must not block.
type Publisher interface {
	Publish(est tracker.TargetEstimate)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(est tracker.TargetEstimate)

func (f PublisherFunc) Publish(est tracker.TargetEstimate) { f(est) }

// Multi fans an estimate out to every publisher in order. Nil entries are
// skipped.
type Multi []Publisher

func (m Multi) Publish(est tracker.TargetEstimate) {
	for _, p := range m {
		if p != nil {
			p.Publish(est)
		}
	}
}

// Discard drops every estimate.
var Discard Publisher = PublisherFunc(func(tracker.TargetEstimate) {})

// LogPublisher logs acquisition and loss of the target, and a summary
// every Every cycles while tracking.
type LogPublisher struct {
	Every    uint64 // 0 disables the periodic summary
	mu       sync.Mutex
	tracking bool
}

func (l *LogPublisher) Publish(est tracker.TargetEstimate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case est.Detected && !l.tracking:
		monitoring.Logf("target acquired at cycle %d: (%.1f, %.1f) r=%.1f conf=%.2f",
			est.Cycle, est.X, est.Y, est.R, est.Confidence)
	case !est.Detected && l.tracking:
		monitoring.Logf("target lost at cycle %d (max likelihood %.2f)", est.Cycle, est.MaxLikelihood)
	case est.Detected && l.Every > 0 && est.Cycle%l.Every == 0:
		monitoring.Logf("cycle %d: (%.1f±%.1f, %.1f±%.1f) r=%.1f±%.1f tw=%.0f conf=%.2f events=%d",
			est.Cycle, est.X, est.StdX, est.Y, est.StdY, est.R, est.StdR, est.Tw, est.Confidence, est.Events)
	}
	l.tracking = est.Detected
}

// ChannelPublisher offers estimates on a buffered channel. When the
// channel is full the estimate is dropped and counted.
type ChannelPublisher struct {
	ch      chan tracker.TargetEstimate
	dropped atomic.Uint64
}

// NewChannelPublisher returns a publisher with the given buffer depth
// (minimum 1).
func NewChannelPublisher(depth int) *ChannelPublisher {
	if depth < 1 {
		depth = 1
	}
	return &ChannelPublisher{ch: make(chan tracker.TargetEstimate, depth)}
}

func (c *ChannelPublisher) Publish(est tracker.TargetEstimate) {
	select {
	case c.ch <- est:
	default:
		c.dropped.Add(1)
	}
}

// C returns the receive side of the channel.
func (c *ChannelPublisher) C() <-chan tracker.TargetEstimate { return c.ch }

// Dropped returns the number of estimates dropped on a full channel.
func (c *ChannelPublisher) Dropped() uint64 { return c.dropped.Load() }
