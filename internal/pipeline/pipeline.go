package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/evtrack/internal/event"
	"github.com/banshee-data/evtrack/internal/ingest"
	"github.com/banshee-data/evtrack/internal/monitoring"
	"github.com/banshee-data/evtrack/internal/sink"
	"github.com/banshee-data/evtrack/internal/source"
	"github.com/banshee-data/evtrack/internal/surface"
	"github.com/banshee-data/evtrack/internal/tracker"
)

// notice tells the tracker stage that the surface has new events up to ref
// on the tracked channel.
type notice struct {
	ref    uint64
	events int
}

// Pipeline runs one source through the tracker.
type Pipeline struct {
	cfg   Config
	src   source.Source
	pub   sink.Publisher
	buf   *ingest.Buffer
	queue *ingest.BatchQueue[notice]
	tr    *tracker.Tracker

	// Decoder-owned.
	unwrap  *event.Unwrapper
	stamped []event.Stamped

	// surfMu serialises the decoder's writes and the tracker's queries.
	surfMu sync.Mutex
	surf   *surface.Surface
	query  []event.Stamped

	events, markers, unknown, lost atomic.Uint64
	batches, skipped               atomic.Uint64
	lastRef                        atomic.Uint64
	wraps, suspect, clamped        atomic.Uint64
	rate                           rateMeter
}

// New builds a pipeline. The tracker and its worker pool are started
// immediately; Run drives them and stops them on return.
func New(cfg Config, src source.Source, pub sink.Publisher) (*Pipeline, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errors.New("pipeline: nil source")
	}
	if pub == nil {
		pub = sink.Discard
	}
	tr, err := tracker.New(cfg.Tracker)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:    cfg,
		src:    src,
		pub:    pub,
		buf:    ingest.NewBuffer(cfg.Ingest),
		queue:  ingest.NewBatchQueue[notice](cfg.QueueDepth),
		tr:     tr,
		unwrap: event.NewUnwrapper(cfg.Sideband),
		surf:   surface.New(cfg.Tracker.Width, cfg.Tracker.Height, cfg.WrapPeriodFactor),
	}, nil
}

// Tracker returns the pipeline's tracker, for status and particle views.
func (p *Pipeline) Tracker() *tracker.Tracker { return p.tr }

// Run starts the three stages and blocks until the source is exhausted and
// every queued batch has been tracked, or until ctx is done or a stage
// fails. It returns nil when the source ended on its own.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.tr.Close()
	monitoring.Logf("pipeline: source=%s channel=%d sideband=%v ingest=%d bytes threshold=%d",
		p.src.Name(), p.cfg.Tracker.Channel, p.cfg.Sideband, p.cfg.Ingest.Capacity, p.cfg.Ingest.Threshold)

	g, gctx := errgroup.WithContext(ctx)
	decoded := make(chan struct{})
	tracked := make(chan struct{})

	g.Go(func() error {
		defer p.buf.Close()
		if err := p.src.Run(gctx, p.buf); err != nil {
			return fmt.Errorf("source %s: %w", p.src.Name(), err)
		}
		return nil
	})
	g.Go(func() error {
		defer close(decoded)
		return p.decodeLoop(gctx)
	})
	g.Go(func() error {
		defer close(tracked)
		return p.trackLoop(gctx, decoded)
	})
	if p.cfg.StatsInterval > 0 {
		g.Go(func() error {
			p.statsLoop(gctx, tracked)
			return nil
		})
	}

	err := g.Wait()
	st := p.Stats()
	monitoring.Logf("pipeline stopped: %d events, %d cycles, %d bytes lost, %d batches skipped",
		st.Events, st.Tracker.Cycles, st.BytesLost, st.BatchesSkipped)
	return err
}

func (p *Pipeline) decodeLoop(ctx context.Context) error {
	poll := p.cfg.Clock.NewTicker(p.cfg.PollInterval)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.buf.Ready():
			p.drain()
		case <-poll.C():
			p.drain()
		case <-p.buf.Done():
			// The producer has stopped; one swap collects everything left.
			p.drain()
			return nil
		}
	}
}

// drain swaps the ingest buffer and applies its records to the surface.
func (p *Pipeline) drain() {
	batch := p.buf.SwapAndDrain()
	defer p.buf.Release()
	if batch.Loss > 0 {
		p.lost.Add(batch.Loss)
	}
	if len(batch.Data) == 0 {
		return
	}

	ch := p.cfg.Tracker.Channel
	tracked := 0
	p.stamped = p.stamped[:0]
	consumed, unknown := event.DecodeAll(batch.Data, func(e event.Event) {
		t, ok := p.unwrap.Apply(e)
		if !ok {
			if e.Kind == event.KindWrap {
				p.markers.Add(1)
			}
			return
		}
		if e.Channel == ch {
			tracked++
		}
		p.stamped = append(p.stamped, event.Stamped{Event: e, T: t})
	})
	if rem := len(batch.Data) - consumed; rem > 0 {
		// Align keeps partial records out of the buffer; count any anyway.
		p.lost.Add(uint64(rem))
	}
	p.unknown.Add(uint64(unknown))
	p.events.Add(uint64(len(p.stamped)))
	p.wraps.Store(p.unwrap.Wraps(ch))
	p.suspect.Store(p.unwrap.Suspect(ch))
	p.clamped.Store(p.unwrap.Clamped(ch))

	p.surfMu.Lock()
	for i := range p.stamped {
		p.surf.Add(p.stamped[i].Event, p.stamped[i].T)
	}
	p.surfMu.Unlock()

	if tracked == 0 {
		return
	}
	ref := p.unwrap.Last(ch)
	p.batches.Add(1)
	p.queue.Offer(notice{ref: ref, events: tracked})
}

func (p *Pipeline) trackLoop(ctx context.Context, decoded <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-p.queue.C():
			if err := p.track(ctx, n); err != nil {
				return err
			}
		case <-decoded:
			// The decoder has exited; finish what it queued.
			for {
				select {
				case n := <-p.queue.C():
					if err := p.track(ctx, n); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}

// track runs one tracker cycle for the freshest queued notice.
func (p *Pipeline) track(ctx context.Context, n notice) error {
	n, skipped := p.queue.Latest(n)
	p.skipped.Add(uint64(skipped))
	p.lastRef.Store(n.ref)

	q := p.tr.NextQuery()
	p.surfMu.Lock()
	if q.ROI {
		p.query = p.surf.QueryROI(q.Channel, n.ref, q.Window, q.CX, q.CY, q.Radius, p.query[:0])
	} else {
		p.query = p.surf.QueryWindow(q.Channel, n.ref, q.Window, p.query[:0])
	}
	p.surfMu.Unlock()

	est, err := p.tr.Step(ctx, n.ref, p.query)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("tracker cycle at %d: %w", n.ref, err)
	}
	p.pub.Publish(est)
	return nil
}

func (p *Pipeline) statsLoop(ctx context.Context, tracked <-chan struct{}) {
	tk := p.cfg.Clock.NewTicker(p.cfg.StatsInterval)
	defer tk.Stop()
	p.rate.sample(p.events.Load(), p.cfg.Clock.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-tracked:
			return
		case now := <-tk.C():
			rate := p.rate.sample(p.events.Load(), now)
			st := p.Stats()
			monitoring.Logf("pipeline: %.0f ev/s, %d events, %d cycles, %d bytes lost, %d batches skipped, max likelihood %.2f",
				rate, st.Events, st.Tracker.Cycles, st.BytesLost, st.BatchesSkipped, st.Tracker.LastMaxLikelihood)
		}
	}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.surfMu.Lock()
	oob := p.surf.OutOfBounds
	p.surfMu.Unlock()
	return Stats{
		Source:         p.src.Name(),
		Events:         p.events.Load(),
		Markers:        p.markers.Load(),
		Unknown:        p.unknown.Load(),
		OutOfBounds:    oob,
		BytesLost:      p.lost.Load(),
		Swaps:          p.buf.Swaps(),
		Batches:        p.batches.Load(),
		BatchesSkipped: p.skipped.Load(),
		BatchesDropped: p.queue.Dropped(),
		Wraps:          p.wraps.Load(),
		Suspect:        p.suspect.Load(),
		Clamped:        p.clamped.Load(),
		LastRef:        p.lastRef.Load(),
		EventRate:      p.rate.value(),
		IngestState:    p.buf.State().String(),
		IngestFill:     p.buf.Fill(),
		Tracker:        p.tr.Stats(),
	}
}
