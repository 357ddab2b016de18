package tracker

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/banshee-data/evtrack/internal/event"
	"github.com/banshee-data/evtrack/internal/monitoring"
)

// Query describes the events the tracker wants for its next cycle.
type Query struct {
	Channel uint8
	Window  uint64 // ticks; the largest particle window
	ROI     bool   // restrict to the square centred on (CX, CY)
	CX, CY  float64
	Radius  float64
}

// Stats are cumulative counters since New.
type Stats struct {
	Cycles            uint64  `json:"cycles"`
	Resamples         uint64  `json:"resamples"`
	ResampleSkips     uint64  `json:"resample_skips"`
	Redrawn           uint64  `json:"redrawn"` // out-of-bounds particles re-drawn during predict
	StagnancyResets   uint64  `json:"stagnancy_resets"`
	LastDegeneracy    float64 `json:"last_degeneracy"`
	LastMaxLikelihood float64 `json:"last_max_likelihood"`
	LastEvents        int     `json:"last_events"`
}

// Tracker runs the particle filter cycle. Step must be called from a single
// goroutine; Stats, Particles, Latest and NextQuery may be called from any.
type Tracker struct {
	cfg     Config
	rate    float64
	sampler *sampler
	pop     *population
	pool    *WorkerPool
	est     *estimator

	// Cycle state, owned by the Step goroutine.
	obs      Observation
	lastRef  uint64
	started  bool
	lowSince uint64
	low      bool

	mu      sync.Mutex // guards everything below and the population during Step
	stats   Stats
	latest  TargetEstimate
	maxTw   uint64
	closed  bool
	hasLast bool
}

// New validates cfg, draws the initial population and starts the
// likelihood workers. Call Close to stop them.
func New(cfg Config) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	t := &Tracker{
		cfg:     cfg,
		rate:    cfg.randomizeRate(),
		sampler: newSampler(seed),
		est:     newEstimator(cfg.Particles),
	}
	t.pop = newPopulation(cfg, t.sampler)
	t.pool = NewWorkerPool(cfg, t.pop.particles)
	t.maxTw = cfg.twInitial()
	monitoring.Logf("tracker: %d particles on %d workers, %dx%d, r=[%.1f, %.1f], seed=%d",
		cfg.Particles, cfg.Workers, cfg.Width, cfg.Height, cfg.RMin, cfg.RMax, seed)
	return t, nil
}

// Config returns the configuration the tracker was built with.
func (t *Tracker) Config() Config { return t.cfg }

// Step runs one cycle against events queried at reference time ref:
// resample, predict, observe, normalize, then extract the estimate. The
// events slice is reordered in place.
func (t *Tracker) Step(ctx context.Context, ref uint64, events []event.Stamped) (TargetEstimate, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return TargetEstimate{}, ErrPoolClosed
	}

	dt := uint64(0)
	if t.started {
		dt = event.Age(ref, t.lastRef, t.cfg.WrapPeriod)
		if dt == math.MaxUint64 {
			dt = 0
		}
	}

	t.prepare(ref, events)

	deg := t.pop.degeneracy()
	t.stats.LastDegeneracy = deg
	if deg > t.cfg.ResampleThreshold {
		t.pop.resample(t.sampler, t.rate)
		t.stats.Resamples++
	} else {
		t.stats.ResampleSkips++
	}

	redrawn, _ := t.pop.predict(t.sampler, t.diffusion(dt))
	t.stats.Redrawn += uint64(redrawn)

	t.pool.AssignWork(&t.obs)
	res, err := t.pool.RunAndJoin(ctx)
	if err != nil {
		return TargetEstimate{}, fmt.Errorf("observe: %w", err)
	}
	t.pop.normalize(res.Sum)

	est := t.est.extract(t.pop.particles)
	est.Cycle = t.stats.Cycles
	est.Timestamp = ref
	est.Channel = t.cfg.Channel
	est.MaxLikelihood = res.MaxLikelihood
	est.Confidence = confidence(res.MaxLikelihood, t.cfg.InlierScale)
	est.Detected = res.MaxLikelihood >= t.cfg.DetectionThreshold
	est.Events = len(events)

	var maxTw uint64
	if t.checkStagnancy(ref, est.Detected) {
		est.Detected = false
		// Windows are re-drawn too, so the next query uses the initial window.
		maxTw = t.cfg.twInitial()
	} else {
		// Workers adapt tw during observe; the next query covers the widest.
		for i := range t.pop.particles {
			if tw := t.pop.particles[i].Tw; tw > maxTw {
				maxTw = tw
			}
		}
	}

	t.lastRef = ref
	t.started = true
	t.maxTw = maxTw
	t.stats.Cycles++
	t.stats.LastMaxLikelihood = res.MaxLikelihood
	t.stats.LastEvents = len(events)
	t.latest = est
	t.hasLast = true
	return est, nil
}

// prepare sorts events newest first and records their ages for the workers.
func (t *Tracker) prepare(ref uint64, events []event.Stamped) {
	period := t.cfg.WrapPeriod
	slices.SortStableFunc(events, func(a, b event.Stamped) int {
		aa, ab := event.Age(ref, a.T, period), event.Age(ref, b.T, period)
		switch {
		case aa < ab:
			return -1
		case aa > ab:
			return 1
		}
		return 0
	})
	ages := t.obs.Ages[:0]
	for i := range events {
		ages = append(ages, event.Age(ref, events[i].T, period))
	}
	t.obs.Events = events
	t.obs.Ages = ages
}

// diffusion scales process noise with the square root of the elapsed time
// in milliseconds. The first cycle and very short steps use a floor so the
// population keeps exploring.
func (t *Tracker) diffusion(dt uint64) float64 {
	ms := float64(dt) / t.cfg.ticksPerMillisecond()
	const lo, hi = 0.25, 100.0
	if ms < lo {
		ms = lo
	}
	if ms > hi {
		ms = hi
	}
	return math.Sqrt(ms)
}

// checkStagnancy tracks how long the best likelihood has stayed below the
// detection threshold, in sensor time. When that exceeds StagnancyTimeout
// the whole population is re-drawn once and the timer restarts.
func (t *Tracker) checkStagnancy(ref uint64, detected bool) bool {
	if detected {
		t.low = false
		return false
	}
	if !t.low {
		t.low = true
		t.lowSince = ref
		return false
	}
	if t.cfg.StagnancyTimeout == 0 {
		return false
	}
	if event.Age(ref, t.lowSince, t.cfg.WrapPeriod) <= t.cfg.StagnancyTimeout {
		return false
	}
	t.pop.randomizeAll(t.sampler)
	t.stats.StagnancyResets++
	t.lowSince = ref
	monitoring.Logf("tracker: no detection for %d ticks, re-drawing %d particles (reset %d)",
		t.cfg.StagnancyTimeout, len(t.pop.particles), t.stats.StagnancyResets)
	return true
}

func confidence(maxL, scale float64) float64 {
	if scale <= 0 {
		return 0
	}
	return math.Min(1, math.Max(0, maxL/scale))
}

// NextQuery returns the window (and region, once the estimate is confident)
// the next cycle should observe.
func (t *Tracker) NextQuery() Query {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := Query{Channel: t.cfg.Channel, Window: t.maxTw}
	if !t.hasLast || !t.latest.Detected || t.latest.Confidence < t.cfg.ROIConfidence {
		return q
	}
	q.ROI = true
	q.CX, q.CY = t.latest.X, t.latest.Y
	q.Radius = t.latest.R*t.cfg.ROIScale + 2*math.Max(t.latest.StdX, t.latest.StdY)
	return q
}

// Latest returns the most recent estimate and whether one exists.
func (t *Tracker) Latest() (TargetEstimate, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest, t.hasLast
}

// Stats returns a copy of the cumulative counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Particles returns a copy of the current population.
func (t *Tracker) Particles() []Particle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pop.snapshot()
}

// Close stops the worker pool. Further Steps fail with ErrPoolClosed.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.pool.Close()
}
