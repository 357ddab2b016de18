package tracker

import (
	"context"
	"errors"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// ErrPoolClosed is returned by RunAndJoin once the pool has been closed or
// a cycle was abandoned by context cancellation.
var ErrPoolClosed = errors.New("tracker: likelihood worker pool closed")

// partial is one worker's contribution to a cycle.
type partial struct {
	cycle   uint64
	worker  int
	sum     float64 // sum of unnormalized weights over the slice
	maxL    float64
	maxIdx  int
	visited int
}

type worker struct {
	id     int
	lo, hi int // particle slice [lo, hi)
	start  chan uint64
	scorer *scorer
}

// WorkerPool evaluates particle likelihoods in parallel. The particle array
// is partitioned into contiguous slices, one per worker, so workers write
// disjoint elements and need no locking. The coordinator publishes the
// shared observation, signals every worker, and waits for all of them.
type WorkerPool struct {
	workers   []*worker
	particles []Particle
	obs       *Observation
	results   chan partial
	quit      chan struct{}
	wg        sync.WaitGroup
	cycle     uint64
	sums      []float64
	broken    bool
	closeOnce sync.Once
}

// NewWorkerPool starts n workers over the given particle array. The slice
// must not be reallocated while the pool is alive.
func NewWorkerPool(cfg Config, particles []Particle) *WorkerPool {
	n := cfg.Workers
	p := &WorkerPool{
		workers:   make([]*worker, n),
		particles: particles,
		results:   make(chan partial, n),
		quit:      make(chan struct{}),
		sums:      make([]float64, n),
	}
	total := len(particles)
	for i := 0; i < n; i++ {
		w := &worker{
			id:     i,
			lo:     i * total / n,
			hi:     (i + 1) * total / n,
			start:  make(chan uint64, 1),
			scorer: newScorer(cfg),
		}
		p.workers[i] = w
		p.wg.Add(1)
		go p.run(w)
	}
	return p
}

func (p *WorkerPool) run(w *worker) {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case cycle := <-w.start:
			select {
			case p.results <- p.evaluate(w, cycle):
			case <-p.quit:
				return
			}
		}
	}
}

// quitStride is how many particles a worker scores between checks for Close.
const quitStride = 64

func (p *WorkerPool) evaluate(w *worker, cycle uint64) partial {
	res := partial{cycle: cycle, worker: w.id, maxL: -maxFinite, maxIdx: -1}
	for i := w.lo; i < w.hi; i++ {
		if (i-w.lo)%quitStride == 0 {
			select {
			case <-p.quit:
				return res
			default:
			}
		}
		pt := &p.particles[i]
		l, tw := w.scorer.score(pt, p.obs)
		pt.Likelihood = l
		pt.Weight = w.scorer.weightOf(l)
		pt.Tw = tw
		res.sum += pt.Weight
		if l > res.maxL {
			res.maxL = l
			res.maxIdx = i
		}
		res.visited++
	}
	return res
}

// AssignWork publishes the observation shared by all workers for the next
// RunAndJoin. It must not be called while a cycle is running.
func (p *WorkerPool) AssignWork(obs *Observation) {
	p.obs = obs
}

// CycleResult aggregates the partials of one cycle.
type CycleResult struct {
	Sum           float64 // sum of unnormalized weights
	MaxLikelihood float64
	MaxIndex      int // particle holding MaxLikelihood, -1 if none
	Visited       int // particles evaluated
}

// RunAndJoin signals every worker and blocks until all have reported or ctx
// is done. Partial sums are combined in worker order so the total does not
// depend on completion order.
func (p *WorkerPool) RunAndJoin(ctx context.Context) (CycleResult, error) {
	if p.broken {
		return CycleResult{}, ErrPoolClosed
	}
	if err := ctx.Err(); err != nil {
		return CycleResult{}, err
	}
	p.cycle++
	for _, w := range p.workers {
		w.start <- p.cycle
	}

	res := CycleResult{MaxLikelihood: -maxFinite, MaxIndex: -1}
	for pending := len(p.workers); pending > 0; {
		select {
		case <-ctx.Done():
			// Workers may still be writing particles; the pool cannot be
			// reused safely.
			p.broken = true
			return CycleResult{}, ctx.Err()
		case <-p.quit:
			p.broken = true
			return CycleResult{}, ErrPoolClosed
		case r := <-p.results:
			if r.cycle != p.cycle {
				continue
			}
			p.sums[r.worker] = r.sum
			res.Visited += r.visited
			if r.maxIdx >= 0 && (r.maxL > res.MaxLikelihood || (r.maxL == res.MaxLikelihood && r.maxIdx < res.MaxIndex)) {
				res.MaxLikelihood = r.maxL
				res.MaxIndex = r.maxIdx
			}
			pending--
		}
	}
	res.Sum = floats.Sum(p.sums)
	return res, nil
}

// Size returns the number of workers.
func (p *WorkerPool) Size() int { return len(p.workers) }

// Close stops the workers and waits for them to exit. Safe to call more
// than once.
func (p *WorkerPool) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
		p.wg.Wait()
		p.broken = true
	})
}
