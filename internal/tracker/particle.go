package tracker

import (
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// Particle is one hypothesis of the target's circle.
type Particle struct {
	ID         int     `json:"id"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	R          float64 `json:"r"`
	Weight     float64 `json:"weight"`
	Tw         uint64  `json:"tw"`         // observation window in ticks
	Likelihood float64 `json:"likelihood"` // score from the most recent observe step
}

// sampler owns the random sources used by the population. It is only used
// from the coordinating goroutine, never from likelihood workers.
type sampler struct {
	rng    *rand.Rand
	unit   distuv.Uniform
	normal distuv.Normal
}

func newSampler(seed uint64) *sampler {
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	return &sampler{
		rng:    rand.New(src),
		unit:   distuv.Uniform{Min: 0, Max: 1, Src: src},
		normal: distuv.Normal{Mu: 0, Sigma: 1, Src: src},
	}
}

func (s *sampler) uniform(lo, hi float64) float64 {
	return lo + (hi-lo)*s.unit.Rand()
}

func (s *sampler) gauss(sigma float64) float64 {
	if sigma <= 0 {
		return 0
	}
	return sigma * s.normal.Rand()
}

// population is the fixed-size particle set plus the scratch space needed
// to resample it without allocating.
type population struct {
	cfg       Config
	particles []Particle
	prev      []Particle
	weights   []float64
	cum       []float64
}

func newPopulation(cfg Config, s *sampler) *population {
	n := cfg.Particles
	p := &population{
		cfg:       cfg,
		particles: make([]Particle, n),
		prev:      make([]Particle, n),
		weights:   make([]float64, n),
		cum:       make([]float64, n),
	}
	for i := range p.particles {
		p.particles[i].ID = i
	}
	p.randomizeAll(s)
	return p
}

// randomize draws particle i uniformly over the image and the radius range.
func (p *population) randomize(i int, s *sampler) {
	pt := &p.particles[i]
	pt.X = s.uniform(0, float64(p.cfg.Width))
	pt.Y = s.uniform(0, float64(p.cfg.Height))
	pt.R = s.uniform(p.cfg.RMin, p.cfg.RMax)
	pt.Tw = p.cfg.twInitial()
	pt.Likelihood = 0
}

func (p *population) randomizeAll(s *sampler) {
	w := 1 / float64(len(p.particles))
	for i := range p.particles {
		p.randomize(i, s)
		p.particles[i].Weight = w
	}
}

// inBounds reports whether a particle still describes a circle that could
// intersect the sensor with an admissible radius.
func (p *population) inBounds(pt *Particle) bool {
	if pt.R < p.cfg.RMin || pt.R > p.cfg.RMax {
		return false
	}
	if pt.X < -pt.R || pt.X > float64(p.cfg.Width)+pt.R {
		return false
	}
	if pt.Y < -pt.R || pt.Y > float64(p.cfg.Height)+pt.R {
		return false
	}
	return true
}

// degeneracy returns N * sum(w^2): 1 for uniform weights, N when a single
// particle holds all the mass.
func (p *population) degeneracy() float64 {
	for i := range p.particles {
		p.weights[i] = p.particles[i].Weight
	}
	return float64(len(p.weights)) * floats.Dot(p.weights, p.weights)
}

// resample replaces the population by multinomial draws proportional to the
// current weights. With probability rate a slot is re-randomized instead.
// Weights are reset to uniform. IDs stay attached to slots.
func (p *population) resample(s *sampler, rate float64) {
	n := len(p.particles)
	copy(p.prev, p.particles)
	for i := range p.prev {
		p.weights[i] = p.prev[i].Weight
	}
	floats.CumSum(p.cum, p.weights)
	total := p.cum[n-1]

	w := 1 / float64(n)
	for i := range p.particles {
		if s.rng.Float64() < rate || total <= 0 {
			p.randomize(i, s)
		} else {
			j := sort.SearchFloat64s(p.cum, s.rng.Float64()*total)
			if j >= n {
				j = n - 1
			}
			p.particles[i] = p.prev[j]
			p.particles[i].ID = i
		}
		p.particles[i].Weight = w
	}
}

// predict applies the identity motion model with Gaussian diffusion scaled
// by the square root of the elapsed time. Particles leaving the admissible
// region are re-drawn in place; the count of those is returned along with
// the largest observation window in the population.
func (p *population) predict(s *sampler, scale float64) (redrawn int, maxTw uint64) {
	sp := p.cfg.PositionNoise * scale
	sr := p.cfg.RadiusNoise * scale
	for i := range p.particles {
		pt := &p.particles[i]
		pt.X += s.gauss(sp)
		pt.Y += s.gauss(sp)
		pt.R += s.gauss(sr)
		if !p.inBounds(pt) {
			p.randomize(i, s)
			redrawn++
		}
		if pt.Tw > maxTw {
			maxTw = pt.Tw
		}
	}
	return redrawn, maxTw
}

// normalize divides every weight by z. A non-positive or non-finite z
// leaves the population uniform.
func (p *population) normalize(z float64) {
	n := float64(len(p.particles))
	if !(z > 0) || z > maxFinite {
		for i := range p.particles {
			p.particles[i].Weight = 1 / n
		}
		return
	}
	for i := range p.particles {
		p.particles[i].Weight /= z
	}
}

func (p *population) snapshot() []Particle {
	out := make([]Particle, len(p.particles))
	copy(out, p.particles)
	return out
}
