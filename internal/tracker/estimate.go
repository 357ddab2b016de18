package tracker

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// TargetEstimate is the tracker's output for one cycle.
type TargetEstimate struct {
	Cycle     uint64 `json:"cycle"`
	Timestamp uint64 `json:"timestamp"` // reference time of the cycle, ticks
	Channel   uint8  `json:"channel"`

	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	R  float64 `json:"r"`
	Tw float64 `json:"tw"` // weighted mean window, ticks

	StdX float64 `json:"std_x"`
	StdY float64 `json:"std_y"`
	StdR float64 `json:"std_r"`

	MaxLikelihood float64 `json:"max_likelihood"`
	Confidence    float64 `json:"confidence"` // MaxLikelihood / InlierScale, in [0, 1]
	Detected      bool    `json:"detected"`
	Events        int     `json:"events"` // events observed this cycle
}

// estimator holds the column scratch used to compute weighted moments.
type estimator struct {
	xs, ys, rs, tws, ws []float64
}

func newEstimator(n int) *estimator {
	return &estimator{
		xs:  make([]float64, n),
		ys:  make([]float64, n),
		rs:  make([]float64, n),
		tws: make([]float64, n),
		ws:  make([]float64, n),
	}
}

// extract computes the weighted mean and spread of a normalized population.
func (e *estimator) extract(particles []Particle) TargetEstimate {
	for i := range particles {
		p := &particles[i]
		e.xs[i], e.ys[i], e.rs[i] = p.X, p.Y, p.R
		e.tws[i] = float64(p.Tw)
		e.ws[i] = p.Weight
	}
	var est TargetEstimate
	var vx, vy, vr float64
	est.X, vx = stat.PopMeanVariance(e.xs, e.ws)
	est.Y, vy = stat.PopMeanVariance(e.ys, e.ws)
	est.R, vr = stat.PopMeanVariance(e.rs, e.ws)
	est.Tw = stat.Mean(e.tws, e.ws)
	est.StdX = math.Sqrt(math.Max(vx, 0))
	est.StdY = math.Sqrt(math.Max(vy, 0))
	est.StdR = math.Sqrt(math.Max(vr, 0))
	return est
}
