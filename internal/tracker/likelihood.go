package tracker

import (
	"math"

	"github.com/banshee-data/evtrack/internal/event"
)

const maxFinite = math.MaxFloat64

// outerBand bounds the annulus outside the circle in which events count as
// outliers, as a multiple of the radius.
const outerBand = 1.5

// minBins is the smallest number of angular bins used to measure boundary
// coverage; small circles would otherwise saturate on a handful of events.
const minBins = 8

// Observation is the read-only input shared by all workers during one
// observe step. Events are sorted newest first and Ages[i] is the age of
// Events[i] relative to the cycle reference time.
type Observation struct {
	Events []event.Stamped
	Ages   []uint64
}

// scorer evaluates the likelihood of one particle. Each worker owns one, so
// the per-bin scratch is never shared.
type scorer struct {
	cfg  Config
	bins []float64
}

func newScorer(cfg Config) *scorer {
	return &scorer{cfg: cfg, bins: make([]float64, binsFor(cfg.RMax)+1)}
}

func binsFor(r float64) int {
	n := int(math.Round(2 * math.Pi * r))
	if n < minBins {
		n = minBins
	}
	return n
}

// score computes the particle's likelihood from the events inside its
// window and returns the window to use on the next cycle.
//
// The boundary is split into angular bins of roughly one pixel of arc. An
// event within InlierWidth of the boundary fills its bin with a credit of
// 1 - |d-r|/InlierWidth; each bin keeps its best credit. Events strictly
// inside the circle, or in the annulus up to outerBand*r outside it, count
// as outliers. The likelihood is
//
//	InlierScale*credit/bins - OutlierScale*outliers/bins
//
// floored at MinLikelihoodFloor.
func (s *scorer) score(pt *Particle, obs *Observation) (likelihood float64, nextTw uint64) {
	nb := binsFor(pt.R)
	if nb > len(s.bins) {
		s.bins = make([]float64, nb)
	}
	bins := s.bins[:nb]
	clear(bins)

	w := s.cfg.InlierWidth
	outer := pt.R*outerBand + w
	binScale := float64(nb) / (2 * math.Pi)
	target := int(math.Ceil(s.cfg.CoverageTarget * float64(nb)))

	var credit float64
	covered, outliers := 0, 0
	var reachedAge uint64
	reached := false

	for i := range obs.Events {
		age := obs.Ages[i]
		if age >= pt.Tw {
			break
		}
		ev := &obs.Events[i]
		dx := float64(ev.X) - pt.X
		dy := float64(ev.Y) - pt.Y
		if math.Abs(dx) > outer || math.Abs(dy) > outer {
			continue
		}
		d := math.Hypot(dx, dy)
		off := math.Abs(d - pt.R)
		switch {
		case off <= w:
			b := int((math.Atan2(dy, dx) + math.Pi) * binScale)
			if b >= nb {
				b = nb - 1
			}
			c := 1 - off/w
			if bins[b] == 0 && c > 0 {
				covered++
				if !reached && covered >= target {
					reached = true
					reachedAge = age
				}
			}
			if c > bins[b] {
				credit += c - bins[b]
				bins[b] = c
			}
		case d <= outer:
			outliers++
		}
	}

	likelihood = s.cfg.InlierScale*credit/float64(nb) - s.cfg.OutlierScale*float64(outliers)/float64(nb)
	if likelihood < s.cfg.MinLikelihoodFloor {
		likelihood = s.cfg.MinLikelihoodFloor
	}

	if reached {
		nextTw = reachedAge + reachedAge/4
	} else {
		nextTw = pt.Tw + pt.Tw/4
	}
	return likelihood, clampTicks(nextTw, s.cfg.TwMin, s.cfg.TwMax)
}

// weightOf maps a likelihood to an unnormalized weight. The exponent is
// shifted by InlierScale, the largest attainable likelihood, which cancels
// on normalization and keeps exp finite.
func (s *scorer) weightOf(likelihood float64) float64 {
	return math.Exp(likelihood - s.cfg.InlierScale)
}
