// Package synth generates synthetic event streams: a circle moving at
// constant velocity with Gaussian edge jitter, plus uniform background
// noise. It feeds tests, the gen-events tool and the synthetic source.
package synth

import (
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/evtrack/internal/event"
)

// Target is a circle moving at constant velocity.
type Target struct {
	X, Y   float64 // centre at t=0, px
	VX, VY float64 // px per millisecond
	R      float64 // radius, px
	Sigma  float64 // radial jitter σ, px
	Rate   float64 // edge events per millisecond
}

// Centre returns the target centre after ms milliseconds.
func (t Target) Centre(ms float64) (x, y float64) {
	return t.X + t.VX*ms, t.Y + t.VY*ms
}

// Config describes a scene.
type Config struct {
	Width, Height int
	Channel       uint8
	TicksPerMs    float64 // 1000 for microsecond ticks
	Target        *Target // nil for a noise-only scene
	NoiseRate     float64 // background events per millisecond over the whole image
	Seed          uint64
}

// Scene produces events over successive time slices.
type Scene struct {
	cfg     Config
	rng     *rand.Rand
	src     rand.Source
	unit    distuv.Uniform
	normal  distuv.Normal
	scratch []event.Stamped
	epoch   uint64 // counter epoch of the last encoded record
}

// NewScene returns a scene with its own seeded random source.
func NewScene(cfg Config) *Scene {
	if cfg.TicksPerMs <= 0 {
		cfg.TicksPerMs = 1000
	}
	src := rand.NewPCG(cfg.Seed, cfg.Seed^0x5851f42d4c957f2d)
	return &Scene{
		cfg:    cfg,
		rng:    rand.New(src),
		src:    src,
		unit:   distuv.Uniform{Min: 0, Max: 1, Src: src},
		normal: distuv.Normal{Mu: 0, Sigma: 1, Src: src},
	}
}

// Config returns the scene description.
func (s *Scene) Config() Config { return s.cfg }

// TargetAt returns the target centre at tick t.
func (s *Scene) TargetAt(t uint64) (x, y float64, ok bool) {
	if s.cfg.Target == nil {
		return 0, 0, false
	}
	x, y = s.cfg.Target.Centre(float64(t) / s.cfg.TicksPerMs)
	return x, y, true
}

func (s *Scene) count(rate, ms float64) int {
	if rate <= 0 || ms <= 0 {
		return 0
	}
	return int(distuv.Poisson{Lambda: rate * ms, Src: s.src}.Rand())
}

// Emit appends events stamped in [t0, t0+dt) to dst in time order. T holds
// the unwrapped time and Stamp the masked counter value.
func (s *Scene) Emit(t0, dt uint64, dst []event.Stamped) []event.Stamped {
	ms := float64(dt) / s.cfg.TicksPerMs
	out := s.scratch[:0]
	w, h := float64(s.cfg.Width), float64(s.cfg.Height)

	if tg := s.cfg.Target; tg != nil {
		for n := s.count(tg.Rate, ms); n > 0; n-- {
			t := t0 + uint64(s.unit.Rand()*float64(dt))
			cx, cy := tg.Centre(float64(t) / s.cfg.TicksPerMs)
			theta := 2 * math.Pi * s.unit.Rand()
			r := tg.R + tg.Sigma*s.normal.Rand()
			out = s.appendPixel(out, cx+r*math.Cos(theta), cy+r*math.Sin(theta), t)
		}
	}
	for n := s.count(s.cfg.NoiseRate, ms); n > 0; n-- {
		t := t0 + uint64(s.unit.Rand()*float64(dt))
		out = s.appendPixel(out, s.unit.Rand()*w, s.unit.Rand()*h, t)
	}
	slices.SortStableFunc(out, func(a, b event.Stamped) int {
		switch {
		case a.T < b.T:
			return -1
		case a.T > b.T:
			return 1
		}
		return 0
	})
	s.scratch = out
	return append(dst, out...)
}

func (s *Scene) appendPixel(dst []event.Stamped, fx, fy float64, t uint64) []event.Stamped {
	x, y := math.Round(fx), math.Round(fy)
	if x < 0 || y < 0 || x >= float64(s.cfg.Width) || y >= float64(s.cfg.Height) {
		return dst
	}
	return append(dst, event.Stamped{
		Event: event.Event{
			Kind:     event.KindAddress,
			Channel:  s.cfg.Channel,
			X:        uint16(x),
			Y:        uint16(y),
			Polarity: s.rng.IntN(2) == 1,
			Stamp:    uint32(t & uint64(event.StampMask)),
		},
		T: t,
	})
}

// AppendRecords encodes the events of [t0, t0+dt) onto dst. When markers
// is set a KindWrap record is inserted at each counter rollover.
func (s *Scene) AppendRecords(dst []byte, t0, dt uint64, markers bool) []byte {
	evs := s.Emit(t0, dt, nil)
	for _, e := range evs {
		for ep := e.T >> event.StampBits; s.epoch < ep; s.epoch++ {
			if markers {
				dst = event.AppendEncoded(dst, event.Event{Kind: event.KindWrap, Channel: s.cfg.Channel})
			}
		}
		dst = event.AppendEncoded(dst, e.Event)
	}
	return dst
}
