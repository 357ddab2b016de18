package tracker

import (
	"math"
	"time"

	"github.com/banshee-data/evtrack/internal/event"
)

func testConfig() Config {
	return Config{
		Particles:          1000,
		Workers:            4,
		Width:              64,
		Height:             64,
		RMin:               5,
		RMax:               20,
		InlierScale:        12,
		OutlierScale:       3,
		InlierWidth:        2,
		DetectionThreshold: 4.8,
		CoverageTarget:     0.8,
		ResampleThreshold:  2,
		PositionNoise:      0.7,
		RadiusNoise:        0.3,
		TwMin:              5_000,
		TwMax:              100_000,
		TwInitial:          20_000,
		StagnancyTimeout:   50_000,
		ROIConfidence:      0.6,
		ROIScale:           2,
		TickPeriod:         time.Microsecond,
		WrapPeriod:         event.StampPeriod,
		Seed:               42,
	}
}

// ring returns n address events on a circle, one per angular step, with
// ages 0, step, 2*step, ... relative to ref.
func ring(cx, cy, r float64, n int, ref, step uint64) []event.Stamped {
	out := make([]event.Stamped, 0, n)
	for i := 0; i < n; i++ {
		a := 2 * math.Pi * float64(i) / float64(n)
		x := cx + r*math.Cos(a)
		y := cy + r*math.Sin(a)
		t := ref - uint64(i)*step
		out = append(out, event.Stamped{
			Event: event.Event{Kind: event.KindAddress, X: uint16(x + 0.5), Y: uint16(y + 0.5), Stamp: uint32(t) & event.StampMask},
			T:     t,
		})
	}
	return out
}
