package source

import (
	"context"
	"io"
	"time"

	"github.com/banshee-data/evtrack/internal/synth"
	"github.com/banshee-data/evtrack/internal/timeutil"
)

// SynthConfig configures a SynthSource.
type SynthConfig struct {
	Scene    synth.Config
	Step     time.Duration  // wall time per emitted slice; default 1ms
	Duration time.Duration  // total sensor time to emit; 0 runs until cancelled
	Markers  bool           // emit sideband wrap markers
	Clock    timeutil.Clock // nil uses the real clock
	// Unpaced emits slices back to back instead of waiting Step between them.
	Unpaced bool
}

// SynthSource emits a synthetic scene as encoded records.
type SynthSource struct {
	cfg   SynthConfig
	scene *synth.Scene
	counters
}

// NewSynthSource returns a source driven by a new synth.Scene.
func NewSynthSource(cfg SynthConfig) *SynthSource {
	if cfg.Step <= 0 {
		cfg.Step = time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &SynthSource{cfg: cfg, scene: synth.NewScene(cfg.Scene)}
}

func (s *SynthSource) Name() string { return "synth" }

// Counters returns cumulative emit statistics.
func (s *SynthSource) Counters() Counters { return s.snapshot() }

// Scene returns the underlying scene, for ground truth.
func (s *SynthSource) Scene() *synth.Scene { return s.scene }

func (s *SynthSource) Run(ctx context.Context, w io.Writer) error {
	tpm := s.scene.Config().TicksPerMs
	dt := uint64(float64(s.cfg.Step) / float64(time.Millisecond) * tpm)
	if dt == 0 {
		dt = 1
	}
	end := uint64(float64(s.cfg.Duration) / float64(time.Millisecond) * tpm)

	var ticks <-chan time.Time
	if !s.cfg.Unpaced {
		tk := s.cfg.Clock.NewTicker(s.cfg.Step)
		defer tk.Stop()
		ticks = tk.C()
	}

	var buf []byte
	for now := uint64(0); end == 0 || now < end; now += dt {
		if ticks != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticks:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		buf = s.scene.AppendRecords(buf[:0], now, dt, s.cfg.Markers)
		s.reads.Add(1)
		if len(buf) == 0 {
			continue
		}
		ok, err := writePacket(w, buf, &s.counters)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	return nil
}
