package tracker

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/evtrack/internal/config"
	"github.com/banshee-data/evtrack/internal/event"
)

// ErrInvalidConfig is wrapped by every configuration rejection.
var ErrInvalidConfig = errors.New("tracker: invalid configuration")

// Config holds the tracker parameters. Durations are expressed in sensor
// ticks (unwrapped timestamp units).
type Config struct {
	Particles int // population size, fixed for the tracker's lifetime
	Workers   int // likelihood worker goroutines

	Width, Height int     // sensor size in pixels
	RMin, RMax    float64 // radius bounds in pixels
	Channel       uint8   // channel tracked

	InlierScale        float64 // likelihood for full boundary coverage
	OutlierScale       float64 // penalty per outlier per boundary bin
	InlierWidth        float64 // half-width of the boundary band (px)
	MinLikelihoodFloor float64 // lower clamp on likelihood
	DetectionThreshold float64 // max likelihood that counts as a detection
	CoverageTarget     float64 // boundary coverage used to adapt tw

	RandomizeRate     float64 // per-particle re-exploration probability; 0 derives 1.2/Particles
	ResampleThreshold float64 // resample only when Particles*sum(w^2) exceeds this
	PositionNoise     float64 // process noise σ (px) per millisecond step
	RadiusNoise       float64 // radius noise σ (px) per millisecond step

	TwMin, TwMax, TwInitial uint64 // per-particle window bounds (ticks)
	StagnancyTimeout        uint64 // ticks of low likelihood before reset

	ROIConfidence float64 // confidence above which the next query is an ROI
	ROIScale      float64 // ROI half-size as a multiple of the radius

	TickPeriod time.Duration // duration of one tick
	WrapPeriod uint64        // period used for wrap-safe ages

	Seed uint64 // zero seeds from the clock
}

// DefaultConfig returns tracker configuration loaded from the canonical
// tuning defaults file. Panics if the file cannot be found; intended for
// tests and binaries that have already validated config availability.
func DefaultConfig() Config {
	return ConfigFromTuning(config.MustLoadDefaultConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	tick := cfg.GetTickPeriod()
	ticks := func(d time.Duration) uint64 {
		if tick <= 0 || d <= 0 {
			return 0
		}
		return uint64(d / tick)
	}
	return Config{
		Particles:          cfg.GetParticles(),
		Workers:            cfg.GetWorkerThreads(),
		Width:              cfg.GetImageWidth(),
		Height:             cfg.GetImageHeight(),
		RMin:               cfg.GetRadiusMin(),
		RMax:               cfg.GetRadiusMax(),
		InlierScale:        cfg.GetInlierScale(),
		OutlierScale:       cfg.GetOutlierScale(),
		InlierWidth:        cfg.GetInlierWidth(),
		MinLikelihoodFloor: cfg.GetMinLikelihoodFloor(),
		DetectionThreshold: cfg.GetDetectionThreshold(),
		CoverageTarget:     cfg.GetCoverageTarget(),
		RandomizeRate:      cfg.GetRandomizeRate(),
		ResampleThreshold:  cfg.GetResampleThreshold(),
		PositionNoise:      cfg.GetPositionNoise(),
		RadiusNoise:        cfg.GetRadiusNoise(),
		TwMin:              ticks(cfg.GetTwMin()),
		TwMax:              ticks(cfg.GetTwMax()),
		TwInitial:          ticks(cfg.GetTwInitial()),
		StagnancyTimeout:   ticks(cfg.GetStagnancyTimeout()),
		ROIConfidence:      cfg.GetROIConfidence(),
		ROIScale:           cfg.GetROIScale(),
		TickPeriod:         tick,
		WrapPeriod:         event.StampPeriod * uint64(cfg.GetWrapPeriodFactor()),
		Seed:               cfg.GetSeed(),
	}
}

// Validate rejects configurations that cannot run. It is called by New, so
// a bad configuration fails before the first cycle.
func (c Config) Validate() error {
	switch {
	case c.Particles < 1:
		return fmt.Errorf("%w: particles must be >= 1, got %d", ErrInvalidConfig, c.Particles)
	case c.Workers < 1:
		return fmt.Errorf("%w: worker threads must be >= 1, got %d", ErrInvalidConfig, c.Workers)
	case c.Particles < c.Workers:
		return fmt.Errorf("%w: particles (%d) must be >= worker threads (%d)", ErrInvalidConfig, c.Particles, c.Workers)
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("%w: image size must be positive, got %dx%d", ErrInvalidConfig, c.Width, c.Height)
	case c.RMin <= 0:
		return fmt.Errorf("%w: radius_min must be positive, got %f", ErrInvalidConfig, c.RMin)
	case c.RMax < c.RMin:
		return fmt.Errorf("%w: radius_max (%f) < radius_min (%f)", ErrInvalidConfig, c.RMax, c.RMin)
	case c.InlierWidth <= 0:
		return fmt.Errorf("%w: inlier_width must be positive, got %f", ErrInvalidConfig, c.InlierWidth)
	case c.RandomizeRate < 0 || c.RandomizeRate > 1:
		return fmt.Errorf("%w: randomize_rate must be in [0, 1], got %f", ErrInvalidConfig, c.RandomizeRate)
	case c.CoverageTarget <= 0 || c.CoverageTarget > 1:
		return fmt.Errorf("%w: coverage_target must be in (0, 1], got %f", ErrInvalidConfig, c.CoverageTarget)
	case c.TwMin == 0 || c.TwMax < c.TwMin:
		return fmt.Errorf("%w: need 0 < tw_min <= tw_max, got %d..%d ticks", ErrInvalidConfig, c.TwMin, c.TwMax)
	case c.TickPeriod <= 0:
		return fmt.Errorf("%w: tick_period must be positive", ErrInvalidConfig)
	case c.WrapPeriod == 0:
		return fmt.Errorf("%w: wrap period must be positive", ErrInvalidConfig)
	}
	return nil
}

func (c Config) randomizeRate() float64 {
	if c.RandomizeRate > 0 {
		return c.RandomizeRate
	}
	return 1.2 / float64(c.Particles)
}

func (c Config) twInitial() uint64 {
	return clampTicks(c.TwInitial, c.TwMin, c.TwMax)
}

// ticksPerMillisecond is the reference step for process noise.
func (c Config) ticksPerMillisecond() float64 {
	return float64(time.Millisecond) / float64(c.TickPeriod)
}

func clampTicks(v, lo, hi uint64) uint64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
