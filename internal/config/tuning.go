package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig is the on-disk tuning file for the tracker and the ingest
// pipeline. Every field is optional; the Get* accessors supply defaults for
// anything omitted, so partial files are safe.
type TuningConfig struct {
	// Particle population
	Particles     *int `json:"particles,omitempty"`
	WorkerThreads *int `json:"worker_threads,omitempty"`

	// Hypothesis domain
	ImageWidth  *int     `json:"image_width,omitempty"`
	ImageHeight *int     `json:"image_height,omitempty"`
	RadiusMin   *float64 `json:"radius_min,omitempty"`
	RadiusMax   *float64 `json:"radius_max,omitempty"`

	// Observation model
	InlierScale        *float64 `json:"inlier_scale,omitempty"`
	OutlierScale       *float64 `json:"outlier_scale,omitempty"`
	InlierWidth        *float64 `json:"inlier_width,omitempty"`
	MinLikelihoodFloor *float64 `json:"min_likelihood_floor,omitempty"`
	DetectionThreshold *float64 `json:"detection_threshold,omitempty"`
	CoverageTarget     *float64 `json:"coverage_target,omitempty"`

	// Resampling / motion
	RandomizeRate     *float64 `json:"randomize_rate,omitempty"`
	ResampleThreshold *float64 `json:"resample_threshold,omitempty"`
	PositionNoise     *float64 `json:"position_noise,omitempty"`
	RadiusNoise       *float64 `json:"radius_noise,omitempty"`

	// Durations in sensor time, as duration strings like "20ms"
	StagnancyTimeout *string `json:"stagnancy_timeout,omitempty"`
	TwMin            *string `json:"tw_min,omitempty"`
	TwMax            *string `json:"tw_max,omitempty"`
	TwInitial        *string `json:"tw_initial,omitempty"`

	// Region-of-interest queries
	ROIConfidence *float64 `json:"roi_confidence,omitempty"`
	ROIScale      *float64 `json:"roi_scale,omitempty"`

	// Timestamp domain
	TickPeriod       *string `json:"tick_period,omitempty"` // duration of one counter tick, e.g. "1us"
	WrapPeriodFactor *int    `json:"wrap_period_factor,omitempty"`
	SidebandWraps    *bool   `json:"sideband_wraps,omitempty"`

	// Ingest
	IngestCapacity  *int    `json:"ingest_capacity,omitempty"`
	IngestThreshold *int    `json:"ingest_threshold,omitempty"`
	BatchQueueDepth *int    `json:"batch_queue_depth,omitempty"`
	PollInterval    *string `json:"poll_interval,omitempty"`
	StatsInterval   *string `json:"stats_interval,omitempty"`

	Seed *uint64 `json:"seed,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended
// for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that can be checked without cross-field context.
// Cross-field rules (particles vs workers, radius ordering) are enforced by
// the tracker when it builds its configuration.
func (c *TuningConfig) Validate() error {
	durations := map[string]*string{
		"stagnancy_timeout": c.StagnancyTimeout,
		"tw_min":            c.TwMin,
		"tw_max":            c.TwMax,
		"tw_initial":        c.TwInitial,
		"tick_period":       c.TickPeriod,
		"poll_interval":     c.PollInterval,
		"stats_interval":    c.StatsInterval,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}

	if c.RandomizeRate != nil && (*c.RandomizeRate < 0 || *c.RandomizeRate > 1) {
		return fmt.Errorf("randomize_rate must be between 0 and 1, got %f", *c.RandomizeRate)
	}
	if c.CoverageTarget != nil && (*c.CoverageTarget <= 0 || *c.CoverageTarget > 1) {
		return fmt.Errorf("coverage_target must be in (0, 1], got %f", *c.CoverageTarget)
	}
	if c.WrapPeriodFactor != nil && *c.WrapPeriodFactor < 1 {
		return fmt.Errorf("wrap_period_factor must be >= 1, got %d", *c.WrapPeriodFactor)
	}
	if c.IngestCapacity != nil && *c.IngestCapacity <= 0 {
		return fmt.Errorf("ingest_capacity must be positive, got %d", *c.IngestCapacity)
	}
	if c.IngestThreshold != nil && *c.IngestThreshold < 0 {
		return fmt.Errorf("ingest_threshold must be non-negative, got %d", *c.IngestThreshold)
	}
	if c.BatchQueueDepth != nil && *c.BatchQueueDepth < 1 {
		return fmt.Errorf("batch_queue_depth must be >= 1, got %d", *c.BatchQueueDepth)
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// GetParticles returns the particle population size.
func (c *TuningConfig) GetParticles() int { return intOr(c.Particles, 200) }

// GetWorkerThreads returns the likelihood worker pool size.
func (c *TuningConfig) GetWorkerThreads() int { return intOr(c.WorkerThreads, 4) }

// GetImageWidth returns the sensor width in pixels.
func (c *TuningConfig) GetImageWidth() int { return intOr(c.ImageWidth, 304) }

// GetImageHeight returns the sensor height in pixels.
func (c *TuningConfig) GetImageHeight() int { return intOr(c.ImageHeight, 240) }

// GetRadiusMin returns the smallest radius hypothesis in pixels.
func (c *TuningConfig) GetRadiusMin() float64 { return floatOr(c.RadiusMin, 8) }

// GetRadiusMax returns the largest radius hypothesis in pixels.
func (c *TuningConfig) GetRadiusMax() float64 { return floatOr(c.RadiusMax, 60) }

// GetInlierScale returns the reward for full boundary coverage.
func (c *TuningConfig) GetInlierScale() float64 { return floatOr(c.InlierScale, 12) }

// GetOutlierScale returns the penalty per outlier per boundary bin.
func (c *TuningConfig) GetOutlierScale() float64 { return floatOr(c.OutlierScale, 3) }

// GetInlierWidth returns the half-width of the inlier band in pixels.
func (c *TuningConfig) GetInlierWidth() float64 { return floatOr(c.InlierWidth, 2) }

// GetMinLikelihoodFloor returns the lower clamp on a particle's likelihood.
func (c *TuningConfig) GetMinLikelihoodFloor() float64 { return floatOr(c.MinLikelihoodFloor, 0) }

// GetDetectionThreshold returns the max-likelihood level that counts as a detection.
func (c *TuningConfig) GetDetectionThreshold() float64 { return floatOr(c.DetectionThreshold, 4.8) }

// GetCoverageTarget returns the coverage fraction used for tw adaptation.
func (c *TuningConfig) GetCoverageTarget() float64 { return floatOr(c.CoverageTarget, 0.8) }

// GetRandomizeRate returns the per-particle re-exploration probability.
// Zero means "derive from the population size".
func (c *TuningConfig) GetRandomizeRate() float64 { return floatOr(c.RandomizeRate, 0) }

// GetResampleThreshold returns the degeneracy level above which resampling runs.
func (c *TuningConfig) GetResampleThreshold() float64 { return floatOr(c.ResampleThreshold, 2.0) }

// GetPositionNoise returns the position process noise (px per 1ms step).
func (c *TuningConfig) GetPositionNoise() float64 { return floatOr(c.PositionNoise, 1.5) }

// GetRadiusNoise returns the radius process noise (px per 1ms step).
func (c *TuningConfig) GetRadiusNoise() float64 { return floatOr(c.RadiusNoise, 0.5) }

// GetStagnancyTimeout returns how long max likelihood may stay low before a reset.
func (c *TuningConfig) GetStagnancyTimeout() time.Duration {
	return durationOr(c.StagnancyTimeout, 500*time.Millisecond)
}

// GetTwMin returns the shortest per-particle time window.
func (c *TuningConfig) GetTwMin() time.Duration { return durationOr(c.TwMin, 5*time.Millisecond) }

// GetTwMax returns the longest per-particle time window.
func (c *TuningConfig) GetTwMax() time.Duration { return durationOr(c.TwMax, 100*time.Millisecond) }

// GetTwInitial returns the time window given to fresh hypotheses.
func (c *TuningConfig) GetTwInitial() time.Duration {
	return durationOr(c.TwInitial, 20*time.Millisecond)
}

// GetROIConfidence returns the confidence above which ROI queries are used.
func (c *TuningConfig) GetROIConfidence() float64 { return floatOr(c.ROIConfidence, 0.6) }

// GetROIScale returns the ROI half-size as a multiple of the estimated radius.
func (c *TuningConfig) GetROIScale() float64 { return floatOr(c.ROIScale, 2.0) }

// GetTickPeriod returns the duration of one hardware counter tick.
func (c *TuningConfig) GetTickPeriod() time.Duration { return durationOr(c.TickPeriod, time.Microsecond) }

// GetWrapPeriodFactor returns the multiple of 2^24 used for wrap-safe ages.
func (c *TuningConfig) GetWrapPeriodFactor() int { return intOr(c.WrapPeriodFactor, 1) }

// GetSidebandWraps reports whether wraps are taken only from sideband markers.
func (c *TuningConfig) GetSidebandWraps() bool {
	if c.SidebandWraps == nil {
		return false
	}
	return *c.SidebandWraps
}

// GetIngestCapacity returns the byte capacity of each ingest buffer half.
func (c *TuningConfig) GetIngestCapacity() int { return intOr(c.IngestCapacity, 1<<20-1) }

// GetIngestThreshold returns the fill level that requests an early swap.
func (c *TuningConfig) GetIngestThreshold() int { return intOr(c.IngestThreshold, 1<<16-1) }

// GetBatchQueueDepth returns the number of batch notices queued for the tracker.
func (c *TuningConfig) GetBatchQueueDepth() int { return intOr(c.BatchQueueDepth, 4) }

// GetPollInterval returns how often the decoder drains the ingest buffer.
func (c *TuningConfig) GetPollInterval() time.Duration {
	return durationOr(c.PollInterval, 2*time.Millisecond)
}

// GetStatsInterval returns how often pipeline statistics are logged.
func (c *TuningConfig) GetStatsInterval() time.Duration {
	return durationOr(c.StatsInterval, 10*time.Second)
}

// GetSeed returns the random seed; zero means seed from the clock.
func (c *TuningConfig) GetSeed() uint64 {
	if c.Seed == nil {
		return 0
	}
	return *c.Seed
}
