package pipeline

import (
	"fmt"
	"time"

	"github.com/banshee-data/evtrack/internal/config"
	"github.com/banshee-data/evtrack/internal/event"
	"github.com/banshee-data/evtrack/internal/ingest"
	"github.com/banshee-data/evtrack/internal/timeutil"
	"github.com/banshee-data/evtrack/internal/tracker"
)

// Config holds pipeline parameters.
type Config struct {
	Ingest           ingest.BufferConfig
	QueueDepth       int
	PollInterval     time.Duration // decoder wake-up when the threshold is not reached
	StatsInterval    time.Duration // 0 disables periodic stats logging
	Sideband         bool          // wraps come from KindWrap markers
	WrapPeriodFactor int
	Tracker          tracker.Config
	Clock            timeutil.Clock // nil uses the real clock
}

// ConfigFromTuning builds a pipeline Config from tuning values.
func ConfigFromTuning(tc *config.TuningConfig) Config {
	return Config{
		Ingest: ingest.BufferConfig{
			Capacity:  tc.GetIngestCapacity(),
			Threshold: tc.GetIngestThreshold(),
			Align:     event.RecordSize,
		},
		QueueDepth:       tc.GetBatchQueueDepth(),
		PollInterval:     tc.GetPollInterval(),
		StatsInterval:    tc.GetStatsInterval(),
		Sideband:         tc.GetSidebandWraps(),
		WrapPeriodFactor: tc.GetWrapPeriodFactor(),
		Tracker:          tracker.ConfigFromTuning(tc),
	}
}

func (c *Config) normalize() error {
	if c.Ingest.Capacity < event.RecordSize {
		return fmt.Errorf("ingest capacity %d is smaller than one record", c.Ingest.Capacity)
	}
	if c.Ingest.Align == 0 {
		c.Ingest.Align = event.RecordSize
	}
	if c.QueueDepth < 1 {
		c.QueueDepth = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Millisecond
	}
	if c.WrapPeriodFactor < 1 {
		c.WrapPeriodFactor = 1
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	return nil
}
