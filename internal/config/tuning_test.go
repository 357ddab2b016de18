package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := EmptyTuningConfig()

	assert.Equal(t, 200, cfg.GetParticles())
	assert.Equal(t, 4, cfg.GetWorkerThreads())
	assert.Equal(t, 304, cfg.GetImageWidth())
	assert.Equal(t, 240, cfg.GetImageHeight())
	assert.Equal(t, 500*time.Millisecond, cfg.GetStagnancyTimeout())
	assert.Equal(t, time.Microsecond, cfg.GetTickPeriod())
	assert.Equal(t, 1, cfg.GetWrapPeriodFactor())
	assert.False(t, cfg.GetSidebandWraps())
	assert.Equal(t, uint64(0), cfg.GetSeed())
	assert.InDelta(t, 2.0, cfg.GetResampleThreshold(), 1e-12)
}

func TestLoadTuningConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "tuning.json", `{
  "particles": 64,
  "worker_threads": 2,
  "stagnancy_timeout": "250ms",
  "tick_period": "80ns",
  "sideband_wraps": true,
  "seed": 42
}`)

	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.GetParticles())
	assert.Equal(t, 2, cfg.GetWorkerThreads())
	assert.Equal(t, 250*time.Millisecond, cfg.GetStagnancyTimeout())
	assert.Equal(t, 80*time.Nanosecond, cfg.GetTickPeriod())
	assert.True(t, cfg.GetSidebandWraps())
	assert.Equal(t, uint64(42), cfg.GetSeed())
	// omitted fields fall back to defaults
	assert.InDelta(t, 12.0, cfg.GetInlierScale(), 1e-12)
}

func TestLoadTuningConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		file string
		body string
	}{
		{"wrong extension", "tuning.yaml", `{}`},
		{"bad json", "tuning.json", `{"particles": }`},
		{"bad duration", "tuning.json", `{"tw_max": "soon"}`},
		{"negative duration", "tuning.json", `{"poll_interval": "-1ms"}`},
		{"randomize rate out of range", "tuning.json", `{"randomize_rate": 1.5}`},
		{"coverage target zero", "tuning.json", `{"coverage_target": 0}`},
		{"wrap factor zero", "tuning.json", `{"wrap_period_factor": 0}`},
		{"queue depth zero", "tuning.json", `{"batch_queue_depth": 0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.file, tt.body)
			_, err := LoadTuningConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadTuningConfigMissingFile(t *testing.T) {
	t.Parallel()
	_, err := LoadTuningConfig(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestMustLoadDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := MustLoadDefaultConfig()
	require.NotNil(t, cfg)
	require.NotNil(t, cfg.Particles)
	assert.Equal(t, 200, *cfg.Particles)
	assert.Equal(t, 100*time.Millisecond, cfg.GetTwMax())
}
