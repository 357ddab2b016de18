package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/evtrack/internal/config"
	"github.com/banshee-data/evtrack/internal/pipeline"
	"github.com/banshee-data/evtrack/internal/source"
)

func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, "udp", *sourceKind)
	assert.Equal(t, ":8082", *listen)
	assert.Empty(t, *dbFile)
	assert.Equal(t, 921600, *baudRate)
	assert.Equal(t, "-", *inputFile)
	assert.Zero(t, *fileRate)
	assert.Empty(t, *streamAddr)
	assert.Equal(t, time.Duration(0), *synthDuration)
}

func TestLoadTuningWithoutFileUsesDefaults(t *testing.T) {
	tc, err := loadTuning("")
	require.NoError(t, err)
	assert.Equal(t, 200, tc.GetParticles())

	_, err = loadTuning("tuning.yaml")
	assert.Error(t, err)
}

func TestNewSource(t *testing.T) {
	cfg := pipeline.ConfigFromTuning(config.EmptyTuningConfig())

	tests := []struct {
		kind    string
		name    string
		wantErr bool
	}{
		{kind: "udp", name: "udp"},
		{kind: "synth", name: "synth"},
		{kind: "file", name: "stdin"},
		{kind: "pcap", wantErr: true},
		{kind: "carrier-pigeon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			src, closeFn, err := newSource(tt.kind, cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer closeFn()
			assert.Contains(t, src.Name(), tt.name)
		})
	}
}

func TestSynthSourceMatchesSensor(t *testing.T) {
	cfg := pipeline.ConfigFromTuning(config.EmptyTuningConfig())
	src, _, err := newSource("synth", cfg)
	require.NoError(t, err)
	sc := src.(*source.SynthSource).Scene().Config()
	assert.Equal(t, cfg.Tracker.Width, sc.Width)
	assert.Equal(t, cfg.Tracker.Height, sc.Height)
	assert.InDelta(t, 1000.0, sc.TicksPerMs, 1e-9)
}
