package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 50, cfg.Job.MaxFramesPerCycle)
	assert.Equal(t, 0.5, cfg.Job.LagThresholdSec)
	assert.Equal(t, OrderReorder, cfg.Buffer.OrderPolicy)
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "freehand3d.yaml")
	cfg := DefaultConfig()
	cfg.Reconstruction.Compounding = CompoundingMaximum
	cfg.Reconstruction.OutputSpacing = []float64{0.5, 0.5, 1}
	cfg.Job.PollInterval = 250 * time.Millisecond
	cfg.Transforms = []Transform{{
		Name:   "ImageToProbe",
		Matrix: []float64{0.2, 0, 0, 0, 0, 0.2, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1},
		Error:  0.3,
	}}

	require.NoError(t, SaveConfig(cfg, path))
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	data := []byte("job:\n  maxFramesPerCycle: 10\n  lagThresholdSec: 0.5\n  pollInterval: 50ms\n")
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Job.MaxFramesPerCycle)
	assert.Equal(t, 50*time.Millisecond, cfg.Job.PollInterval)
	assert.Equal(t, CompoundingMean, cfg.Reconstruction.Compounding)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reconstruction:\n  compounding: median\n"), 0644))

	_, err := LoadConfig(path)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"spacing length", func(c *Config) { c.Reconstruction.OutputSpacing = []float64{1, 1} }},
		{"negative spacing", func(c *Config) { c.Reconstruction.OutputSpacing = []float64{1, -1, 1} }},
		{"dimensions without origin", func(c *Config) { c.Reconstruction.OutputDimensions = []int{10, 10, 10} }},
		{"interpolation", func(c *Config) { c.Reconstruction.Interpolation = "cubic" }},
		{"rasterization", func(c *Config) { c.Reconstruction.Rasterization = "sideways" }},
		{"skip interval", func(c *Config) { c.Reconstruction.SkipInterval = 0 }},
		{"hole radius", func(c *Config) { c.Reconstruction.FillHoles = true; c.Reconstruction.HoleFillRadius = 0 }},
		{"max frames per cycle", func(c *Config) { c.Job.MaxFramesPerCycle = 0 }},
		{"lag threshold", func(c *Config) { c.Job.LagThresholdSec = 0 }},
		{"order policy", func(c *Config) { c.Buffer.OrderPolicy = "shuffle" }},
		{"transform matrix", func(c *Config) { c.Transforms = []Transform{{Name: "ImageToProbe", Matrix: []float64{1}}} }},
		{"missing frame", func(c *Config) { c.Reconstruction.ReferenceCoordinateFrame = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}
