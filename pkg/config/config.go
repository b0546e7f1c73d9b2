// Package config provides configuration loading and management for freehand3d.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Compounding rules for combining slice contributions in a voxel.
const (
	CompoundingLatest  = "latest"
	CompoundingMean    = "mean"
	CompoundingMaximum = "maximum"
)

// Interpolation modes.
const (
	InterpolationNearest = "nearest"
	InterpolationLinear  = "linear"
)

// Rasterization strategies.
const (
	RasterizationForward  = "forward"
	RasterizationBackward = "backward"
)

// Buffer ordering policies for frames that arrive out of timestamp order.
const (
	OrderReorder = "reorder"
	OrderReject  = "reject"
)

// Reconstruction holds the volume reconstructor parameters.
type Reconstruction struct {
	// ImageCoordinateFrame is the name of the 2D image plane frame
	ImageCoordinateFrame string `yaml:"imageCoordinateFrame"`

	// ReferenceCoordinateFrame is the fixed frame the volume is built in
	ReferenceCoordinateFrame string `yaml:"referenceCoordinateFrame"`

	// OutputSpacing is the voxel size in mm along x, y, z
	OutputSpacing []float64 `yaml:"outputSpacing"`

	// OutputOrigin and OutputDimensions fix the extent up front. When
	// OutputDimensions is empty the extent is computed from the frames.
	OutputOrigin     []float64 `yaml:"outputOrigin,omitempty"`
	OutputDimensions []int     `yaml:"outputDimensions,omitempty"`

	Compounding   string `yaml:"compounding"`
	Interpolation string `yaml:"interpolation"`
	Rasterization string `yaml:"rasterization"`

	// SkipInterval processes only every Nth frame
	SkipInterval int `yaml:"skipInterval"`

	// FillHoles fills unhit voxels from hit neighbours within HoleFillRadius voxels
	FillHoles      bool    `yaml:"fillHoles"`
	HoleFillRadius float64 `yaml:"holeFillRadius"`

	// BackgroundValue is written to voxels never hit by any frame
	BackgroundValue uint8 `yaml:"backgroundValue"`

	// ClipRectangleOrigin and ClipRectangleSize restrict the used pixels.
	// A zero size uses the whole image.
	ClipRectangleOrigin []int `yaml:"clipRectangleOrigin,omitempty"`
	ClipRectangleSize   []int `yaml:"clipRectangleSize,omitempty"`

	// NumWorkers bounds the goroutines used for extraction and hole filling
	NumWorkers int `yaml:"numWorkers"`
}

// Job holds the live reconstruction controller parameters.
type Job struct {
	// MaxFramesPerCycle bounds the frames inserted per cycle
	MaxFramesPerCycle int `yaml:"maxFramesPerCycle"`

	// LagThresholdSec raises a warning when processing falls further behind
	LagThresholdSec float64 `yaml:"lagThresholdSec"`

	// PollInterval is how often the scheduler runs a cycle
	PollInterval time.Duration `yaml:"pollInterval"`

	// ReplyQueueSize is the capacity of the reply channel
	ReplyQueueSize int `yaml:"replyQueueSize"`
}

// Buffer holds the tracked frame buffer parameters.
type Buffer struct {
	// OrderPolicy is "reorder" or "reject"
	OrderPolicy string `yaml:"orderPolicy"`

	// MaxFrames caps the buffer; the oldest frame is dropped when full. Zero is unbounded.
	MaxFrames int `yaml:"maxFrames"`
}

// Transform is a persistent coordinate definition, such as a probe calibration.
type Transform struct {
	Name   string    `yaml:"name"`
	Matrix []float64 `yaml:"matrix"`
	Error  float64   `yaml:"error"`
	Date   float64   `yaml:"date"`
}

// Output holds the result delivery parameters.
type Output struct {
	// Directory receives volumes, sequences and slice dumps
	Directory string `yaml:"directory"`

	// Compressed writes zlib compressed metafiles
	Compressed bool `yaml:"compressed"`

	// Verbose enables debug logging
	Verbose bool `yaml:"verbose"`
}

// Store holds the job history database parameters.
type Store struct {
	// Path of the SQLite database. Empty disables job history.
	Path string `yaml:"path"`
}

// Metrics holds the Prometheus exporter parameters.
type Metrics struct {
	// Address to serve /metrics on, such as ":9090". Empty disables the endpoint.
	Address string `yaml:"address"`
}

// Simulation parameterises the simulated probe and tracker used by the live command.
type Simulation struct {
	FrameRate       float64 `yaml:"frameRate"`
	ImageWidth      int     `yaml:"imageWidth"`
	ImageHeight     int     `yaml:"imageHeight"`
	PixelSpacing    float64 `yaml:"pixelSpacing"`
	SweepSpeed      float64 `yaml:"sweepSpeed"`
	DropoutInterval int     `yaml:"dropoutInterval"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	Reconstruction Reconstruction `yaml:"reconstruction"`
	Job            Job            `yaml:"job"`
	Buffer         Buffer         `yaml:"buffer"`
	Transforms     []Transform    `yaml:"transforms"`
	Output         Output         `yaml:"output"`
	Store          Store          `yaml:"store"`
	Metrics        Metrics        `yaml:"metrics"`
	Simulation     Simulation     `yaml:"simulation"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Reconstruction.ImageCoordinateFrame = "Image"
	cfg.Reconstruction.ReferenceCoordinateFrame = "Reference"
	cfg.Reconstruction.OutputSpacing = []float64{1, 1, 1}
	cfg.Reconstruction.Compounding = CompoundingMean
	cfg.Reconstruction.Interpolation = InterpolationNearest
	cfg.Reconstruction.Rasterization = RasterizationForward
	cfg.Reconstruction.SkipInterval = 1
	cfg.Reconstruction.FillHoles = false
	cfg.Reconstruction.HoleFillRadius = 2
	cfg.Reconstruction.BackgroundValue = 0
	cfg.Reconstruction.NumWorkers = runtime.NumCPU()

	cfg.Job.MaxFramesPerCycle = 50
	cfg.Job.LagThresholdSec = 0.5
	cfg.Job.PollInterval = 100 * time.Millisecond
	cfg.Job.ReplyQueueSize = 16

	cfg.Buffer.OrderPolicy = OrderReorder
	cfg.Buffer.MaxFrames = 1000

	cfg.Output.Directory = "output"
	cfg.Output.Compressed = false
	cfg.Output.Verbose = false

	cfg.Simulation.FrameRate = 20
	cfg.Simulation.ImageWidth = 64
	cfg.Simulation.ImageHeight = 64
	cfg.Simulation.PixelSpacing = 0.5
	cfg.Simulation.SweepSpeed = 5
	cfg.Simulation.DropoutInterval = 25

	return cfg
}

// Validate checks value ranges and enumerations. Every error wraps ErrInvalid.
func (c *Config) Validate() error {
	r := c.Reconstruction
	if r.ImageCoordinateFrame == "" || r.ReferenceCoordinateFrame == "" {
		return fmt.Errorf("%w: image and reference coordinate frames are required", ErrInvalid)
	}
	if len(r.OutputSpacing) != 3 {
		return fmt.Errorf("%w: outputSpacing needs 3 values, got %d", ErrInvalid, len(r.OutputSpacing))
	}
	for i, s := range r.OutputSpacing {
		if s <= 0 {
			return fmt.Errorf("%w: outputSpacing[%d] must be positive", ErrInvalid, i)
		}
	}
	if len(r.OutputDimensions) != 0 {
		if len(r.OutputDimensions) != 3 || len(r.OutputOrigin) != 3 {
			return fmt.Errorf("%w: outputOrigin and outputDimensions need 3 values each", ErrInvalid)
		}
		for i, d := range r.OutputDimensions {
			if d <= 0 {
				return fmt.Errorf("%w: outputDimensions[%d] must be positive", ErrInvalid, i)
			}
		}
	}
	switch r.Compounding {
	case CompoundingLatest, CompoundingMean, CompoundingMaximum:
	default:
		return fmt.Errorf("%w: unknown compounding %q", ErrInvalid, r.Compounding)
	}
	switch r.Interpolation {
	case InterpolationNearest, InterpolationLinear:
	default:
		return fmt.Errorf("%w: unknown interpolation %q", ErrInvalid, r.Interpolation)
	}
	switch r.Rasterization {
	case RasterizationForward, RasterizationBackward:
	default:
		return fmt.Errorf("%w: unknown rasterization %q", ErrInvalid, r.Rasterization)
	}
	if r.SkipInterval < 1 {
		return fmt.Errorf("%w: skipInterval must be at least 1", ErrInvalid)
	}
	if r.FillHoles && r.HoleFillRadius <= 0 {
		return fmt.Errorf("%w: holeFillRadius must be positive when fillHoles is set", ErrInvalid)
	}
	if len(r.ClipRectangleSize) != 0 && (len(r.ClipRectangleSize) != 2 || len(r.ClipRectangleOrigin) != 2) {
		return fmt.Errorf("%w: clipRectangleOrigin and clipRectangleSize need 2 values each", ErrInvalid)
	}
	if c.Job.MaxFramesPerCycle < 1 {
		return fmt.Errorf("%w: maxFramesPerCycle must be at least 1", ErrInvalid)
	}
	if c.Job.LagThresholdSec <= 0 {
		return fmt.Errorf("%w: lagThresholdSec must be positive", ErrInvalid)
	}
	switch c.Buffer.OrderPolicy {
	case OrderReorder, OrderReject:
	default:
		return fmt.Errorf("%w: unknown buffer orderPolicy %q", ErrInvalid, c.Buffer.OrderPolicy)
	}
	if c.Buffer.MaxFrames < 0 {
		return fmt.Errorf("%w: buffer maxFrames must not be negative", ErrInvalid)
	}
	for _, t := range c.Transforms {
		if len(t.Matrix) != 16 {
			return fmt.Errorf("%w: transform %q needs 16 matrix values", ErrInvalid, t.Name)
		}
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
