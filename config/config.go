// Package config reads the worklet patch configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pipelined/worklet"
)

// Defaults.
const (
	DefaultSampleRate = 44100
	DefaultTempo      = 120
	DefaultPoolSize   = 128
	DefaultChannels   = 1
	DefaultSeconds    = 4
)

// ErrInvalid is returned for configuration values that can't be used.
var ErrInvalid = errors.New("invalid configuration")

// Config describes a patch: engine settings, modules, an optional input
// wav file and a note sequence.
type Config struct {
	SampleRate int      `yaml:"sample_rate"`
	FrameSize  int      `yaml:"frame_size"`
	Channels   int      `yaml:"channels"`
	Tempo      float64  `yaml:"tempo"`
	PoolSize   int      `yaml:"pool_size"`
	Seconds    float64  `yaml:"seconds"`
	Smoothing  float64  `yaml:"smoothing"`
	Input      string   `yaml:"input"`
	Quantize   Quantize `yaml:"quantize"`
	Modules    []Module `yaml:"modules"`
	Notes      []Note   `yaml:"notes"`
}

// Quantize configures the quantizer stage.
type Quantize struct {
	Interval float64 `yaml:"interval"`
	Mode     string  `yaml:"mode"`
}

// Module names a binary module source. Exactly one of URL and Path is set.
type Module struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	Path string `yaml:"path"`
}

// Note is a scheduled note of the sequence in beats.
type Note struct {
	Beat      float64 `yaml:"beat"`
	Length    float64 `yaml:"length"`
	Note      int     `yaml:"note"`
	Frequency float64 `yaml:"frequency"`
}

// Default returns configuration with default values.
func Default() Config {
	return Config{
		SampleRate: DefaultSampleRate,
		FrameSize:  worklet.FrameSize,
		Channels:   DefaultChannels,
		Tempo:      DefaultTempo,
		PoolSize:   DefaultPoolSize,
		Seconds:    DefaultSeconds,
	}
}

// Load reads configuration file.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads configuration from r. Missing values are set to defaults.
func Decode(r io.Reader) (Config, error) {
	c := Default()
	if err := yaml.NewDecoder(r).Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks that configuration can be used to build an engine.
func (c Config) Validate() error {
	switch {
	case c.FrameSize != worklet.FrameSize:
		return fmt.Errorf("%w: frame size must be %d, got %d", ErrInvalid, worklet.FrameSize, c.FrameSize)
	case c.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate %d", ErrInvalid, c.SampleRate)
	case c.Channels <= 0:
		return fmt.Errorf("%w: channels %d", ErrInvalid, c.Channels)
	case c.Tempo <= 0:
		return fmt.Errorf("%w: tempo %v", ErrInvalid, c.Tempo)
	case c.PoolSize <= 0:
		return fmt.Errorf("%w: pool size %d", ErrInvalid, c.PoolSize)
	case c.Seconds < 0:
		return fmt.Errorf("%w: seconds %v", ErrInvalid, c.Seconds)
	case c.Smoothing < 0 || c.Smoothing >= 1:
		return fmt.Errorf("%w: smoothing %v", ErrInvalid, c.Smoothing)
	}
	switch c.Quantize.Mode {
	case "", "round", "floor", "ceil", "trunc":
	default:
		return fmt.Errorf("%w: quantize mode %q", ErrInvalid, c.Quantize.Mode)
	}
	for _, m := range c.Modules {
		if (m.URL == "") == (m.Path == "") {
			return fmt.Errorf("%w: module %q needs either url or path", ErrInvalid, m.Name)
		}
	}
	for _, n := range c.Notes {
		if n.Length <= 0 || n.Beat < 0 {
			return fmt.Errorf("%w: note %d at beat %v", ErrInvalid, n.Note, n.Beat)
		}
	}
	return nil
}

// Frames returns number of frames to render.
func (c Config) Frames() int {
	return int(c.Seconds * float64(c.SampleRate) / float64(c.FrameSize))
}
