package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/elastic-maximizer/maximizer/internal/adapters/mtls"
	"github.com/elastic-maximizer/maximizer/internal/device"
	"github.com/elastic-maximizer/maximizer/internal/domain"
	"github.com/elastic-maximizer/maximizer/internal/kernel"
	"github.com/elastic-maximizer/maximizer/internal/stream"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const (
	SourceNVML    = "nvml"
	SourcePreset  = "preset"
	SourceProfile = "profile"

	ExecutorSimulated = "simulated"
	ExecutorContainer = "container"
)

// Config holds everything one maximizer run needs
type Config struct {
	Device DeviceConfig `json:"device"`

	// KernelProfiles replaces the compiled footprint of individual kinds
	KernelProfiles map[domain.WorkloadKind]domain.KernelProfile `json:"kernelProfiles,omitempty"`

	// PoolFile is a YAML kernel pool; empty uses the built-in pool
	PoolFile string `json:"poolFile,omitempty"`

	Executor ExecutorConfig `json:"executor"`

	// Samples is how many fresh runs `run` averages
	Samples int `json:"samples"`

	// Streams bounds how many queues are dispatched at once
	Streams int `json:"streams"`

	ListenAddr string `json:"listenAddr"`

	// TLS enables mutual TLS on serve and on -remote requests
	TLS mtls.Files `json:"tls"`

	// SampleInterval is how often serve re-evaluates every policy, e.g.
	// "30s". Zero samples once at startup.
	SampleInterval metav1.Duration `json:"sampleInterval"`

	LogLevel string `json:"logLevel"`
}

// DeviceConfig selects the modeled GPU
type DeviceConfig struct {
	// Source is nvml, preset or profile. nvml falls back to Preset when
	// NVML is unavailable.
	Source string `json:"source"`
	Index  int    `json:"index"`
	Preset string `json:"preset"`

	// Profile is used as-is when Source is profile
	Profile *domain.DeviceProfile `json:"profile,omitempty"`

	// TotalMemory overrides the device memory, e.g. "6Gi"
	TotalMemory *resource.Quantity `json:"totalMemory,omitempty"`
}

// ExecutorConfig selects how kernels are dispatched by `run`
type ExecutorConfig struct {
	Kind string `json:"kind"`

	// Image, GPUDeviceID and MemoryLimit apply to the container executor
	Image       string             `json:"image,omitempty"`
	GPUDeviceID string             `json:"gpuDeviceID,omitempty"`
	MemoryLimit *resource.Quantity `json:"memoryLimit,omitempty"`

	// TimeScale makes the simulated executor sleep for the modeled time
	TimeScale float64 `json:"timeScale,omitempty"`
}

// Default returns default configuration
func Default() Config {
	return Config{
		Device: DeviceConfig{
			Source: SourcePreset,
			Preset: device.DefaultPreset,
		},
		Executor: ExecutorConfig{
			Kind:        ExecutorSimulated,
			Image:       "maximizer/workloads:latest",
			GPUDeviceID: "0",
		},
		Samples:        1,
		Streams:        stream.DefaultSize,
		ListenAddr:     ":8080",
		SampleInterval: metav1.Duration{Duration: 30 * time.Second},
		LogLevel:       "info",
	}
}

// Load reads a YAML file over the defaults and validates the result
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the config is valid
func (c *Config) Validate() error {
	switch c.Device.Source {
	case SourceNVML, SourcePreset:
		if _, err := device.Preset(c.Device.Preset); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	case SourceProfile:
		if c.Device.Profile == nil {
			return fmt.Errorf("%w: device.profile is required for source %q", ErrInvalidConfig, SourceProfile)
		}
		if err := c.Device.Profile.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	default:
		return fmt.Errorf("%w: unknown device source %q", ErrInvalidConfig, c.Device.Source)
	}
	if c.Device.Index < 0 {
		return fmt.Errorf("%w: device.index must not be negative", ErrInvalidConfig)
	}
	if q := c.Device.TotalMemory; q != nil && q.Sign() <= 0 {
		return fmt.Errorf("%w: device.totalMemory must be positive, got %s", ErrInvalidConfig, q.String())
	}

	if _, err := c.Registry(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	switch c.Executor.Kind {
	case ExecutorSimulated:
	case ExecutorContainer:
		if c.Executor.Image == "" {
			return fmt.Errorf("%w: executor.image is required for the container executor", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown executor %q", ErrInvalidConfig, c.Executor.Kind)
	}
	if c.Executor.TimeScale < 0 {
		return fmt.Errorf("%w: executor.timeScale must not be negative", ErrInvalidConfig)
	}

	if c.Samples < 1 {
		return fmt.Errorf("%w: samples must be at least 1, got %d", ErrInvalidConfig, c.Samples)
	}
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("%w: tls: %w", ErrInvalidConfig, err)
	}
	if c.SampleInterval.Duration < 0 {
		return fmt.Errorf("%w: sampleInterval must not be negative", ErrInvalidConfig)
	}
	if c.Streams < 1 {
		return fmt.Errorf("%w: streams must be at least 1, got %d", ErrInvalidConfig, c.Streams)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Registry returns the default kernel profiles with the overrides applied
func (c *Config) Registry() (*kernel.Registry, error) {
	if len(c.KernelProfiles) == 0 {
		return kernel.DefaultRegistry(), nil
	}
	return kernel.DefaultRegistry().With(c.KernelProfiles)
}

// Level is the configured slog level; unknown levels map to info
func (c *Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// StaticDevice returns the device for the preset and profile sources
func (c *Config) StaticDevice() (domain.DeviceProfile, error) {
	if c.Device.Source == SourceProfile && c.Device.Profile != nil {
		return c.ApplyOverrides(*c.Device.Profile), nil
	}
	p, err := device.Preset(c.Device.Preset)
	if err != nil {
		return domain.DeviceProfile{}, err
	}
	return c.ApplyOverrides(p), nil
}

// ApplyOverrides applies device-level overrides to a discovered profile
func (c *Config) ApplyOverrides(p domain.DeviceProfile) domain.DeviceProfile {
	if q := c.Device.TotalMemory; q != nil {
		p.TotalGlobalMemory = q.Value()
	}
	return p
}

// MemoryLimitBytes is the container memory limit, 0 for none
func (c *Config) MemoryLimitBytes() int64 {
	if c.Executor.MemoryLimit == nil {
		return 0
	}
	return c.Executor.MemoryLimit.Value()
}
