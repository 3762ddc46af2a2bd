package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic-maximizer/maximizer/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maximizer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	dev, err := cfg.StaticDevice()
	require.NoError(t, err)
	assert.Equal(t, 14, dev.SMCount)
	assert.Equal(t, slog.LevelInfo, cfg.Level())
}

func TestLoad_EmptyPathIsDefault(t *testing.T) {
	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
device:
  source: preset
  preset: v100
  totalMemory: 8Gi
kernelProfiles:
  MATRIX_MULT: {registersPerThread: 32, sharedMemPerBlock: 16384, maxThreadsPerBlock: 512}
executor:
  kind: container
  image: registry.local/workloads:1.2
  memoryLimit: 512Mi
samples: 5
streams: 8
sampleInterval: 1m30s
logLevel: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	dev, err := cfg.StaticDevice()
	require.NoError(t, err)
	assert.Equal(t, 80, dev.SMCount)
	assert.Equal(t, int64(8<<30), dev.TotalGlobalMemory)
	assert.Equal(t, int64(512<<20), cfg.MemoryLimitBytes())
	assert.Equal(t, 5, cfg.Samples)
	assert.Equal(t, 8, cfg.Streams)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 90*time.Second, cfg.SampleInterval.Duration)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	kp, err := reg.Profile(domain.KindMatrixMult)
	require.NoError(t, err)
	assert.Equal(t, 32, kp.RegistersPerThread)
}

func TestLoad_ExplicitProfile(t *testing.T) {
	path := writeConfig(t, `
device:
  source: profile
  profile:
    name: lab-card
    computeMajor: 3
    computeMinor: 5
    smCount: 2
    maxThreadsPerSM: 2048
    maxThreadsPerBlock: 1024
    maxBlocksPerSM: 16
    warpSize: 32
    sharedMemPerSM: 49152
    registersPerSM: 65536
    warpAllocGranularity: 4
    registerAllocGranularity: 256
    totalGlobalMemory: 1073741824
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	dev, err := cfg.StaticDevice()
	require.NoError(t, err)
	assert.Equal(t, "lab-card", dev.Name)
	assert.Equal(t, 2, dev.SMCount)
}

func TestLoad_RejectsUnknownField(t *testing.T) {
	path := writeConfig(t, "samplez: 3\n")

	_, err := Load(path)

	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))

	assert.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown source", func(c *Config) { c.Device.Source = "pci" }},
		{"unknown preset", func(c *Config) { c.Device.Preset = "voodoo" }},
		{"profile source without profile", func(c *Config) { c.Device.Source = SourceProfile }},
		{"invalid profile", func(c *Config) {
			c.Device.Source = SourceProfile
			c.Device.Profile = &domain.DeviceProfile{Name: "zero"}
		}},
		{"negative index", func(c *Config) { c.Device.Index = -1 }},
		{"invalid kernel profile", func(c *Config) {
			c.KernelProfiles = map[domain.WorkloadKind]domain.KernelProfile{
				domain.KindVectorAdd: {RegistersPerThread: 0, MaxThreadsPerBlock: 1024},
			}
		}},
		{"unknown executor", func(c *Config) { c.Executor.Kind = "ssh" }},
		{"container without image", func(c *Config) {
			c.Executor.Kind = ExecutorContainer
			c.Executor.Image = ""
		}},
		{"negative time scale", func(c *Config) { c.Executor.TimeScale = -1 }},
		{"zero samples", func(c *Config) { c.Samples = 0 }},
		{"zero streams", func(c *Config) { c.Streams = 0 }},
		{"partial tls", func(c *Config) { c.TLS.CertFile = "node.crt" }},
		{"negative sample interval", func(c *Config) { c.SampleInterval.Duration = -time.Second }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
