package device

import (
	"errors"
	"fmt"
	"sort"

	"github.com/elastic-maximizer/maximizer/internal/domain"
)

var (
	ErrUnknownArch   = errors.New("unknown compute capability")
	ErrUnknownPreset = errors.New("unknown device preset")
)

// Arch holds the per-SM limits fixed by a compute capability
type Arch struct {
	MaxThreadsPerSM          int
	MaxThreadsPerBlock       int
	MaxBlocksPerSM           int
	WarpSize                 int
	SharedMemPerSM           int
	RegistersPerSM           int
	WarpAllocGranularity     int
	RegisterAllocGranularity int
}

type capability struct{ major, minor int }

// Values follow the CUDA occupancy calculator tables.
var archTable = map[capability]Arch{
	{2, 0}: {1536, 1024, 8, 32, 49152, 32768, 2, 64},
	{2, 1}: {1536, 1024, 8, 32, 49152, 32768, 2, 64},
	{3, 0}: {2048, 1024, 16, 32, 49152, 65536, 4, 256},
	{3, 5}: {2048, 1024, 16, 32, 49152, 65536, 4, 256},
	{3, 7}: {2048, 1024, 16, 32, 114688, 131072, 4, 256},
	{5, 0}: {2048, 1024, 32, 32, 65536, 65536, 4, 256},
	{5, 2}: {2048, 1024, 32, 32, 98304, 65536, 4, 256},
	{5, 3}: {2048, 1024, 32, 32, 65536, 65536, 4, 256},
	{6, 0}: {2048, 1024, 32, 32, 65536, 65536, 2, 256},
	{6, 1}: {2048, 1024, 32, 32, 98304, 65536, 4, 256},
	{6, 2}: {2048, 1024, 32, 32, 65536, 65536, 4, 256},
	{7, 0}: {2048, 1024, 32, 32, 98304, 65536, 4, 256},
	{7, 5}: {1024, 1024, 16, 32, 65536, 65536, 4, 256},
	{8, 0}: {2048, 1024, 32, 32, 167936, 65536, 4, 256},
	{8, 6}: {1536, 1024, 16, 32, 102400, 65536, 4, 256},
	{8, 9}: {1536, 1024, 24, 32, 102400, 65536, 4, 256},
	{9, 0}: {2048, 1024, 32, 32, 233472, 65536, 4, 256},
}

// LookupArch returns the limits for a compute capability. An unlisted minor
// revision falls back to the closest lower one of the same major.
func LookupArch(major, minor int) (Arch, error) {
	if a, ok := archTable[capability{major, minor}]; ok {
		return a, nil
	}
	for m := minor - 1; m >= 0; m-- {
		if a, ok := archTable[capability{major, m}]; ok {
			return a, nil
		}
	}
	return Arch{}, fmt.Errorf("%w: %d.%d", ErrUnknownArch, major, minor)
}

// NewProfile builds a device profile from the device-specific values and the
// architecture table.
func NewProfile(name string, major, minor, smCount int, totalMem int64) (domain.DeviceProfile, error) {
	a, err := LookupArch(major, minor)
	if err != nil {
		return domain.DeviceProfile{}, err
	}
	p := domain.DeviceProfile{
		Name:                     name,
		ComputeMajor:             major,
		ComputeMinor:             minor,
		SMCount:                  smCount,
		MaxThreadsPerSM:          a.MaxThreadsPerSM,
		MaxThreadsPerBlock:       a.MaxThreadsPerBlock,
		MaxBlocksPerSM:           a.MaxBlocksPerSM,
		WarpSize:                 a.WarpSize,
		SharedMemPerSM:           a.SharedMemPerSM,
		RegistersPerSM:           a.RegistersPerSM,
		WarpAllocGranularity:     a.WarpAllocGranularity,
		RegisterAllocGranularity: a.RegisterAllocGranularity,
		TotalGlobalMemory:        totalMem,
	}
	if err := p.Validate(); err != nil {
		return domain.DeviceProfile{}, err
	}
	return p, nil
}

type preset struct {
	model        string
	major, minor int
	smCount      int
	totalMem     int64
}

const gib = int64(1) << 30

var presets = map[string]preset{
	"gtx-titan": {"GeForce GTX TITAN", 3, 5, 14, 6 * gib},
	"tesla-k20": {"Tesla K20c", 3, 5, 13, 5 * gib},
	"v100":      {"Tesla V100-SXM2-16GB", 7, 0, 80, 16 * gib},
	"a100":      {"NVIDIA A100-SXM4-40GB", 8, 0, 108, 40 * gib},
	"rtx-4090":  {"NVIDIA GeForce RTX 4090", 8, 9, 128, 24 * gib},
}

// DefaultPreset is the device the experiment pool was tuned for
const DefaultPreset = "gtx-titan"

// Preset returns a named device profile
func Preset(name string) (domain.DeviceProfile, error) {
	p, ok := presets[name]
	if !ok {
		return domain.DeviceProfile{}, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	return NewProfile(p.model, p.major, p.minor, p.smCount, p.totalMem)
}

// PresetNames lists the known presets in sorted order
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
