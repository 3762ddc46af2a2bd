package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidDevice        = errors.New("invalid device profile")
	ErrInvalidKernelProfile = errors.New("invalid kernel profile")
	ErrInvalidLaunchConfig  = errors.New("invalid launch configuration")
)

// WorkloadKind is the category of an elastic kernel. All kernels of one kind
// share the same KernelProfile.
type WorkloadKind string

const (
	KindVectorAdd     WorkloadKind = "VECTOR_ADD"
	KindMatrixMult    WorkloadKind = "MATRIX_MULT"
	KindChunking      WorkloadKind = "CHUNKING"
	KindBlackScholes  WorkloadKind = "BLACK_SCHOLES"
	KindScalarProduct WorkloadKind = "SCALAR_PRODUCT"
)

// DeviceProfile is an immutable snapshot of one GPU's hardware limits
type DeviceProfile struct {
	Name                     string `json:"name"`
	ComputeMajor             int    `json:"computeMajor"`
	ComputeMinor             int    `json:"computeMinor"`
	SMCount                  int    `json:"smCount"`
	MaxThreadsPerSM          int    `json:"maxThreadsPerSM"`
	MaxThreadsPerBlock       int    `json:"maxThreadsPerBlock"`
	MaxBlocksPerSM           int    `json:"maxBlocksPerSM"` // architectural limit
	WarpSize                 int    `json:"warpSize"`
	SharedMemPerSM           int    `json:"sharedMemPerSM"`
	RegistersPerSM           int    `json:"registersPerSM"`
	WarpAllocGranularity     int    `json:"warpAllocGranularity"`
	RegisterAllocGranularity int    `json:"registerAllocGranularity"`
	TotalGlobalMemory        int64  `json:"totalGlobalMemory"`
}

// Validate rejects profiles with any non-positive limit
func (d DeviceProfile) Validate() error {
	fields := []struct {
		name  string
		value int64
	}{
		{"smCount", int64(d.SMCount)},
		{"maxThreadsPerSM", int64(d.MaxThreadsPerSM)},
		{"maxThreadsPerBlock", int64(d.MaxThreadsPerBlock)},
		{"maxBlocksPerSM", int64(d.MaxBlocksPerSM)},
		{"warpSize", int64(d.WarpSize)},
		{"sharedMemPerSM", int64(d.SharedMemPerSM)},
		{"registersPerSM", int64(d.RegistersPerSM)},
		{"warpAllocGranularity", int64(d.WarpAllocGranularity)},
		{"registerAllocGranularity", int64(d.RegisterAllocGranularity)},
		{"totalGlobalMemory", d.TotalGlobalMemory},
	}
	for _, f := range fields {
		if f.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidDevice, f.name, f.value)
		}
	}
	return nil
}

// Limits returns the whole-device resource budget
func (d DeviceProfile) Limits() ResourceLimits {
	return ResourceLimits{
		Blocks:    d.SMCount * d.MaxBlocksPerSM,
		SharedMem: d.SMCount * d.SharedMemPerSM,
		Threads:   d.SMCount * d.MaxThreadsPerSM,
		Registers: d.SMCount * d.RegistersPerSM,
	}
}

// KernelProfile is the compiled resource footprint of a workload kind
type KernelProfile struct {
	RegistersPerThread int `json:"registersPerThread"`
	SharedMemPerBlock  int `json:"sharedMemPerBlock"`
	MaxThreadsPerBlock int `json:"maxThreadsPerBlock"`
}

func (p KernelProfile) Validate() error {
	if p.RegistersPerThread <= 0 {
		return fmt.Errorf("%w: registersPerThread must be positive, got %d", ErrInvalidKernelProfile, p.RegistersPerThread)
	}
	if p.SharedMemPerBlock < 0 {
		return fmt.Errorf("%w: sharedMemPerBlock must not be negative, got %d", ErrInvalidKernelProfile, p.SharedMemPerBlock)
	}
	if p.MaxThreadsPerBlock <= 0 {
		return fmt.Errorf("%w: maxThreadsPerBlock must be positive, got %d", ErrInvalidKernelProfile, p.MaxThreadsPerBlock)
	}
	return nil
}

// LaunchConfig is the launch geometry of a kernel. ThreadsPerBlock is fixed
// once chosen, BlocksPerGrid is what admission tunes.
type LaunchConfig struct {
	ThreadsPerBlock int `json:"threadsPerBlock"`
	BlocksPerGrid   int `json:"blocksPerGrid"`
}

func (c LaunchConfig) Validate() error {
	if c.ThreadsPerBlock <= 0 {
		return fmt.Errorf("%w: threadsPerBlock must be positive, got %d", ErrInvalidLaunchConfig, c.ThreadsPerBlock)
	}
	if c.BlocksPerGrid < 0 {
		return fmt.Errorf("%w: blocksPerGrid must not be negative, got %d", ErrInvalidLaunchConfig, c.BlocksPerGrid)
	}
	return nil
}

// Admitted reports whether at least one block survived admission
func (c LaunchConfig) Admitted() bool {
	return c.BlocksPerGrid > 0
}

func (c LaunchConfig) String() string {
	return fmt.Sprintf("<<<%d, %d>>>", c.BlocksPerGrid, c.ThreadsPerBlock)
}

// BlockUsage is the per-block resource usage for one block size. It is
// derived on demand and never stored.
type BlockUsage struct {
	Threads     int
	Registers   int
	SharedMem   int
	BlocksPerSM int
}

// Footprint is the aggregate usage of grid blocks of this size
func (u BlockUsage) Footprint(grid int) ResourceLimits {
	return ResourceLimits{
		Blocks:    grid,
		SharedMem: grid * u.SharedMem,
		Threads:   grid * u.Threads,
		Registers: grid * u.Registers,
	}
}

// ResourceLimits is an aggregate budget (device-wide or queue-wide totals)
type ResourceLimits struct {
	Blocks    int `json:"blocks"`
	SharedMem int `json:"sharedMem"`
	Threads   int `json:"threads"`
	Registers int `json:"registers"`
}

// Divide splits the budget equally across n holders, rounding down
func (l ResourceLimits) Divide(n int) ResourceLimits {
	if n <= 1 {
		return l
	}
	return ResourceLimits{
		Blocks:    l.Blocks / n,
		SharedMem: l.SharedMem / n,
		Threads:   l.Threads / n,
		Registers: l.Registers / n,
	}
}

// Add returns the component-wise sum
func (l ResourceLimits) Add(o ResourceLimits) ResourceLimits {
	return ResourceLimits{
		Blocks:    l.Blocks + o.Blocks,
		SharedMem: l.SharedMem + o.SharedMem,
		Threads:   l.Threads + o.Threads,
		Registers: l.Registers + o.Registers,
	}
}

// Sub returns the component-wise difference, clamped at zero
func (l ResourceLimits) Sub(o ResourceLimits) ResourceLimits {
	return ResourceLimits{
		Blocks:    max(0, l.Blocks-o.Blocks),
		SharedMem: max(0, l.SharedMem-o.SharedMem),
		Threads:   max(0, l.Threads-o.Threads),
		Registers: max(0, l.Registers-o.Registers),
	}
}

// Covers reports whether usage fits inside l in every dimension
func (l ResourceLimits) Covers(usage ResourceLimits) bool {
	return usage.Blocks <= l.Blocks &&
		usage.SharedMem <= l.SharedMem &&
		usage.Threads <= l.Threads &&
		usage.Registers <= l.Registers
}

// DominantShare is the largest fraction of capacity that usage takes in any
// dimension.
func (l ResourceLimits) DominantShare(usage ResourceLimits) float64 {
	share := func(used, total int) float64 {
		if total <= 0 {
			return 0
		}
		return float64(used) / float64(total)
	}
	return max(
		share(usage.Blocks, l.Blocks),
		share(usage.SharedMem, l.SharedMem),
		share(usage.Threads, l.Threads),
		share(usage.Registers, l.Registers),
	)
}

// Utilization is the result of evaluating one policy
type Utilization struct {
	AverageComputeOccupancy float64 `json:"averageComputeOccupancy"`
	AverageStorageOccupancy float64 `json:"averageStorageOccupancy"`
	Kernels                 int     `json:"kernels"`
	NonSchedulable          int     `json:"nonSchedulable"`
	Queues                  int     `json:"queues"`
}
