// Package occupancy converts a kernel's compiled footprint and a launch
// geometry into per-SM resource usage and occupancy. Every function is pure;
// the device profile is always passed in explicitly.
package occupancy

import (
	"errors"
	"fmt"
	"math"

	"github.com/elastic-maximizer/maximizer/internal/domain"
)

var ErrNoFeasibleBlockSize = errors.New("no feasible block size")

// HardwareLimit is the number of blocks an SM can host by thread count and
// by the architectural block ceiling alone.
func HardwareLimit(dev domain.DeviceProfile, blockSize int) int {
	return min(dev.MaxThreadsPerSM/blockSize, dev.MaxBlocksPerSM)
}

// SharedMemLimit is the number of blocks that fit in one SM's shared memory.
// Kernels without shared memory are unconstrained.
func SharedMemLimit(dev domain.DeviceProfile, kp domain.KernelProfile) int {
	if kp.SharedMemPerBlock == 0 {
		return math.MaxInt
	}
	return dev.SharedMemPerSM / kp.SharedMemPerBlock
}

// RegisterLimit is the number of blocks that fit in one SM's register file
func RegisterLimit(dev domain.DeviceProfile, kp domain.KernelProfile, blockSize int) int {
	return dev.RegistersPerSM / RegistersPerBlock(dev, kp, blockSize)
}

// RegistersPerBlock counts registers the way the hardware allocates them:
// per warp, with the warp count rounded up to the allocation granularity.
func RegistersPerBlock(dev domain.DeviceProfile, kp domain.KernelProfile, blockSize int) int {
	warps := ceilDiv(blockSize, dev.WarpSize)
	warps = ceilTo(warps, dev.WarpAllocGranularity)
	return kp.RegistersPerThread * dev.WarpSize * warps
}

// MaxResidentBlocksPerSM is the tightest of the hardware, shared memory and
// register ceilings.
func MaxResidentBlocksPerSM(dev domain.DeviceProfile, kp domain.KernelProfile, blockSize int) int {
	if blockSize <= 0 {
		return 0
	}
	return min(
		HardwareLimit(dev, blockSize),
		SharedMemLimit(dev, kp),
		RegisterLimit(dev, kp, blockSize),
	)
}

// Usage returns the block usage snapshot for one block size
func Usage(dev domain.DeviceProfile, kp domain.KernelProfile, blockSize int) domain.BlockUsage {
	return domain.BlockUsage{
		Threads:     blockSize,
		Registers:   RegistersPerBlock(dev, kp, blockSize),
		SharedMem:   kp.SharedMemPerBlock,
		BlocksPerSM: MaxResidentBlocksPerSM(dev, kp, blockSize),
	}
}

// Admit shrinks the grid of cfg until it fits both the physical residency of
// the device and the aggregate caps in limits. The caps are applied in a fixed
// order (shared memory, threads, registers), each against the grid left by the
// previous one. ThreadsPerBlock is never changed; a zero grid means the kernel
// was not admitted.
func Admit(dev domain.DeviceProfile, kp domain.KernelProfile, cfg domain.LaunchConfig, limits domain.ResourceLimits) (domain.LaunchConfig, error) {
	if err := cfg.Validate(); err != nil {
		return domain.LaunchConfig{}, err
	}

	usage := Usage(dev, kp, cfg.ThreadsPerBlock)
	maxPhysicalBlocks := usage.BlocksPerSM * dev.SMCount

	grid := min(cfg.BlocksPerGrid, maxPhysicalBlocks, limits.Blocks)
	grid = shrinkToFit(grid, usage.SharedMem, limits.SharedMem)
	grid = shrinkToFit(grid, usage.Threads, limits.Threads)
	grid = shrinkToFit(grid, usage.Registers, limits.Registers)

	return domain.LaunchConfig{
		ThreadsPerBlock: cfg.ThreadsPerBlock,
		BlocksPerGrid:   max(grid, 0),
	}, nil
}

// shrinkToFit trims just enough blocks for grid*perBlock to fit under limit
func shrinkToFit(grid, perBlock, limit int) int {
	usage := grid * perBlock
	if perBlock <= 0 || usage <= limit {
		return grid
	}
	deficit := usage - max(limit, 0)
	return grid - ceilDiv(deficit, perBlock)
}

// ComputeOccupancy is the fraction of one SM's thread capacity that the
// kernel's block size can keep resident.
func ComputeOccupancy(dev domain.DeviceProfile, kp domain.KernelProfile, cfg domain.LaunchConfig) float64 {
	threadNum := min(kp.MaxThreadsPerBlock, dev.MaxThreadsPerSM, cfg.ThreadsPerBlock)
	if threadNum <= 0 {
		return 0
	}
	occupied := threadNum * MaxResidentBlocksPerSM(dev, kp, threadNum)
	return float64(occupied) / float64(dev.MaxThreadsPerSM)
}

// StorageOccupancy is the fraction of device memory taken by footprint bytes.
// It saturates at 1; use FitsGlobalMemory to reject oversize footprints.
func StorageOccupancy(dev domain.DeviceProfile, footprint int64) float64 {
	if footprint <= 0 {
		return 0
	}
	return min(1, float64(footprint)/float64(dev.TotalGlobalMemory))
}

// FitsGlobalMemory reports whether footprint bytes fit in device memory
func FitsGlobalMemory(dev domain.DeviceProfile, footprint int64) bool {
	return footprint <= dev.TotalGlobalMemory
}

// Optimum is the best block size found for a kernel and the SM occupancy it
// reaches.
type Optimum struct {
	BlockSize   int
	SMOccupancy float64
}

// Optimal searches block sizes from the largest usable size down to the warp
// size in warp-sized steps and keeps the first size with the highest
// occupancy. The search stops early at full occupancy. A start that is not
// warp aligned steps down to the warp size as its last candidate. A zero
// BlockSize means no size can keep a single block resident.
func Optimal(dev domain.DeviceProfile, kp domain.KernelProfile) Optimum {
	return search(dev, kp, func(int) bool { return true })
}

// OptimalWithin is Optimal restricted to block sizes whose single block fits
// limits. A zero BlockSize means no such size can keep a block resident.
func OptimalWithin(dev domain.DeviceProfile, kp domain.KernelProfile, limits domain.ResourceLimits) Optimum {
	return search(dev, kp, func(blockSize int) bool {
		return limits.Covers(Usage(dev, kp, blockSize).Footprint(1))
	})
}

func search(dev domain.DeviceProfile, kp domain.KernelProfile, fits func(blockSize int) bool) Optimum {
	largest := min(kp.MaxThreadsPerBlock, dev.MaxThreadsPerSM)
	if largest <= 0 || dev.WarpSize <= 0 {
		return Optimum{}
	}

	var best, bestOcc int
	for blockSize := largest; ; blockSize = max(blockSize-dev.WarpSize, dev.WarpSize) {
		if fits(blockSize) {
			occ := blockSize * MaxResidentBlocksPerSM(dev, kp, blockSize)
			if occ > bestOcc {
				best, bestOcc = blockSize, occ
			}
		}
		if bestOcc == dev.MaxThreadsPerSM || blockSize <= dev.WarpSize {
			break
		}
	}

	return Optimum{
		BlockSize:   best,
		SMOccupancy: float64(bestOcc) / float64(dev.MaxThreadsPerSM),
	}
}

// OptimalBlockSize returns Optimal(...).BlockSize; 0 means infeasible
func OptimalBlockSize(dev domain.DeviceProfile, kp domain.KernelProfile) int {
	return Optimal(dev, kp).BlockSize
}

// FeasibleOptimal is Optimal with the degenerate result turned into an error
func FeasibleOptimal(dev domain.DeviceProfile, kp domain.KernelProfile) (Optimum, error) {
	opt := Optimal(dev, kp)
	if opt.BlockSize == 0 {
		return Optimum{}, fmt.Errorf("%w: %d registers/thread, %d bytes shared memory/block",
			ErrNoFeasibleBlockSize, kp.RegistersPerThread, kp.SharedMemPerBlock)
	}
	return opt, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func ceilTo(v, granularity int) int {
	return ceilDiv(v, granularity) * granularity
}
