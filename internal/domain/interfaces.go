package domain

import (
	"context"
	"time"
)

// DeviceProvider abstracts device property discovery for testing
type DeviceProvider interface {
	// Init initializes the provider (NVML or mock)
	Init() error
	// Shutdown cleanly shuts down the provider
	Shutdown() error
	// DeviceCount returns the number of visible devices
	DeviceCount() (int, error)
	// DeviceProfile returns the capability profile of the device at index
	DeviceProfile(index int) (DeviceProfile, error)
}

// DispatchRequest is everything an executor needs to launch one kernel
type DispatchRequest struct {
	Name         string
	Kind         WorkloadKind
	Launch       LaunchConfig
	WorkloadSize int64
	MemoryBytes  int64
	Stream       int
}

// Executor performs the actual device dispatch of a tuned kernel and
// reports how long it took.
type Executor interface {
	Dispatch(ctx context.Context, req DispatchRequest) (time.Duration, error)
}

// ElasticKernel is a workload whose grid size is tuned by the scheduler.
type ElasticKernel interface {
	Name() string
	Kind() WorkloadKind
	// Profile returns the compiled resource footprint shared by the kind
	Profile() KernelProfile
	LaunchConfig() LaunchConfig
	SetLaunchConfig(cfg LaunchConfig)
	// MemoryFootprint is the number of bytes resident in device memory
	MemoryFootprint() int64
	WorkloadSize() int64
	// Execute hands the kernel to the executor on the given stream
	Execute(ctx context.Context, exec Executor, stream int) (time.Duration, error)
}
