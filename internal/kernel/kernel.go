package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/elastic-maximizer/maximizer/internal/domain"
)

// Kernel is the elastic kernel implementation shared by every workload kind.
// Kind-specific behavior is limited to the memory footprint.
type Kernel struct {
	name      string
	kind      domain.WorkloadKind
	profile   domain.KernelProfile
	launch    domain.LaunchConfig
	size      int64
	footprint int64
}

// New creates a kernel of the given kind with its as-registered geometry
func New(reg *Registry, kind domain.WorkloadKind, name string, threads, blocks int, size int64) (*Kernel, error) {
	profile, err := reg.Profile(kind)
	if err != nil {
		return nil, err
	}
	launch := domain.LaunchConfig{ThreadsPerBlock: threads, BlocksPerGrid: blocks}
	if err := launch.Validate(); err != nil {
		return nil, fmt.Errorf("kernel %s: %w", name, err)
	}
	if threads > profile.MaxThreadsPerBlock {
		return nil, fmt.Errorf("kernel %s: %w: %d threads exceeds compiled maximum %d",
			name, domain.ErrInvalidLaunchConfig, threads, profile.MaxThreadsPerBlock)
	}
	if size < 0 {
		return nil, fmt.Errorf("kernel %s: negative workload size %d", name, size)
	}

	return &Kernel{
		name:      name,
		kind:      kind,
		profile:   profile,
		launch:    launch,
		size:      size,
		footprint: Footprint(kind, size),
	}, nil
}

func (k *Kernel) Name() string                          { return k.name }
func (k *Kernel) Kind() domain.WorkloadKind             { return k.kind }
func (k *Kernel) Profile() domain.KernelProfile         { return k.profile }
func (k *Kernel) LaunchConfig() domain.LaunchConfig     { return k.launch }
func (k *Kernel) SetLaunchConfig(c domain.LaunchConfig) { k.launch = c }
func (k *Kernel) MemoryFootprint() int64                { return k.footprint }
func (k *Kernel) WorkloadSize() int64                   { return k.size }

// Execute dispatches the kernel with its current launch configuration
func (k *Kernel) Execute(ctx context.Context, exec domain.Executor, stream int) (time.Duration, error) {
	return exec.Dispatch(ctx, domain.DispatchRequest{
		Name:         k.name,
		Kind:         k.kind,
		Launch:       k.launch,
		WorkloadSize: k.size,
		MemoryBytes:  k.footprint,
		Stream:       stream,
	})
}

func (k *Kernel) String() string {
	return fmt.Sprintf("%s(%s %s)", k.name, k.kind, k.launch)
}

// Compile-time interface check
var _ domain.ElasticKernel = (*Kernel)(nil)

const floatSize = 4

// Footprint is the device memory a workload of the given size keeps resident
func Footprint(kind domain.WorkloadKind, size int64) int64 {
	switch kind {
	case domain.KindVectorAdd:
		// a, b and the sum
		return 3 * size * floatSize
	case domain.KindMatrixMult:
		// size is the matrix dimension: A, B and C
		return 3 * size * size * floatSize
	case domain.KindChunking:
		// size is the input in bytes, plus one 8-byte fingerprint per 64-byte chunk
		return size + size/8
	case domain.KindBlackScholes:
		// price, strike, years in; call and put out
		return 5 * size * floatSize
	case domain.KindScalarProduct:
		// two input vectors
		return 2 * size * floatSize
	default:
		return size
	}
}
