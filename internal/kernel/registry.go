package kernel

import (
	"errors"
	"fmt"
	"sort"

	"github.com/elastic-maximizer/maximizer/internal/domain"
)

var ErrUnknownKind = errors.New("unknown workload kind")

// Registry maps workload kinds to their compiled resource profile. A registry
// is never mutated after construction; With returns a new one.
type Registry struct {
	profiles map[domain.WorkloadKind]domain.KernelProfile
}

// Register counts and static shared memory as reported by the sm_35 builds of
// the workload kernels.
var builtinProfiles = map[domain.WorkloadKind]domain.KernelProfile{
	domain.KindVectorAdd:     {RegistersPerThread: 8, SharedMemPerBlock: 0, MaxThreadsPerBlock: 1024},
	domain.KindMatrixMult:    {RegistersPerThread: 26, SharedMemPerBlock: 8192, MaxThreadsPerBlock: 1024},
	domain.KindChunking:      {RegistersPerThread: 21, SharedMemPerBlock: 0, MaxThreadsPerBlock: 1024},
	domain.KindBlackScholes:  {RegistersPerThread: 23, SharedMemPerBlock: 0, MaxThreadsPerBlock: 1024},
	domain.KindScalarProduct: {RegistersPerThread: 14, SharedMemPerBlock: 4096, MaxThreadsPerBlock: 1024},
}

var defaultRegistry = &Registry{profiles: builtinProfiles}

// DefaultRegistry returns the process-wide registry of built-in profiles
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// NewRegistry builds a registry from explicit profiles
func NewRegistry(profiles map[domain.WorkloadKind]domain.KernelProfile) (*Registry, error) {
	r := &Registry{profiles: make(map[domain.WorkloadKind]domain.KernelProfile, len(profiles))}
	for kind, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("kind %s: %w", kind, err)
		}
		r.profiles[kind] = p
	}
	return r, nil
}

// With returns a copy of r with the given profiles replaced or added
func (r *Registry) With(overrides map[domain.WorkloadKind]domain.KernelProfile) (*Registry, error) {
	merged := make(map[domain.WorkloadKind]domain.KernelProfile, len(r.profiles)+len(overrides))
	for kind, p := range r.profiles {
		merged[kind] = p
	}
	for kind, p := range overrides {
		merged[kind] = p
	}
	return NewRegistry(merged)
}

// Profile looks up the profile of a kind
func (r *Registry) Profile(kind domain.WorkloadKind) (domain.KernelProfile, error) {
	p, ok := r.profiles[kind]
	if !ok {
		return domain.KernelProfile{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return p, nil
}

// Kinds lists registered kinds in sorted order
func (r *Registry) Kinds() []domain.WorkloadKind {
	kinds := make([]domain.WorkloadKind, 0, len(r.profiles))
	for kind := range r.profiles {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
