package kernel

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic-maximizer/maximizer/internal/domain"
)

// recordingExecutor captures dispatch requests
type recordingExecutor struct {
	Requests []domain.DispatchRequest
	Took     time.Duration
}

func (e *recordingExecutor) Dispatch(ctx context.Context, req domain.DispatchRequest) (time.Duration, error) {
	e.Requests = append(e.Requests, req)
	return e.Took, nil
}

func TestNew_UsesKindProfile(t *testing.T) {
	k, err := New(DefaultRegistry(), domain.KindMatrixMult, "mm", 128, 64, 1024)

	require.NoError(t, err)
	assert.Equal(t, "mm", k.Name())
	assert.Equal(t, builtinProfiles[domain.KindMatrixMult], k.Profile())
	assert.Equal(t, domain.LaunchConfig{ThreadsPerBlock: 128, BlocksPerGrid: 64}, k.LaunchConfig())
	assert.Equal(t, int64(3*1024*1024*4), k.MemoryFootprint())
}

func TestNew_RejectsUnknownKind(t *testing.T) {
	_, err := New(DefaultRegistry(), "FFT", "fft", 128, 1, 10)

	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestNew_RejectsThreadsAboveCompiledMax(t *testing.T) {
	_, err := New(DefaultRegistry(), domain.KindVectorAdd, "va", 2048, 1, 10)

	assert.ErrorIs(t, err, domain.ErrInvalidLaunchConfig)
}

func TestNew_RejectsZeroThreads(t *testing.T) {
	_, err := New(DefaultRegistry(), domain.KindVectorAdd, "va", 0, 1, 10)

	assert.ErrorIs(t, err, domain.ErrInvalidLaunchConfig)
}

func TestSetLaunchConfig_OnlyTouchesInstance(t *testing.T) {
	a, _ := New(DefaultRegistry(), domain.KindVectorAdd, "a", 128, 8, 10)
	b, _ := New(DefaultRegistry(), domain.KindVectorAdd, "b", 128, 8, 10)

	a.SetLaunchConfig(domain.LaunchConfig{ThreadsPerBlock: 128, BlocksPerGrid: 2})

	assert.Equal(t, 2, a.LaunchConfig().BlocksPerGrid)
	assert.Equal(t, 8, b.LaunchConfig().BlocksPerGrid)
	assert.Equal(t, a.Profile(), b.Profile())
}

func TestExecute_PassesTunedConfig(t *testing.T) {
	exec := &recordingExecutor{Took: 3 * time.Millisecond}
	k, _ := New(DefaultRegistry(), domain.KindBlackScholes, "bs", 256, 64, 1000)
	k.SetLaunchConfig(domain.LaunchConfig{ThreadsPerBlock: 256, BlocksPerGrid: 12})

	took, err := k.Execute(context.Background(), exec, 3)

	require.NoError(t, err)
	assert.Equal(t, 3*time.Millisecond, took)
	require.Len(t, exec.Requests, 1)
	assert.Equal(t, domain.DispatchRequest{
		Name:         "bs",
		Kind:         domain.KindBlackScholes,
		Launch:       domain.LaunchConfig{ThreadsPerBlock: 256, BlocksPerGrid: 12},
		WorkloadSize: 1000,
		MemoryBytes:  20000,
		Stream:       3,
	}, exec.Requests[0])
}

func TestRegistry_WithOverridesWithoutMutatingDefault(t *testing.T) {
	custom := domain.KernelProfile{RegistersPerThread: 40, SharedMemPerBlock: 0, MaxThreadsPerBlock: 512}

	reg, err := DefaultRegistry().With(map[domain.WorkloadKind]domain.KernelProfile{domain.KindVectorAdd: custom})

	require.NoError(t, err)
	p, _ := reg.Profile(domain.KindVectorAdd)
	assert.Equal(t, custom, p)
	def, _ := DefaultRegistry().Profile(domain.KindVectorAdd)
	assert.Equal(t, 8, def.RegistersPerThread)
}

func TestRegistry_RejectsInvalidProfile(t *testing.T) {
	_, err := NewRegistry(map[domain.WorkloadKind]domain.KernelProfile{
		domain.KindChunking: {RegistersPerThread: 0, MaxThreadsPerBlock: 1024},
	})

	assert.ErrorIs(t, err, domain.ErrInvalidKernelProfile)
}

func TestRegistry_KindsSorted(t *testing.T) {
	assert.Equal(t, []domain.WorkloadKind{
		domain.KindBlackScholes,
		domain.KindChunking,
		domain.KindMatrixMult,
		domain.KindScalarProduct,
		domain.KindVectorAdd,
	}, DefaultRegistry().Kinds())
}

func TestDefaultPool_BuildsWithDefaultRegistry(t *testing.T) {
	specs := DefaultPool()

	kernels, err := Build(DefaultRegistry(), specs)

	require.NoError(t, err)
	assert.Len(t, kernels, 140)
	assert.Equal(t, "VECTOR_ADD__1", kernels[0].Name())
}

func TestParsePool_RejectsDuplicates(t *testing.T) {
	data := []byte(`
kernels:
  - {name: a, kind: VECTOR_ADD, threads: 64, blocks: 1, size: 10}
  - {name: a, kind: CHUNKING, threads: 64, blocks: 1, size: 10}
`)

	_, err := ParsePool(data)

	assert.Error(t, err)
}

func TestParsePool_RejectsUnknownFields(t *testing.T) {
	_, err := ParsePool([]byte("kernels:\n  - {name: a, kind: VECTOR_ADD, threadz: 64}\n"))

	assert.Error(t, err)
}

func TestLoadPool_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.yaml")
	require.NoError(t, os.WriteFile(path, []byte("kernels:\n  - {name: x, kind: SCALAR_PRODUCT, threads: 96, blocks: 4, size: 2048}\n"), 0644))

	specs, err := LoadPool(path)

	require.NoError(t, err)
	assert.Equal(t, []Spec{{Name: "x", Kind: domain.KindScalarProduct, Threads: 96, Blocks: 4, Size: 2048}}, specs)
}

func TestFootprint_PerKind(t *testing.T) {
	assert.Equal(t, int64(120), Footprint(domain.KindVectorAdd, 10))
	assert.Equal(t, int64(1200), Footprint(domain.KindMatrixMult, 10))
	assert.Equal(t, int64(72), Footprint(domain.KindChunking, 64))
	assert.Equal(t, int64(200), Footprint(domain.KindBlackScholes, 10))
	assert.Equal(t, int64(80), Footprint(domain.KindScalarProduct, 10))
}
