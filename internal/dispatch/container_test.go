package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic-maximizer/maximizer/internal/container"
	"github.com/elastic-maximizer/maximizer/internal/domain"
)

// MockDockerService implements DockerServiceInterface for testing
type MockDockerService struct {
	createContainerFunc  func(ctx context.Context, cfg container.WorkloadConfig) (string, error)
	startContainerFunc   func(ctx context.Context, containerID string) error
	waitContainerFunc    func(ctx context.Context, containerID string) (int64, error)
	inspectContainerFunc func(ctx context.Context, containerID string) (*container.ContainerInfo, error)

	mu sync.Mutex

	// Call tracking
	CreateCalls  []container.WorkloadConfig
	StartCalls   []string
	WaitCalls    []string
	StopCalls    []string
	RemoveCalls  []string
	InspectCalls []string
}

func (m *MockDockerService) CreateContainer(ctx context.Context, cfg container.WorkloadConfig) (string, error) {
	m.mu.Lock()
	m.CreateCalls = append(m.CreateCalls, cfg)
	m.mu.Unlock()
	if m.createContainerFunc != nil {
		return m.createContainerFunc(ctx, cfg)
	}
	return "container-123", nil
}

func (m *MockDockerService) StartContainer(ctx context.Context, containerID string) error {
	m.mu.Lock()
	m.StartCalls = append(m.StartCalls, containerID)
	m.mu.Unlock()
	if m.startContainerFunc != nil {
		return m.startContainerFunc(ctx, containerID)
	}
	return nil
}

func (m *MockDockerService) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	m.mu.Lock()
	m.WaitCalls = append(m.WaitCalls, containerID)
	m.mu.Unlock()
	if m.waitContainerFunc != nil {
		return m.waitContainerFunc(ctx, containerID)
	}
	return 0, nil
}

func (m *MockDockerService) StopContainer(ctx context.Context, containerID string, timeoutSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StopCalls = append(m.StopCalls, containerID)
	return nil
}

func (m *MockDockerService) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RemoveCalls = append(m.RemoveCalls, containerID)
	return nil
}

func (m *MockDockerService) InspectContainer(ctx context.Context, containerID string) (*container.ContainerInfo, error) {
	m.mu.Lock()
	m.InspectCalls = append(m.InspectCalls, containerID)
	m.mu.Unlock()
	if m.inspectContainerFunc != nil {
		return m.inspectContainerFunc(ctx, containerID)
	}
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return &container.ContainerInfo{
		ContainerID: containerID,
		State:       "exited",
		StartedAt:   start,
		FinishedAt:  start.Add(250 * time.Millisecond),
	}, nil
}

func request() domain.DispatchRequest {
	return domain.DispatchRequest{
		Name:         "VECTOR_ADD__1",
		Kind:         domain.KindVectorAdd,
		Launch:       domain.LaunchConfig{ThreadsPerBlock: 256, BlocksPerGrid: 64},
		WorkloadSize: 14000000,
		MemoryBytes:  168000000,
		Stream:       2,
	}
}

func newContainerExecutor(docker DockerServiceInterface) *ContainerExecutor {
	return NewContainerExecutor(docker, ContainerOptions{
		Image:       "maximizer/workloads:latest",
		GPUDeviceID: "0",
		MemoryLimit: 1 << 30,
	})
}

func TestDispatch_CreatesStartsWaitsAndRemoves(t *testing.T) {
	mockDocker := &MockDockerService{}
	executor := newContainerExecutor(mockDocker)

	d, err := executor.Dispatch(context.Background(), request())

	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	require.Len(t, mockDocker.CreateCalls, 1)
	cfg := mockDocker.CreateCalls[0]
	assert.True(t, strings.HasPrefix(cfg.Name, "VECTOR_ADD__1-"))
	assert.Equal(t, "maximizer/workloads:latest", cfg.Image)
	assert.Equal(t, "VECTOR_ADD", cfg.Kind)
	assert.Equal(t, 256, cfg.ThreadsPerBlock)
	assert.Equal(t, 64, cfg.BlocksPerGrid)
	assert.Equal(t, int64(14000000), cfg.WorkloadSize)
	assert.Equal(t, 2, cfg.Stream)
	assert.Equal(t, int64(1<<30), cfg.MemoryBytes)

	assert.Equal(t, []string{"container-123"}, mockDocker.StartCalls)
	assert.Equal(t, []string{"container-123"}, mockDocker.WaitCalls)
	assert.Equal(t, []string{"container-123"}, mockDocker.RemoveCalls)
	assert.Empty(t, executor.Active())
}

func TestDispatch_UniqueContainerNames(t *testing.T) {
	mockDocker := &MockDockerService{}
	executor := newContainerExecutor(mockDocker)

	_, err := executor.Dispatch(context.Background(), request())
	require.NoError(t, err)
	_, err = executor.Dispatch(context.Background(), request())
	require.NoError(t, err)

	require.Len(t, mockDocker.CreateCalls, 2)
	assert.NotEqual(t, mockDocker.CreateCalls[0].Name, mockDocker.CreateCalls[1].Name)
}

func TestDispatch_CreateFailureSkipsCleanup(t *testing.T) {
	mockDocker := &MockDockerService{
		createContainerFunc: func(ctx context.Context, cfg container.WorkloadConfig) (string, error) {
			return "", errors.New("no space left")
		},
	}
	executor := newContainerExecutor(mockDocker)

	_, err := executor.Dispatch(context.Background(), request())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create container")
	assert.Empty(t, mockDocker.StartCalls)
	assert.Empty(t, mockDocker.RemoveCalls)
}

func TestDispatch_StartFailureRemovesContainer(t *testing.T) {
	mockDocker := &MockDockerService{
		startContainerFunc: func(ctx context.Context, containerID string) error {
			return errors.New("runtime nvidia not found")
		},
	}
	executor := newContainerExecutor(mockDocker)

	_, err := executor.Dispatch(context.Background(), request())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start container")
	assert.Equal(t, []string{"container-123"}, mockDocker.RemoveCalls)
	assert.Empty(t, executor.Active())
}

func TestDispatch_NonZeroExitIsWorkloadFailure(t *testing.T) {
	mockDocker := &MockDockerService{
		waitContainerFunc: func(ctx context.Context, containerID string) (int64, error) {
			return 137, nil
		},
	}
	executor := newContainerExecutor(mockDocker)

	_, err := executor.Dispatch(context.Background(), request())

	assert.ErrorIs(t, err, container.ErrWorkloadFailed)
	assert.Equal(t, []string{"container-123"}, mockDocker.RemoveCalls)
}

func TestDispatch_CancelledWaitStopsContainer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mockDocker := &MockDockerService{
		waitContainerFunc: func(ctx context.Context, containerID string) (int64, error) {
			cancel()
			return 0, ctx.Err()
		},
	}
	executor := newContainerExecutor(mockDocker)

	_, err := executor.Dispatch(ctx, request())

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"container-123"}, mockDocker.StopCalls)
	assert.Equal(t, []string{"container-123"}, mockDocker.RemoveCalls)
}

func TestDispatch_FallsBackToWallClockWithoutRuntime(t *testing.T) {
	mockDocker := &MockDockerService{
		inspectContainerFunc: func(ctx context.Context, containerID string) (*container.ContainerInfo, error) {
			return nil, errors.New("inspect failed")
		},
	}
	executor := newContainerExecutor(mockDocker)

	d, err := executor.Dispatch(context.Background(), request())

	require.NoError(t, err)
	assert.GreaterOrEqual(t, d, time.Duration(0))
	assert.Less(t, d, time.Second)
}

func TestDispatch_RejectsUnadmittedLaunch(t *testing.T) {
	mockDocker := &MockDockerService{}
	executor := newContainerExecutor(mockDocker)
	req := request()
	req.Launch.BlocksPerGrid = 0

	_, err := executor.Dispatch(context.Background(), req)

	assert.ErrorIs(t, err, ErrNotAdmitted)
	assert.Empty(t, mockDocker.CreateCalls)
}

func TestActive_TracksRunningContainer(t *testing.T) {
	mockDocker := &MockDockerService{}
	executor := newContainerExecutor(mockDocker)
	var seen []Launch
	mockDocker.waitContainerFunc = func(ctx context.Context, containerID string) (int64, error) {
		seen = executor.Active()
		return 0, nil
	}

	_, err := executor.Dispatch(context.Background(), request())
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.Equal(t, "VECTOR_ADD__1", seen[0].Kernel)
	assert.Equal(t, "container-123", seen[0].ContainerID)
	assert.Equal(t, 2, seen[0].Stream)
	assert.Empty(t, executor.Active())
}
