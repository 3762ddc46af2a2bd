package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/elastic-maximizer/maximizer/internal/container"
	"github.com/elastic-maximizer/maximizer/internal/domain"
)

// DockerServiceInterface defines operations needed from Docker service
type DockerServiceInterface interface {
	CreateContainer(ctx context.Context, cfg container.WorkloadConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	WaitContainer(ctx context.Context, containerID string) (int64, error)
	StopContainer(ctx context.Context, containerID string, timeoutSeconds int) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	InspectContainer(ctx context.Context, containerID string) (*container.ContainerInfo, error)
}

// Launch tracks one kernel whose container is alive
type Launch struct {
	Kernel      string
	ContainerID string
	Stream      int
	StartedAt   time.Time
}

// ContainerOptions configures the workload containers
type ContainerOptions struct {
	Image       string
	GPUDeviceID string
	MemoryLimit int64
	StopTimeout int // seconds
}

// ContainerExecutor runs every kernel launch as a short-lived container on
// the nvidia runtime and reports the container's runtime.
type ContainerExecutor struct {
	docker DockerServiceInterface
	opts   ContainerOptions
	mu     sync.RWMutex
	active map[string]*Launch // container name -> launch
}

// NewContainerExecutor creates a new container executor
func NewContainerExecutor(docker DockerServiceInterface, opts ContainerOptions) *ContainerExecutor {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10
	}
	return &ContainerExecutor{
		docker: docker,
		opts:   opts,
		active: make(map[string]*Launch),
	}
}

// Dispatch creates, starts and waits for the kernel's container. The
// container is removed whatever the outcome.
func (e *ContainerExecutor) Dispatch(ctx context.Context, req domain.DispatchRequest) (time.Duration, error) {
	if err := req.Launch.Validate(); err != nil {
		return 0, err
	}
	if !req.Launch.Admitted() {
		return 0, fmt.Errorf("%w: %s", ErrNotAdmitted, req.Name)
	}

	name := fmt.Sprintf("%s-%s", req.Name, shortuuid.New()[:8])
	cfg := container.WorkloadConfig{
		Name:            name,
		Image:           e.opts.Image,
		GPUDeviceID:     e.opts.GPUDeviceID,
		Kind:            string(req.Kind),
		ThreadsPerBlock: req.Launch.ThreadsPerBlock,
		BlocksPerGrid:   req.Launch.BlocksPerGrid,
		WorkloadSize:    req.WorkloadSize,
		Stream:          req.Stream,
		MemoryBytes:     e.opts.MemoryLimit,
	}

	containerID, err := e.docker.CreateContainer(ctx, cfg)
	if err != nil {
		return 0, fmt.Errorf("failed to create container: %w", err)
	}
	launch := &Launch{Kernel: req.Name, ContainerID: containerID, Stream: req.Stream, StartedAt: time.Now()}
	e.track(name, launch)
	defer e.cleanup(name, containerID)

	if err := e.docker.StartContainer(ctx, containerID); err != nil {
		return 0, fmt.Errorf("failed to start container: %w", err)
	}

	code, err := e.docker.WaitContainer(ctx, containerID)
	if err != nil {
		if ctx.Err() != nil {
			_ = e.docker.StopContainer(context.Background(), containerID, e.opts.StopTimeout)
		}
		return 0, fmt.Errorf("failed waiting for kernel %s: %w", req.Name, err)
	}
	if code != 0 {
		return 0, fmt.Errorf("%w: kernel %s exited with %d", container.ErrWorkloadFailed, req.Name, code)
	}

	elapsed := time.Since(launch.StartedAt)
	if info, err := e.docker.InspectContainer(ctx, containerID); err == nil && info.Runtime() > 0 {
		elapsed = info.Runtime()
	}

	slog.Info("kernel container finished",
		"kernel", req.Name,
		"container", containerID,
		"launch", req.Launch.String(),
		"stream", req.Stream,
		"duration", elapsed)
	return elapsed, nil
}

func (e *ContainerExecutor) track(name string, l *Launch) {
	e.mu.Lock()
	e.active[name] = l
	e.mu.Unlock()
}

// cleanup removes the container and forgets the launch
func (e *ContainerExecutor) cleanup(name, containerID string) {
	if err := e.docker.RemoveContainer(context.Background(), containerID, true); err != nil {
		slog.Warn("failed to remove kernel container", "container", containerID, "error", err)
	}
	e.mu.Lock()
	delete(e.active, name)
	e.mu.Unlock()
}

// Active returns the launches whose containers are still alive
func (e *ContainerExecutor) Active() []Launch {
	e.mu.RLock()
	defer e.mu.RUnlock()

	launches := make([]Launch, 0, len(e.active))
	for _, l := range e.active {
		launches = append(launches, *l)
	}
	return launches
}

var _ domain.Executor = (*ContainerExecutor)(nil)
