package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

var ErrWorkloadFailed = errors.New("workload container exited with non-zero status")

// WorkloadConfig describes one kernel launch run inside a container
type WorkloadConfig struct {
	Name            string // container name
	Image           string // workload image that reads the launch from its env
	GPUDeviceID     string // device index or "all"
	Kind            string
	ThreadsPerBlock int
	BlocksPerGrid   int
	WorkloadSize    int64
	Stream          int
	MemoryBytes     int64  // host memory limit, 0 for none
	Architecture    string // image platform architecture, defaults to the host's
}

// Env renders the launch as the environment the workload image expects
func (c WorkloadConfig) Env() []string {
	return []string{
		"KERNEL_KIND=" + c.Kind,
		"THREADS_PER_BLOCK=" + strconv.Itoa(c.ThreadsPerBlock),
		"BLOCKS_PER_GRID=" + strconv.Itoa(c.BlocksPerGrid),
		"WORKLOAD_SIZE=" + strconv.FormatInt(c.WorkloadSize, 10),
		"CUDA_STREAM=" + strconv.Itoa(c.Stream),
		"NVIDIA_VISIBLE_DEVICES=" + gpuDevice(c.GPUDeviceID),
		"NVIDIA_DRIVER_CAPABILITIES=compute,utility",
	}
}

// ContainerInfo contains information about a workload container
type ContainerInfo struct {
	ContainerID string
	State       string // "running", "exited", etc.
	ExitCode    int
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Runtime is how long the container ran, zero while it is still running
func (i ContainerInfo) Runtime() time.Duration {
	if i.StartedAt.IsZero() || i.FinishedAt.Before(i.StartedAt) {
		return 0
	}
	return i.FinishedAt.Sub(i.StartedAt)
}

// DockerService wraps Docker SDK for workload container management
type DockerService struct {
	cli DockerClient // Interface for testability
}

// DockerClient interface for Docker operations (mockable)
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	Close() error
}

// Compile-time interface check
var _ DockerClient = (*client.Client)(nil)

// NewDockerService creates a new DockerService with Docker client
func NewDockerService() (*DockerService, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerService{cli: cli}, nil
}

// NewDockerServiceWithClient creates a DockerService with a provided client (for testing)
func NewDockerServiceWithClient(cli DockerClient) *DockerService {
	return &DockerService{cli: cli}
}

// ensureImage pulls a Docker image if it's not available locally.
func (s *DockerService) ensureImage(ctx context.Context, imageName string) error {
	if _, err := s.cli.ImageInspect(ctx, imageName); err == nil {
		return nil
	}

	slog.Info("image not found locally, pulling from registry", "image", imageName)

	reader, err := s.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	// Progress output is discarded
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error during image pull %s: %w", imageName, err)
	}

	slog.Info("image pulled successfully", "image", imageName)
	return nil
}

// CreateContainer creates a workload container on the nvidia runtime
func (s *DockerService) CreateContainer(ctx context.Context, cfg WorkloadConfig) (string, error) {
	if err := s.ensureImage(ctx, cfg.Image); err != nil {
		return "", fmt.Errorf("failed to ensure image: %w", err)
	}

	containerConfig := &container.Config{
		Image: cfg.Image,
		Env:   cfg.Env(),
		Labels: map[string]string{
			"maximizer.kernel": cfg.Name,
			"maximizer.kind":   cfg.Kind,
		},
	}

	hostConfig := &container.HostConfig{
		Runtime: "nvidia",
		Resources: container.Resources{
			Memory: cfg.MemoryBytes,
		},
	}

	arch := cfg.Architecture
	if arch == "" {
		arch = runtime.GOARCH
	}
	platform := &specs.Platform{OS: "linux", Architecture: arch}

	resp, err := s.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, platform, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return resp.ID, nil
}

// StartContainer starts a container with exponential backoff retry
func (s *DockerService) StartContainer(ctx context.Context, containerID string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	operation := func() error {
		if err := s.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
			return fmt.Errorf("failed to start container: %w", err)
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("failed to start container after retries: %w", err)
	}

	return nil
}

// WaitContainer blocks until the container exits and returns its status code
func (s *DockerService) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	waitCh, errCh := s.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case resp := <-waitCh:
		if resp.Error != nil {
			return resp.StatusCode, fmt.Errorf("container %s: %s", containerID, resp.Error.Message)
		}
		return resp.StatusCode, nil
	case err := <-errCh:
		return 0, fmt.Errorf("error waiting for container: %w", err)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// StopContainer stops a container gracefully with timeout
func (s *DockerService) StopContainer(ctx context.Context, containerID string, timeoutSeconds int) error {
	timeout := timeoutSeconds
	if err := s.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}

	if _, err := s.WaitContainer(ctx, containerID); err != nil {
		return fmt.Errorf("error waiting for container to stop: %w", err)
	}
	return nil
}

// RemoveContainer removes a container and its volumes
func (s *DockerService) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	removeOptions := container.RemoveOptions{
		RemoveVolumes: true,
		Force:         force,
	}

	if err := s.cli.ContainerRemove(ctx, containerID, removeOptions); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}

	return nil
}

// InspectContainer returns information about a container
func (s *DockerService) InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error) {
	inspect, err := s.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	info := &ContainerInfo{}
	if inspect.ContainerJSONBase == nil {
		return info, nil
	}
	info.ContainerID = inspect.ID
	if st := inspect.State; st != nil {
		info.State = st.Status
		info.ExitCode = st.ExitCode
		info.StartedAt = parseDockerTime(st.StartedAt)
		info.FinishedAt = parseDockerTime(st.FinishedAt)
	}
	return info, nil
}

// Close closes the Docker client connection
func (s *DockerService) Close() error {
	if s.cli != nil {
		return s.cli.Close()
	}
	return nil
}

// parseDockerTime returns the zero time for unset timestamps
func parseDockerTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil || t.Year() <= 1 {
		return time.Time{}
	}
	return t
}

// gpuDevice maps a device id to NVIDIA_VISIBLE_DEVICES. GPU UUIDs don't
// work with the nvidia runtime in auto/CDI mode, so they fall back to "all".
func gpuDevice(id string) string {
	if id == "" || id == "all" || isGPUUUID(id) {
		return "all"
	}
	return id
}

// isGPUUUID returns true if the string looks like a GPU UUID (e.g., "GPU-751b4c38-...")
func isGPUUUID(s string) bool {
	return strings.HasPrefix(s, "GPU-") || strings.HasPrefix(s, "MIG-")
}
