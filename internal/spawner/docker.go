package spawner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const (
	stopTimeoutSecs = 10

	// Resource limits per single-user server.
	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 512

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond
)

// DockerOptions configures the Docker-backed spawner factory.
type DockerOptions struct {
	Image   string // single-user server image
	Network string // user-defined bridge network
	Subnet  string
	Runtime string // "" = default (runc), "runsc" = gVisor
	Port    int    // port the server listens on inside the container
}

// DockerFactory creates Docker-backed spawners sharing one client.
type DockerFactory struct {
	cli  *client.Client
	opts DockerOptions
}

// NewDockerFactory creates a Docker-backed spawner factory.
func NewDockerFactory(opts DockerOptions) (*DockerFactory, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	slog.Info("Docker client initialized", "image", opts.Image, "network", opts.Network)
	return &DockerFactory{cli: cli, opts: opts}, nil
}

// New returns a spawner for the named user's server.
func (f *DockerFactory) New(name string) Spawner {
	return &DockerSpawner{
		cli:           f.cli,
		opts:          f.opts,
		user:          name,
		containerName: "nbhub-" + name,
		volumeName:    "nbhub-" + name + "-data",
	}
}

// EnsureNetwork creates the bridge network for servers if it doesn't exist.
func (f *DockerFactory) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := f.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}

	for _, nw := range networks {
		if nw.Name == f.opts.Network {
			slog.Info("Server network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	createResp, err := f.cli.NetworkCreate(ctx, f.opts.Network, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{
				{
					Subnet: f.opts.Subnet,
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", f.opts.Network, err)
	}

	slog.Info("Server network created", "network_id", createResp.ID, "subnet", f.opts.Subnet)
	return createResp.ID, nil
}

// DockerSpawner implements Spawner using the Docker API. One container per
// user, named deterministically so restarts find leftovers.
type DockerSpawner struct {
	cli           *client.Client
	opts          DockerOptions
	user          string
	containerName string
	volumeName    string
}

// Spawn creates and starts the user's server container.
func (s *DockerSpawner) Spawn(ctx context.Context) error {
	slog.Info("Spawning server container", "user", s.user, "volume", s.volumeName)

	config := &container.Config{
		Image: s.opts.Image,
		Env: []string{
			"NBHUB_USER=" + s.user,
			fmt.Sprintf("NBHUB_PORT=%d", s.opts.Port),
		},
	}

	hostConfig := &container.HostConfig{
		Runtime:     s.opts.Runtime,
		NetworkMode: container.NetworkMode(s.opts.Network),
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: s.volumeName,
			Target: "/home/" + s.user,
		}},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = s.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, s.containerName)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return fmt.Errorf("create container: %w", createErr)
		}

		// A delayed teardown can leave the old named container briefly.
		// Force-remove by name and retry shortly.
		slog.Warn("Container name conflict during spawn, retrying",
			"user", s.user,
			"container_name", s.containerName,
			"attempt", i+1,
			"error", createErr,
		)

		if inspect, inspectErr := s.cli.ContainerInspect(ctx, s.containerName); inspectErr == nil {
			if stopErr := s.removeContainer(ctx, inspect.ID); stopErr != nil {
				slog.Warn("Failed to remove conflicting container before retry", "container_id", inspect.ID, "error", stopErr)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return fmt.Errorf("create container after retries: %w", createErr)
	}

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := s.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			slog.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	slog.Info("Server container started", "container_id", resp.ID, "user", s.user)
	return nil
}

// Stop stops and removes the user's server container. Idempotent.
func (s *DockerSpawner) Stop(ctx context.Context) error {
	inspect, err := s.cli.ContainerInspect(ctx, s.containerName)
	if err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Server container already removed", "user", s.user)
			return nil
		}
		return fmt.Errorf("inspect container %s: %w", s.containerName, err)
	}
	return s.removeContainer(ctx, inspect.ID)
}

func (s *DockerSpawner) removeContainer(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSecs
	if err := s.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already stopped/removed", "container_id", containerID)
		} else {
			slog.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
		}
	}

	if err := s.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			slog.Debug("Container removal already in progress", "container_id", containerID)
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, container may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	slog.Info("Server container stopped and removed", "container_id", containerID, "user", s.user)
	return nil
}

// Poll inspects the container. A nil result means it is running; a non-nil
// result is the exit code of a dead or missing container.
func (s *DockerSpawner) Poll(ctx context.Context) (*int, error) {
	inspect, err := s.cli.ContainerInspect(ctx, s.containerName)
	if err != nil {
		if errdefs.IsNotFound(err) {
			code := 0
			return &code, nil
		}
		return nil, fmt.Errorf("inspect container %s: %w", s.containerName, err)
	}
	if inspect.State != nil && inspect.State.Running {
		return nil, nil
	}
	code := 0
	if inspect.State != nil {
		code = inspect.State.ExitCode
	}
	return &code, nil
}

// URL returns the base URL of the user's server on the hub network.
// Container names resolve on user-defined bridge networks.
func (s *DockerSpawner) URL() string {
	return fmt.Sprintf("http://%s:%d", s.containerName, s.opts.Port)
}

func ptr[T any](v T) *T {
	return &v
}
