// Package runtime wraps the Docker engine API with the small set of
// container operations the rollout controller, the restore engine, and
// the verification suite need.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const defaultAPITimeout = 30 * time.Second

// ContainerSpec describes a container to create and start.
type ContainerSpec struct {
	Name   string
	Image  string
	Env    []string
	Ports  map[string]string // host port -> container port
	Labels map[string]string
}

// Client is the container runtime surface consumed by orchestration
// code. Implementations must be safe for sequential use from a single
// operation; no concurrent use is required.
type Client interface {
	Ping(ctx context.Context) error
	PullImage(ctx context.Context, ref string) error
	StartNew(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Remove(ctx context.Context, name string, force bool) error
	Rename(ctx context.Context, name, newName string) error
	Running(ctx context.Context, name string) (bool, error)
	Close() error
}

// DockerClient implements Client with the official Docker Go SDK.
type DockerClient struct {
	api dockerAPI
}

// NewDockerClient connects to the daemon at host (empty means the
// environment default).
func NewDockerClient(host string) (*DockerClient, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
		client.WithHTTPClient(&http.Client{Timeout: defaultAPITimeout}),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("init docker client: %w", err)
	}
	return &DockerClient{api: api}, nil
}

func (c *DockerClient) Ping(ctx context.Context) error {
	if c == nil || c.api == nil {
		return errors.New("docker client is not initialized")
	}
	_, err := c.api.Ping(ctx)
	return err
}

// PullImage pulls ref and drains the progress stream; the pull is not
// complete until the stream closes.
func (c *DockerClient) PullImage(ctx context.Context, ref string) error {
	reader, err := c.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	return nil
}

// StartNew creates and starts a container from spec, returning its ID.
func (c *DockerClient) StartNew(ctx context.Context, spec ContainerSpec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for hostPort, containerPort := range spec.Ports {
		port, err := nat.NewPort("tcp", containerPort)
		if err != nil {
			return "", fmt.Errorf("invalid port %q: %w", containerPort, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: hostPort}}
	}

	created, err := c.api.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Env:          spec.Env,
			Labels:       spec.Labels,
			ExposedPorts: exposed,
		},
		&container.HostConfig{PortBindings: bindings},
		nil, nil, spec.Name,
	)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", spec.Name, err)
	}

	if err := c.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Never leave a created-but-unstartable container behind.
		_ = c.api.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start %s: %w", spec.Name, err)
	}
	return created.ID, nil
}

func (c *DockerClient) Start(ctx context.Context, name string) error {
	if err := c.api.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	return nil
}

func (c *DockerClient) Stop(ctx context.Context, name string, timeout time.Duration) error {
	seconds := int(timeout / time.Second)
	if err := c.api.ContainerStop(ctx, name, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("stop %s: %w", name, err)
	}
	return nil
}

func (c *DockerClient) Remove(ctx context.Context, name string, force bool) error {
	if err := c.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: force}); err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

func (c *DockerClient) Rename(ctx context.Context, name, newName string) error {
	if err := c.api.ContainerRename(ctx, name, newName); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", name, newName, err)
	}
	return nil
}

// Running reports whether the named container exists and is running.
// A missing container is not an error.
func (c *DockerClient) Running(ctx context.Context, name string) (bool, error) {
	inspected, err := c.api.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect %s: %w", name, err)
	}
	return inspected.State != nil && inspected.State.Running, nil
}

func (c *DockerClient) Close() error {
	return c.api.Close()
}
