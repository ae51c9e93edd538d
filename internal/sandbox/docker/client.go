// Package docker wraps the Docker SDK to provide sandbox lifecycle
// operations. The driver never caches state that Inspect can return.
package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/craftastic/craftastic/internal/common/config"
	"github.com/craftastic/craftastic/internal/common/logger"
)

// Labels attached to every sandbox this service manages.
const (
	LabelManaged     = "craftastic.managed"
	LabelEnvironment = "craftastic.environment_id"
	LabelUser        = "craftastic.user_id"
)

// SandboxSpec holds configuration for creating a sandbox container.
type SandboxSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Mounts      []MountSpec
	NetworkMode string
	Memory      int64 // bytes
	CPUQuota    int64
	Labels      map[string]string
}

// MountSpec holds a bind mount.
type MountSpec struct {
	Source   string // host path
	Target   string // in-sandbox path
	ReadOnly bool
}

// SandboxInfo holds information about a sandbox container.
type SandboxInfo struct {
	ID         string
	Name       string
	Image      string
	State      string // created, running, paused, restarting, removing, exited, dead
	Running    bool
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
}

// Client wraps the Docker client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewClient creates a new Docker client.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion),
	)

	return &Client{
		cli:    cli,
		logger: log,
		config: cfg,
	}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	c.logger.Debug("Closing Docker client")
	return c.cli.Close()
}

// Ping checks if Docker is available.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	if err != nil {
		return classify(err, "docker ping failed")
	}
	return nil
}

// PullImage pulls the sandbox image.
func (c *Client) PullImage(ctx context.Context, imageName string) error {
	c.logger.Info("Pulling image", zap.String("image", imageName))

	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return classify(err, fmt.Sprintf("failed to pull image %s", imageName))
	}
	defer reader.Close()

	// Drain the output so the pull completes before we return
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}

	c.logger.Info("Image pulled", zap.String("image", imageName))
	return nil
}

// CreateSandbox creates a new sandbox container. The returned handle is the
// container ID.
func (c *Client) CreateSandbox(ctx context.Context, spec SandboxSpec) (string, error) {
	c.logger.Info("Creating sandbox",
		zap.String("name", spec.Name),
		zap.String("image", spec.Image),
	)

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	cmd := spec.Cmd
	if len(cmd) == 0 {
		// Keep the sandbox alive; sessions run through exec.
		cmd = []string{"sleep", "infinity"}
	}

	containerCfg := &container.Config{
		Image:      spec.Image,
		Cmd:        cmd,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		Labels:     spec.Labels,
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		Resources: container.Resources{
			Memory:   spec.Memory,
			CPUQuota: spec.CPUQuota,
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", classify(err, fmt.Sprintf("failed to create sandbox %s", spec.Name))
	}

	c.logger.Info("Sandbox created", zap.String("id", resp.ID), zap.String("name", spec.Name))
	return resp.ID, nil
}

// StartSandbox starts a sandbox container. Starting an already-running
// container is a no-op on the daemon side, so the call is idempotent.
func (c *Client) StartSandbox(ctx context.Context, sandboxID string) error {
	c.logger.Info("Starting sandbox", zap.String("sandbox_id", sandboxID))

	if err := c.cli.ContainerStart(ctx, sandboxID, container.StartOptions{}); err != nil {
		return classify(err, fmt.Sprintf("failed to start sandbox %s", sandboxID))
	}
	return nil
}

// StopSandbox stops a sandbox container with a timeout.
func (c *Client) StopSandbox(ctx context.Context, sandboxID string, timeout time.Duration) error {
	c.logger.Info("Stopping sandbox",
		zap.String("sandbox_id", sandboxID),
		zap.Duration("timeout", timeout),
	)

	timeoutSeconds := int(timeout.Seconds())
	err := c.cli.ContainerStop(ctx, sandboxID, container.StopOptions{Timeout: &timeoutSeconds})
	if err != nil {
		return classify(err, fmt.Sprintf("failed to stop sandbox %s", sandboxID))
	}
	return nil
}

// RemoveSandbox removes a sandbox container.
func (c *Client) RemoveSandbox(ctx context.Context, sandboxID string, force bool) error {
	c.logger.Info("Removing sandbox",
		zap.String("sandbox_id", sandboxID),
		zap.Bool("force", force),
	)

	err := c.cli.ContainerRemove(ctx, sandboxID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		return classify(err, fmt.Sprintf("failed to remove sandbox %s", sandboxID))
	}
	return nil
}

// InspectSandbox returns the current state of a sandbox container.
func (c *Client) InspectSandbox(ctx context.Context, sandboxID string) (*SandboxInfo, error) {
	inspect, err := c.cli.ContainerInspect(ctx, sandboxID)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("failed to inspect sandbox %s", sandboxID))
	}

	info := &SandboxInfo{
		ID:       inspect.ID,
		Name:     inspect.Name,
		Image:    inspect.Config.Image,
		State:    inspect.State.Status,
		Running:  inspect.State.Running,
		ExitCode: inspect.State.ExitCode,
	}

	if inspect.State.StartedAt != "" {
		if startedAt, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			info.StartedAt = startedAt
		}
	}
	if inspect.State.FinishedAt != "" {
		if finishedAt, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
			info.FinishedAt = finishedAt
		}
	}

	return info, nil
}

// ListSandboxes lists managed sandbox containers matching the given labels.
func (c *Client) ListSandboxes(ctx context.Context, labels map[string]string) ([]SandboxInfo, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", LabelManaged+"=true")
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, classify(err, "failed to list sandboxes")
	}

	infos := make([]SandboxInfo, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		infos = append(infos, SandboxInfo{
			ID:      ctr.ID,
			Name:    name,
			Image:   ctr.Image,
			State:   ctr.State,
			Running: ctr.State == "running",
		})
	}

	return infos, nil
}
