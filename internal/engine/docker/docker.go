// Package docker implements the engine.Engine interface using the
// Docker daemon.  It is a local backend: the "ephemeral VM" is a
// container running the startup script, which makes the full
// deploy/wait/destroy lifecycle testable without cloud credentials.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/terrpan/embervm/internal/engine"
	"github.com/terrpan/embervm/internal/workspace"
)

// Config holds Docker-specific settings.
type Config struct {
	// Image is the container image standing in for the VM image.
	// Default: "debian:stable-slim".
	Image string
}

// Engine provisions one ephemeral container per template identity.
type Engine struct {
	client *dockerclient.Client
	image  string
	logger *slog.Logger
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a Docker engine, connects to the daemon, and pulls the
// base image so it is available for container creation.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.Image == "" {
		cfg.Image = "debian:stable-slim"
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	logger.Info("pulling base image", slog.String("image", cfg.Image))

	pull, err := client.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("image pull %s: %w", cfg.Image, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.ReadAll(pull); err != nil {
		return nil, fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return nil, fmt.Errorf("closing image pull stream: %w", err)
	}

	return &Engine{
		client: client,
		image:  cfg.Image,
		logger: logger,
	}, nil
}

// containerName derives the container name from the template identity,
// mirroring how the cloud backends name the resource.
func containerName(templatePath string) string {
	dir := templatePath
	if i := lastSlash(templatePath); i >= 0 {
		dir = templatePath[:i]
	}
	return "embervm-" + workspace.Identity(dir)[:12]
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

// Apply creates and starts the container, running the startup script if
// one was provided, and publishes the inbound TCP rules as port
// bindings.  Outputs report the container ID and its bridge address.
func (e *Engine) Apply(ctx context.Context, templatePath string, vars map[string]string, verbose bool) (engine.Outputs, error) {
	name := containerName(templatePath)

	cmd := []string{"sleep", "infinity"}
	if path := vars["script_path"]; path != "" {
		script, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading startup script %s: %w", path, err)
		}
		cmd = []string{"/bin/sh", "-c", string(script) + "\nsleep infinity"}
	}

	exposed, bindings, err := portBindings(vars["inbound_rules"])
	if err != nil {
		return nil, err
	}

	resp, err := e.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:        e.image,
			Cmd:          cmd,
			ExposedPorts: exposed,
		},
		&container.HostConfig{PortBindings: bindings},
		nil, // networking config
		nil, // platform
		name,
	)
	if err != nil {
		return nil, fmt.Errorf("container create %s: %w", name, err)
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = e.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("container start %s: %w", name, err)
	}

	e.logger.Info("container started",
		slog.String("name", name),
		slog.String("containerID", resp.ID),
	)

	outs := engine.Outputs{
		{Key: "container_id", Value: resp.ID},
		{Key: "container_name", Value: name},
	}

	inspect, err := e.client.ContainerInspect(ctx, resp.ID)
	if err == nil && inspect.NetworkSettings != nil && inspect.NetworkSettings.IPAddress != "" {
		outs = append(outs, engine.Output{Key: "address", Value: inspect.NetworkSettings.IPAddress})
	}

	return outs, nil
}

// Destroy force-removes the container derived from the template
// identity.  A container that is already gone is not an error.
func (e *Engine) Destroy(ctx context.Context, templatePath string, vars map[string]string, verbose bool) error {
	name := containerName(templatePath)
	e.logger.Info("removing container", slog.String("name", name))

	if err := e.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			e.logger.Info("container already removed", slog.String("name", name))
			return nil
		}
		return fmt.Errorf("container remove %s: %w", name, err)
	}
	return nil
}

// Close releases the Docker client.
func (e *Engine) Close() error {
	return e.client.Close()
}

// portBindings publishes each inbound TCP rule on the same host port.
// Non-TCP rules are skipped -- the daemon's userland proxy only maps
// tcp/udp, and the rule set is advisory for the local backend anyway.
func portBindings(rawRules string) (nat.PortSet, nat.PortMap, error) {
	if rawRules == "" {
		return nil, nil, nil
	}
	var rules []struct {
		Protocol   string `json:"protocol"`
		PortNumber uint16 `json:"port_number"`
	}
	if err := json.Unmarshal([]byte(rawRules), &rules); err != nil {
		return nil, nil, fmt.Errorf("parsing inbound rules: %w", err)
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, r := range rules {
		if r.Protocol != "tcp" && r.Protocol != "udp" {
			continue
		}
		port, err := nat.NewPort(r.Protocol, fmt.Sprintf("%d", r.PortNumber))
		if err != nil {
			return nil, nil, fmt.Errorf("inbound rule %s:%d: %w", r.Protocol, r.PortNumber, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: fmt.Sprintf("%d", r.PortNumber)}}
	}
	if len(exposed) == 0 {
		return nil, nil, nil
	}
	return exposed, bindings, nil
}
