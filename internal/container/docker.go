// Package container implements the stack runtime boundary with the Docker API.
package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/bnema/stackpilot/pkg/runtime"
)

const (
	// LabelEnvironment marks the environment a container belongs to
	LabelEnvironment = "stackpilot.environment"
	// LabelService marks the service name inside the stack
	LabelService = "stackpilot.service"
	// LabelManaged marks containers owned by this tool
	LabelManaged = "stackpilot.managed"

	stopTimeoutSeconds = 30
	logTailOnFailure   = "50"
)

// DockerRuntime implements the StackRuntime interface using the Docker API
type DockerRuntime struct {
	client *client.Client
}

// NewDockerRuntime creates a new Docker runtime instance
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	return &DockerRuntime{
		client: cli,
	}, nil
}

// Ping verifies the Docker daemon is reachable
func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("cannot connect to Docker daemon: %w", err)
	}
	return nil
}

// StartStack pulls every service image and (re)creates the stack containers.
// Existing containers with the same names are replaced. On a start failure
// the error carries the failed container's combined log output.
func (d *DockerRuntime) StartStack(ctx context.Context, spec *runtime.StackSpec) error {
	if spec.Network != "" {
		if err := d.ensureNetwork(ctx, spec.Network); err != nil {
			return err
		}
	}

	for _, svc := range spec.Services {
		if err := d.pullImage(ctx, svc.ImageRef()); err != nil {
			return err
		}

		replicas := svc.Replicas
		if replicas < 1 {
			replicas = 1
		}

		for n := 1; n <= replicas; n++ {
			name := containerName(spec.Environment, svc.Name, n)

			if err := d.removeByName(ctx, name); err != nil {
				return err
			}

			hostPort := svc.HostPort
			if hostPort != 0 {
				// Successive replicas publish on consecutive host ports
				hostPort += n - 1
			}

			id, err := d.createContainer(ctx, spec, svc, name, hostPort)
			if err != nil {
				return err
			}

			if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
				logs := d.containerLogs(ctx, id)
				return fmt.Errorf("failed to start container %s: %w\n%s", name, err, logs)
			}

			log.Info("Container started",
				"environment", spec.Environment,
				"service", svc.Name,
				"name", name,
				"image", svc.ImageRef())
		}
	}

	return nil
}

// StopStack stops and removes every container belonging to the environment
func (d *DockerRuntime) StopStack(ctx context.Context, environment string) error {
	containers, err := d.listStack(ctx, environment)
	if err != nil {
		return err
	}

	timeout := stopTimeoutSeconds
	for _, c := range containers {
		if err := d.client.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil {
			log.Warn("Failed to stop container", "id", c.ID, "error", err)
		}
		if err := d.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("failed to remove container %s: %w", c.ID, err)
		}
		log.Info("Container removed", "environment", environment, "name", firstName(c.Names))
	}

	return nil
}

// StackStatus lists the containers currently belonging to the environment
func (d *DockerRuntime) StackStatus(ctx context.Context, environment string) ([]*runtime.Container, error) {
	containers, err := d.listStack(ctx, environment)
	if err != nil {
		return nil, err
	}

	out := make([]*runtime.Container, 0, len(containers))
	for _, c := range containers {
		out = append(out, &runtime.Container{
			ID:      c.ID,
			Image:   c.Image,
			Name:    firstName(c.Names),
			Service: c.Labels[LabelService],
			Status:  c.Status,
			Labels:  c.Labels,
		})
	}
	return out, nil
}

func (d *DockerRuntime) createContainer(ctx context.Context, spec *runtime.StackSpec, svc runtime.ServiceSpec, name string, hostPort int) (string, error) {
	exposedPorts := make(nat.PortSet)
	portBindings := make(nat.PortMap)

	if svc.ContainerPort != 0 {
		containerPort := nat.Port(fmt.Sprintf("%d/tcp", svc.ContainerPort))
		exposedPorts[containerPort] = struct{}{}

		binding := nat.PortBinding{HostIP: "0.0.0.0"}
		if hostPort != 0 {
			binding.HostPort = strconv.Itoa(hostPort)
		}
		portBindings[containerPort] = []nat.PortBinding{binding}
	}

	labels := map[string]string{
		LabelEnvironment: spec.Environment,
		LabelService:     svc.Name,
		LabelManaged:     "true",
	}
	for k, v := range svc.Labels {
		labels[k] = v
	}

	containerConfig := &container.Config{
		Image:        svc.ImageRef(),
		Env:          svc.Env,
		ExposedPorts: exposedPorts,
		Labels:       labels,
	}

	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
	}

	var networkConfig *network.NetworkingConfig
	if spec.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(spec.Network)
		networkConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {
					Aliases: []string{svc.Name},
				},
			},
		}
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, networkConfig, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", name, err)
	}

	return resp.ID, nil
}

func (d *DockerRuntime) pullImage(ctx context.Context, ref string) error {
	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// Drain the pull progress stream, the pull is not done until EOF
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}

	log.Debug("Image pulled", "image", ref)
	return nil
}

func (d *DockerRuntime) ensureNetwork(ctx context.Context, name string) error {
	networks, err := d.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}

	for _, nw := range networks {
		if nw.Name == name {
			return nil
		}
	}

	if _, err := d.client.NetworkCreate(ctx, name, network.CreateOptions{}); err != nil {
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}

	log.Info("Network created", "network", name)
	return nil
}

func (d *DockerRuntime) removeByName(ctx context.Context, name string) error {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	timeout := stopTimeoutSeconds
	for _, c := range containers {
		if firstName(c.Names) != name {
			continue
		}

		log.Debug("Replacing existing container", "name", name, "id", c.ID)
		if err := d.client.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil {
			log.Warn("Failed to stop existing container", "id", c.ID, "error", err)
		}
		if err := d.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("failed to remove existing container %s: %w", name, err)
		}
	}

	return nil
}

func (d *DockerRuntime) listStack(ctx context.Context, environment string) ([]container.Summary, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelEnvironment+"="+environment),
			filters.Arg("label", LabelManaged+"=true"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stack containers: %w", err)
	}
	return containers, nil
}

// containerLogs fetches the tail of a container's combined output for
// failure reporting; best effort only
func (d *DockerRuntime) containerLogs(ctx context.Context, id string) string {
	reader, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       logTailOnFailure,
	})
	if err != nil {
		return ""
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return ""
	}
	return buf.String()
}

func containerName(environment, service string, replica int) string {
	return fmt.Sprintf("stackpilot-%s-%s-%d", environment, service, replica)
}

func firstName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	// Docker prefixes names with a slash
	if len(names[0]) > 0 && names[0][0] == '/' {
		return names[0][1:]
	}
	return names[0]
}
