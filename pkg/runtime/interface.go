package runtime

import (
	"context"
)

// Container represents a running container
type Container struct {
	ID      string
	Image   string
	Name    string
	Service string
	Status  string
	Labels  map[string]string
}

// ServiceSpec holds everything needed to run one service of a stack
type ServiceSpec struct {
	Name          string
	Image         string
	Tag           string
	Env           []string
	Labels        map[string]string
	HostPort      int
	ContainerPort int
	Replicas      int
}

// StackSpec describes a full stack for one environment
type StackSpec struct {
	Environment string
	Network     string
	Services    []ServiceSpec
}

// ImageRef returns the full image reference for a service
func (s ServiceSpec) ImageRef() string {
	if s.Tag == "" {
		return s.Image
	}
	return s.Image + ":" + s.Tag
}

// StackRuntime defines the contract for container runtime implementations.
// The orchestrator only needs coarse stack-level operations; per-container
// plumbing stays behind this boundary.
type StackRuntime interface {
	// Ping verifies the runtime is reachable
	Ping(ctx context.Context) error

	// StartStack pulls images and (re)creates all service containers of the
	// stack. On failure the returned error carries the combined log output
	// of the container that failed to come up, when available.
	StartStack(ctx context.Context, spec *StackSpec) error

	// StopStack stops and removes every container belonging to the environment
	StopStack(ctx context.Context, environment string) error

	// StackStatus lists the containers currently belonging to the environment
	StackStatus(ctx context.Context, environment string) ([]*Container, error)
}
