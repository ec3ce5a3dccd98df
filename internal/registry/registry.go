// Package registry holds the static description of deployable service
// instances and their health endpoints. The registry is loaded once per run
// and never mutated afterwards, so it is safe to share across concurrent
// probes.
package registry

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Role is the logical service type an instance belongs to
type Role string

const (
	RoleBackend  Role = "backend"
	RoleFrontend Role = "frontend"
	RoleProxy    Role = "proxy"
	RoleBroker   Role = "broker"
	RoleCache    Role = "cache"
)

// knownRoles in reporting order
var knownRoles = []Role{RoleBackend, RoleFrontend, RoleProxy, RoleBroker, RoleCache}

// Valid reports whether the role is one of the known service roles
func (r Role) Valid() bool {
	for _, known := range knownRoles {
		if r == known {
			return true
		}
	}
	return false
}

// Instance is one running copy of a service exposing a health endpoint.
// Identity is (Name, Port).
type Instance struct {
	Name       string        `yaml:"name"`
	Role       Role          `yaml:"role"`
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	HealthPath string        `yaml:"health_path"`
	Scheme     string        `yaml:"scheme,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
}

// UnmarshalYAML decodes an instance, accepting go duration strings like
// "2s" for the timeout
func (i *Instance) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Name       string `yaml:"name"`
		Role       Role   `yaml:"role"`
		Host       string `yaml:"host"`
		Port       int    `yaml:"port"`
		HealthPath string `yaml:"health_path"`
		Scheme     string `yaml:"scheme"`
		Timeout    string `yaml:"timeout"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	i.Name = raw.Name
	i.Role = raw.Role
	i.Host = raw.Host
	i.Port = raw.Port
	i.HealthPath = raw.HealthPath
	i.Scheme = raw.Scheme

	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", raw.Timeout, err)
		}
		i.Timeout = d
	}
	return nil
}

// URL returns the full health endpoint URL for the instance
func (i Instance) URL() string {
	scheme := i.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, i.Host, i.Port, i.HealthPath)
}

// Key returns the instance identity as a printable key
func (i Instance) Key() string {
	return fmt.Sprintf("%s:%d", i.Name, i.Port)
}

// RoleRequirement declares how many instances a role needs to be considered
// satisfied. Roles without a requirement default to a minimum of 1.
type RoleRequirement struct {
	Role    Role `yaml:"role"`
	Minimum int  `yaml:"minimum"`
}

// Registry is the read-only set of declared service instances
type Registry struct {
	instances    []Instance
	requirements map[Role]int
}

type registryFile struct {
	Instances    []Instance        `yaml:"instances"`
	Requirements []RoleRequirement `yaml:"requirements,omitempty"`
}

// Load reads and validates a registry file
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Field: "registry", Reason: fmt.Sprintf("cannot read %s: %v", path, err)}
	}
	return Parse(data)
}

// Parse builds a registry from raw YAML
func Parse(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &ConfigError{Field: "registry", Reason: fmt.Sprintf("malformed yaml: %v", err)}
	}
	return New(file.Instances, file.Requirements)
}

// New validates the declared instances and requirements and builds a registry
func New(instances []Instance, requirements []RoleRequirement) (*Registry, error) {
	// An empty registry would trivially aggregate to a healthy verdict
	if len(instances) == 0 {
		return nil, &ConfigError{Field: "instances", Reason: "at least one instance is required"}
	}

	seen := make(map[string]bool, len(instances))

	for i, inst := range instances {
		if inst.Name == "" {
			return nil, &ConfigError{Field: fmt.Sprintf("instances[%d].name", i), Reason: "name is required"}
		}
		if !inst.Role.Valid() {
			return nil, &ConfigError{
				Field:  fmt.Sprintf("instances[%d].role", i),
				Reason: fmt.Sprintf("unknown role %q (must be one of: %s)", inst.Role, roleList()),
			}
		}
		if inst.Host == "" {
			return nil, &ConfigError{Field: fmt.Sprintf("instances[%d].host", i), Reason: "host is required"}
		}
		if inst.Port < 1 || inst.Port > 65535 {
			return nil, &ConfigError{
				Field:  fmt.Sprintf("instances[%d].port", i),
				Reason: fmt.Sprintf("port %d out of range", inst.Port),
			}
		}
		if inst.HealthPath == "" || !strings.HasPrefix(inst.HealthPath, "/") {
			return nil, &ConfigError{
				Field:  fmt.Sprintf("instances[%d].health_path", i),
				Reason: fmt.Sprintf("health path %q must start with /", inst.HealthPath),
			}
		}
		if inst.Scheme != "" && inst.Scheme != "http" && inst.Scheme != "https" {
			return nil, &ConfigError{
				Field:  fmt.Sprintf("instances[%d].scheme", i),
				Reason: fmt.Sprintf("scheme must be http or https, got %q", inst.Scheme),
			}
		}
		if seen[inst.Key()] {
			return nil, &ConfigError{
				Field:  fmt.Sprintf("instances[%d]", i),
				Reason: fmt.Sprintf("duplicate instance %s", inst.Key()),
			}
		}
		seen[inst.Key()] = true
	}

	reqs := make(map[Role]int)
	for i, req := range requirements {
		if !req.Role.Valid() {
			return nil, &ConfigError{
				Field:  fmt.Sprintf("requirements[%d].role", i),
				Reason: fmt.Sprintf("unknown role %q", req.Role),
			}
		}
		if req.Minimum < 1 {
			return nil, &ConfigError{
				Field:  fmt.Sprintf("requirements[%d].minimum", i),
				Reason: fmt.Sprintf("minimum must be at least 1, got %d", req.Minimum),
			}
		}
		reqs[req.Role] = req.Minimum
	}

	return &Registry{
		instances:    append([]Instance(nil), instances...),
		requirements: reqs,
	}, nil
}

// Instances returns the declared instances in declaration order. When roles
// are given, only instances of those roles are returned.
func (r *Registry) Instances(roles ...Role) []Instance {
	if len(roles) == 0 {
		return append([]Instance(nil), r.instances...)
	}

	want := make(map[Role]bool, len(roles))
	for _, role := range roles {
		want[role] = true
	}

	var out []Instance
	for _, inst := range r.instances {
		if want[inst.Role] {
			out = append(out, inst)
		}
	}
	return out
}

// Roles returns the distinct roles declared by at least one instance or
// requirement, in the canonical reporting order
func (r *Registry) Roles() []Role {
	present := make(map[Role]bool)
	for _, inst := range r.instances {
		present[inst.Role] = true
	}
	for role := range r.requirements {
		present[role] = true
	}

	var out []Role
	for _, role := range knownRoles {
		if present[role] {
			out = append(out, role)
		}
	}
	return out
}

// RequiredMinimum returns the declared minimum instance count for a role
func (r *Registry) RequiredMinimum(role Role) int {
	if min, ok := r.requirements[role]; ok {
		return min
	}
	return 1
}

// Len returns the total number of declared instances
func (r *Registry) Len() int {
	return len(r.instances)
}

func roleList() string {
	parts := make([]string, len(knownRoles))
	for i, role := range knownRoles {
		parts[i] = string(role)
	}
	return strings.Join(parts, ", ")
}
