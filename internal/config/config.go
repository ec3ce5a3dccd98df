package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/bnema/stackpilot/pkg/runtime"
)

// Config is the full orchestrator configuration
type Config struct {
	LogLevel     string                 `mapstructure:"log_level"`
	RegistryFile string                 `mapstructure:"registry_file"`
	HistoryDB    string                 `mapstructure:"history_db"`
	Defaults     Defaults               `mapstructure:"defaults"`
	Environments map[string]Environment `mapstructure:"environments"`
}

// Defaults holds deploy-time knobs overridable from the command line
type Defaults struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
}

// Environment is one named configuration bundle (image tags, port map)
type Environment struct {
	Network   string             `mapstructure:"network"`
	EnvFile   string             `mapstructure:"env_file"`
	Protected bool               `mapstructure:"protected"`
	Services  map[string]Service `mapstructure:"services"`
}

// Service describes one deployable service of an environment
type Service struct {
	Image         string            `mapstructure:"image"`
	Tag           string            `mapstructure:"tag"`
	HostPort      int               `mapstructure:"host_port"`
	ContainerPort int               `mapstructure:"container_port"`
	Replicas      int               `mapstructure:"replicas"`
	Env           map[string]string `mapstructure:"env"`
}

// Load reads the configuration previously bound by viper
func Load() (*Config, error) {
	var cfg Config

	// Set defaults
	viper.SetDefault("log_level", "info")
	viper.SetDefault("registry_file", "registry.yml")
	viper.SetDefault("history_db", "stackpilot.db")
	viper.SetDefault("defaults.max_attempts", 10)
	viper.SetDefault("defaults.poll_interval", 3*time.Second)
	viper.SetDefault("defaults.probe_timeout", 5*time.Second)
	viper.SetDefault("defaults.settle_delay", 5*time.Second)

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Defaults.MaxAttempts < 1 {
		return fmt.Errorf("%w: defaults.max_attempts must be at least 1", ErrInvalidConfig)
	}
	if c.Defaults.PollInterval <= 0 {
		return fmt.Errorf("%w: defaults.poll_interval must be positive", ErrInvalidConfig)
	}

	for name, env := range c.Environments {
		if len(env.Services) == 0 {
			return fmt.Errorf("%w: environment %q declares no services", ErrInvalidConfig, name)
		}
		for svcName, svc := range env.Services {
			if svc.Image == "" {
				return fmt.Errorf("%w: environment %q service %q has no image", ErrInvalidConfig, name, svcName)
			}
			if svc.ContainerPort < 1 || svc.ContainerPort > 65535 {
				return fmt.Errorf("%w: environment %q service %q container_port %d out of range",
					ErrInvalidConfig, name, svcName, svc.ContainerPort)
			}
			if svc.HostPort != 0 && (svc.HostPort < 1 || svc.HostPort > 65535) {
				return fmt.Errorf("%w: environment %q service %q host_port %d out of range",
					ErrInvalidConfig, name, svcName, svc.HostPort)
			}
			if svc.Replicas < 0 {
				return fmt.Errorf("%w: environment %q service %q has negative replicas",
					ErrInvalidConfig, name, svcName)
			}
		}
	}

	return nil
}

// Environment returns the named environment bundle
func (c *Config) Environment(name string) (Environment, error) {
	env, ok := c.Environments[name]
	if !ok {
		return Environment{}, fmt.Errorf("%w: %q", ErrUnknownEnvironment, name)
	}
	return env, nil
}

// EnvironmentNames returns the configured environment names, sorted
func (c *Config) EnvironmentNames() []string {
	names := make([]string, 0, len(c.Environments))
	for name := range c.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StackSpec builds the runtime stack description for the environment. Tags
// in overrides replace the configured ones (used for rollback to known-good
// tags). The environment env file, when declared, is loaded and injected
// into every service container.
func (e Environment) StackSpec(envName string, overrides map[string]string) (*runtime.StackSpec, error) {
	var fileEnv map[string]string
	if e.EnvFile != "" {
		var err error
		fileEnv, err = godotenv.Read(e.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("%w: env file %s: %v", ErrEnvFileLoad, e.EnvFile, err)
		}
	}

	names := make([]string, 0, len(e.Services))
	for name := range e.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	spec := &runtime.StackSpec{
		Environment: envName,
		Network:     e.Network,
	}

	for _, name := range names {
		svc := e.Services[name]

		tag := svc.Tag
		if override, ok := overrides[name]; ok {
			tag = override
		}

		replicas := svc.Replicas
		if replicas == 0 {
			replicas = 1
		}

		env := make([]string, 0, len(fileEnv)+len(svc.Env))
		for k, v := range fileEnv {
			env = append(env, k+"="+v)
		}
		for k, v := range svc.Env {
			env = append(env, k+"="+v)
		}
		sort.Strings(env)

		spec.Services = append(spec.Services, runtime.ServiceSpec{
			Name:          name,
			Image:         svc.Image,
			Tag:           tag,
			Env:           env,
			HostPort:      svc.HostPort,
			ContainerPort: svc.ContainerPort,
			Replicas:      replicas,
		})
	}

	return spec, nil
}

// Tags returns the configured image tag per service
func (e Environment) Tags() map[string]string {
	tags := make(map[string]string, len(e.Services))
	for name, svc := range e.Services {
		tags[name] = svc.Tag
	}
	return tags
}
