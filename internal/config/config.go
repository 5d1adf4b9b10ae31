package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"fleetharness/internal/compose"
	"fleetharness/internal/retry"
)

// Service kinds.
const (
	KindService  = "service"
	KindAgent    = "agent"
	KindServer   = "server"
	KindPostgres = "postgres"
)

type Config struct {
	Project  Project             `yaml:"project"`
	Retry    Retry               `yaml:"retry"`
	Services map[string]*Service `yaml:"services"`
	Events   Events              `yaml:"events"`
	Watch    Watch               `yaml:"watch"`
}

type Project struct {
	Name            string            `yaml:"name"`
	Directory       string            `yaml:"directory"`
	Files           []string          `yaml:"files"`
	EnvFile         string            `yaml:"env_file"`
	Env             map[string]string `yaml:"env"`
	ReplaceEnv      bool              `yaml:"replace_env"`
	Pull            bool              `yaml:"pull"`
	Build           bool              `yaml:"build"`
	DisableBuildKit bool              `yaml:"disable_buildkit"`
	Isolate         []string          `yaml:"isolate"`
}

type Retry struct {
	MaxTries  int           `yaml:"max_tries"`
	SleepTime time.Duration `yaml:"sleep_time"`
}

// Service describes how a compose service is checked for readiness.
type Service struct {
	Kind string `yaml:"kind"`
	// Programs run under supervisord (agents).
	Programs []string `yaml:"programs"`
	// Port is the container port: HTTP for servers, SQL for postgres.
	Port       int    `yaml:"port"`
	HealthPath string `yaml:"health_path"`
	Database   string `yaml:"database"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
}

type Events struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	// Stream, when set, is a JetStream stream provisioned to keep the
	// published events.
	Stream string `yaml:"stream"`
}

type Watch struct {
	Listen       string        `yaml:"listen"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	// A relative project directory is relative to the config file.
	if cfg.Project.Directory != "" && !filepath.IsAbs(cfg.Project.Directory) {
		cfg.Project.Directory = filepath.Join(filepath.Dir(path), cfg.Project.Directory)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Project.Name == "" {
		cfg.Project.Name = "systest"
	}
	if cfg.Project.Directory == "" {
		cfg.Project.Directory = "."
	}
	if len(cfg.Project.Files) == 0 {
		cfg.Project.Files = []string{"docker-compose.yaml"}
	}
	if cfg.Retry.MaxTries == 0 {
		cfg.Retry.MaxTries = retry.DefaultMaxTries
	}
	if cfg.Retry.SleepTime == 0 {
		cfg.Retry.SleepTime = retry.DefaultSleepTime
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "fleet"
	}
	if cfg.Watch.Listen == "" {
		cfg.Watch.Listen = ":9100"
	}
	if cfg.Watch.PollInterval == 0 {
		cfg.Watch.PollInterval = 5 * time.Second
	}

	for _, svc := range cfg.Services {
		if svc == nil {
			continue
		}
		if svc.Kind == "" {
			svc.Kind = KindService
		}
		switch svc.Kind {
		case KindServer:
			if svc.Port == 0 {
				svc.Port = 8080
			}
			if svc.HealthPath == "" {
				svc.HealthPath = "/"
			}
		case KindPostgres:
			if svc.Port == 0 {
				svc.Port = 5432
			}
			if svc.User == "" {
				svc.User = "postgres"
			}
			if svc.Database == "" {
				svc.Database = svc.User
			}
		}
	}
}

// Compose is the controller configuration of the project.
func (c *Config) Compose() compose.Config {
	return compose.Config{
		ProjectName:     c.Project.Name,
		ProjectDir:      c.Project.Directory,
		Files:           c.Project.Files,
		EnvFile:         c.Project.EnvFile,
		Env:             c.Project.Env,
		ReplaceEnv:      c.Project.ReplaceEnv,
		Pull:            c.Project.Pull,
		Build:           c.Project.Build,
		DisableBuildKit: c.Project.DisableBuildKit,
		Isolate:         c.Project.Isolate,
		Retry:           retry.Config{MaxTries: c.Retry.MaxTries, SleepTime: c.Retry.SleepTime},
	}
}
