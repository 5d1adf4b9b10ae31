package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Compose lowercases project names and accepts only these characters.
var projectName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// SetProjectName overrides the compose project name, rejecting names compose
// would not accept.
func (c *Config) SetProjectName(name string) error {
	if !projectName.MatchString(name) {
		return fmt.Errorf("config: invalid project name %q", name)
	}
	c.Project.Name = name
	return nil
}

func validate(cfg *Config) error {
	if !projectName.MatchString(cfg.Project.Name) {
		return fmt.Errorf("config: invalid project name %q", cfg.Project.Name)
	}
	for _, f := range cfg.Project.Files {
		if f == "" {
			return fmt.Errorf("config: empty compose file name")
		}
	}
	if cfg.Retry.MaxTries < 1 {
		return fmt.Errorf("config: retry.max_tries must be at least 1, got %d", cfg.Retry.MaxTries)
	}
	if cfg.Retry.SleepTime < 0 {
		return fmt.Errorf("config: retry.sleep_time must not be negative")
	}
	if cfg.Watch.PollInterval < 0 {
		return fmt.Errorf("config: watch.poll_interval must not be negative")
	}
	if cfg.Events.NATSURL != "" {
		if _, err := url.Parse(cfg.Events.NATSURL); err != nil {
			return fmt.Errorf("config: invalid events.nats_url: %w", err)
		}
	}
	if strings.ContainsAny(cfg.Events.SubjectPrefix, " *>") {
		return fmt.Errorf("config: invalid events.subject_prefix %q", cfg.Events.SubjectPrefix)
	}

	for _, name := range cfg.Project.Isolate {
		if name == "" {
			return fmt.Errorf("config: empty service name in project.isolate")
		}
	}

	for name, svc := range cfg.Services {
		if svc == nil {
			return fmt.Errorf("config: service %q has no settings", name)
		}
		switch svc.Kind {
		case KindService, KindServer, KindPostgres:
			// valid
		case KindAgent:
			if len(svc.Programs) == 0 {
				return fmt.Errorf("config: agent %q requires programs", name)
			}
		default:
			return fmt.Errorf("config: service %q unknown kind %q", name, svc.Kind)
		}
		if svc.Port < 0 || svc.Port > 65535 {
			return fmt.Errorf("config: service %q invalid port %d", name, svc.Port)
		}
		if svc.Kind == KindServer && !strings.HasPrefix(svc.HealthPath, "/") {
			return fmt.Errorf("config: server %q health_path must start with /", name)
		}
	}

	return nil
}
