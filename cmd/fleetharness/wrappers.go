package main

import (
	"fmt"
	"log/slog"
	"sort"

	"fleetharness/internal/config"
	"fleetharness/internal/events"
	"fleetharness/internal/fleet"
)

// waiters builds the readiness wait of each named service from its
// configured kind. Services missing from the config get a plain container
// wait. With no names every configured service is waited for.
func waiters(cfg *config.Config, c fleet.Controller, names []string, emitter *events.Emitter, logger *slog.Logger) ([]fleet.Waiter, error) {
	if len(names) == 0 {
		for name := range cfg.Services {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	out := make([]fleet.Waiter, 0, len(names))
	for _, name := range names {
		svc, ok := cfg.Services[name]
		if !ok {
			out = append(out, fleet.NewService(c, name, logger))
			continue
		}
		switch svc.Kind {
		case config.KindAgent:
			out = append(out, fleet.NewAgent(c, name, svc.Programs, logger).WithEmitter(emitter))
		case config.KindServer:
			s := fleet.NewServer(c, name, svc.Port, logger)
			s.HealthPath = svc.HealthPath
			out = append(out, s)
		case config.KindPostgres:
			p := fleet.NewPostgres(c, name, svc.Database, svc.User, svc.Password, logger)
			p.InternalPort = svc.Port
			out = append(out, p)
		case config.KindService:
			out = append(out, fleet.NewService(c, name, logger))
		default:
			return nil, fmt.Errorf("service %q: unknown kind %q", name, svc.Kind)
		}
	}
	return out, nil
}
