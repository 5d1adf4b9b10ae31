package fleet

import (
	"context"
	"fmt"
	"log/slog"

	"fleetharness/internal/events"
	"fleetharness/internal/retry"
	"fleetharness/internal/supervisor"
)

// Agent is a service whose daemons (the monitoring agent, Kea, BIND 9)
// run under supervisord inside the container.
type Agent struct {
	Service
	Programs []string
	emitter  *events.Emitter
}

func NewAgent(c Controller, name string, programs []string, logger *slog.Logger) *Agent {
	return &Agent{Service: NewService(c, name, logger), Programs: programs}
}

// WithEmitter makes the agent's supervisor programs report their lifecycle.
func (a *Agent) WithEmitter(e *events.Emitter) *Agent {
	a.emitter = e
	return a
}

// Supervisor returns the supervisord program driven through exec in this
// service's container.
func (a *Agent) Supervisor(program string) *supervisor.Service {
	exec := supervisor.ExecutorFunc(func(ctx context.Context, command []string) (int, string, string, error) {
		res, err := a.Controller.Exec(ctx, a.Name, command, false)
		return res.ExitCode, res.Stdout, res.Stderr, err
	})
	return supervisor.New(exec, program, a.Controller.RetryConfig(), a.Logger).WithEmitter(a.emitter)
}

// WaitForDaemon waits until supervisord reports the program running.
func (a *Agent) WaitForDaemon(ctx context.Context, program string) error {
	sv := a.Supervisor(program)
	cfg := a.Controller.RetryConfig().WithMsg("waiting for daemon %q in service %q", program, a.Name)
	return retry.Until(ctx, cfg, func() (bool, error) {
		return sv.IsOperational(ctx)
	})
}

// WaitForReady waits for the container and then for every program.
func (a *Agent) WaitForReady(ctx context.Context) error {
	if err := a.WaitForOperational(ctx); err != nil {
		return err
	}
	for _, p := range a.Programs {
		if err := a.WaitForDaemon(ctx, p); err != nil {
			return fmt.Errorf("agent %q: %w", a.Name, err)
		}
	}
	return nil
}
