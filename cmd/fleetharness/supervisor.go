package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"fleetharness/internal/supervisor"
)

func (a *app) program(service, program string) *supervisor.Service {
	return supervisor.New(a.controller.ServiceExec(service), program, a.controller.RetryConfig(), a.logger).
		WithEmitter(a.emitter)
}

func programCmd(use, short string, fn func(ctx context.Context, cmd *cobra.Command, p *supervisor.Service) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <service> <program>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return fn(ctx, cmd, a.program(args[0], args[1]))
			})
		},
	}
}

func supervisorPIDCmd() *cobra.Command {
	return programCmd("pid", "Print the PID of a program", func(ctx context.Context, cmd *cobra.Command, p *supervisor.Service) error {
		pid, err := p.PID(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), pid)
		return nil
	})
}

func supervisorStatusCmd() *cobra.Command {
	return programCmd("status", "Print the supervisorctl status line of a program", func(ctx context.Context, cmd *cobra.Command, p *supervisor.Service) error {
		line, err := p.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
		return nil
	})
}

func supervisorRestartCmd() *cobra.Command {
	return programCmd("restart", "Restart a program and wait until it runs", func(ctx context.Context, _ *cobra.Command, p *supervisor.Service) error {
		return p.Restart(ctx)
	})
}

func supervisorReloadCmd() *cobra.Command {
	return programCmd("reload", "Send SIGHUP to a program and wait until it runs", func(ctx context.Context, _ *cobra.Command, p *supervisor.Service) error {
		return p.Reload(ctx)
	})
}

func supervisorInterruptCmd() *cobra.Command {
	return programCmd("interrupt", "Send SIGINT to a program and wait until it stops", func(ctx context.Context, _ *cobra.Command, p *supervisor.Service) error {
		return p.Interrupt(ctx)
	})
}
