package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"fleetharness/internal/compose"
	"fleetharness/internal/config"
	"fleetharness/internal/fleet"
)

func upCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "up [service...]",
		Short: "Start services (all when none are named)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if !wait {
					return a.controller.Start(ctx, args...)
				}
				if err := a.controller.Bootstrap(ctx, args...); err != nil {
					return err
				}
				ws, err := waiters(a.cfg, a.controller, args, a.emitter, a.logger)
				if err != nil {
					return err
				}
				return fleet.WaitAll(ctx, ws...)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "wait until the services are ready")
	return cmd
}

func downCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Remove every container and volume of the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.controller.Down(ctx)
			})
		},
	}
}

func waitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wait [service...]",
		Short: "Wait until services are ready (all configured when none are named)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ws, err := waiters(a.cfg, a.controller, args, a.emitter, a.logger)
				if err != nil {
					return err
				}
				return fleet.WaitAll(ctx, ws...)
			})
		},
	}
}

type stateRow struct {
	Service     string `json:"service"`
	Status      string `json:"status"`
	Health      string `json:"health,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	Operational bool   `json:"operational"`
	Details     string `json:"details,omitempty"`
}

func rowFor(service string, st *compose.ServiceState) stateRow {
	if st == nil {
		return stateRow{Service: service, Status: "missing"}
	}
	row := stateRow{
		Service:     service,
		Status:      st.Status(),
		Health:      st.Health(),
		Operational: st.IsOperational(),
	}
	if st.IsExited() {
		code := st.ExitCode()
		row.ExitCode = &code
	}
	if st.IsUnhealthy() {
		row.Details = st.HealthDetails()
	}
	return row
}

func printStates(w io.Writer, rows []stateRow, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tSTATUS\tHEALTH\tOPERATIONAL\tDETAILS")
	for _, r := range rows {
		health := r.Health
		if health == "" {
			health = "-"
		}
		status := r.Status
		if r.ExitCode != nil {
			status += " (" + strconv.Itoa(*r.ExitCode) + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", r.Service, status, health, r.Operational, r.Details)
	}
	return tw.Flush()
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [service...]",
		Short: "Show the state of services (all when none are named)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				names := args
				if len(names) == 0 {
					all, err := a.controller.Services(ctx)
					if err != nil {
						return err
					}
					names = all
				}
				rows := make([]stateRow, 0, len(names))
				for _, name := range names {
					st, err := a.controller.ServiceState(ctx, name)
					switch {
					case errors.Is(err, compose.ErrNotFound):
						rows = append(rows, rowFor(name, nil))
					case err != nil:
						return err
					default:
						rows = append(rows, rowFor(name, &st))
					}
				}
				return printStates(cmd.OutOrStdout(), rows, format)
			})
		},
	}
}

func logsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs [service]",
		Short: "Print the logs of a service, or of the whole project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				service := ""
				if len(args) == 1 {
					service = args[0]
				}
				stdout, stderr, err := a.controller.Logs(ctx, service)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), stdout)
				fmt.Fprint(cmd.ErrOrStderr(), stderr)
				return nil
			})
		},
	}
}

func execCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <service> -- <command...>",
		Short: "Run a command inside a service; exits with its exit code",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.controller.Exec(ctx, args[0], args[1:], false)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
				fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
				if res.ExitCode != 0 {
					a.Close()
					os.Exit(res.ExitCode)
				}
				return nil
			})
		},
	}
}

func portCmd() *cobra.Command {
	var protocol string
	cmd := &cobra.Command{
		Use:   "port <service> <port>",
		Short: "Print the host endpoint a container port is published on",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid port %q: %w", args[1], err)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ep, err := a.controller.PortProtocol(ctx, args[0], port, protocol)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ep)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&protocol, "protocol", "tcp", "tcp or udp")
	return cmd
}

func serviceVerbCmd(use, short string, fn func(a *app) func(context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <service>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return fn(a)(ctx, args[0])
			})
		},
	}
}

func pauseCmd() *cobra.Command {
	return serviceVerbCmd("pause", "Freeze a service's container", func(a *app) func(context.Context, string) error {
		return a.controller.Pause
	})
}

func unpauseCmd() *cobra.Command {
	return serviceVerbCmd("unpause", "Resume a paused service", func(a *app) func(context.Context, string) error {
		return a.controller.Unpause
	})
}

func restartCmd() *cobra.Command {
	return serviceVerbCmd("restart", "Restart a service's container", func(a *app) func(context.Context, string) error {
		return a.controller.Restart
	})
}

func ipCmd() *cobra.Command {
	var family int
	cmd := &cobra.Command{
		Use:   "ip <service> <network>",
		Short: "Print a service's address on a compose network",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				addr, err := a.controller.ServiceIPAddress(ctx, args[0], args[1], family)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), addr)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&family, "family", 4, "IP family: 4 or 6")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			printConfigSummary(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func printConfigSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "project %s: %d compose file(s) in %s\n", cfg.Project.Name, len(cfg.Project.Files), cfg.Project.Directory)
	fmt.Fprintf(w, "retry: %d tries every %s\n", cfg.Retry.MaxTries, cfg.Retry.SleepTime)
	fmt.Fprintf(w, "services: %d\n", len(cfg.Services))
	fmt.Fprintln(w, "config ok")
}
