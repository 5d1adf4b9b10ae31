package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/docker/client"
	"github.com/spf13/cobra"

	"fleetharness/internal/bus"
	"fleetharness/internal/compose"
	"fleetharness/internal/config"
	"fleetharness/internal/events"
	"fleetharness/internal/metrics"
)

var (
	configPath  string
	projectName string
	format      string
	verbose     bool
)

func main() {
	root := &cobra.Command{
		Use:           "fleetharness",
		Short:         "fleetharness: drive the system-test compose project",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default $FLEET_CONFIG or ./fleetharness.yaml)")
	root.PersistentFlags().StringVarP(&projectName, "project", "p", "", "compose project name (overrides config)")
	root.PersistentFlags().StringVar(&format, "format", "table", "output format: table or json")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	supervisorCmd := &cobra.Command{Use: "supervisor", Short: "Drive supervisord programs inside a service"}
	supervisorCmd.AddCommand(
		supervisorPIDCmd(),
		supervisorStatusCmd(),
		supervisorRestartCmd(),
		supervisorReloadCmd(),
		supervisorInterruptCmd(),
	)

	configCmd := &cobra.Command{Use: "config", Short: "Inspect the harness config"}
	configCmd.AddCommand(configValidateCmd())

	root.AddCommand(
		upCmd(),
		downCmd(),
		statusCmd(),
		waitCmd(),
		logsCmd(),
		execCmd(),
		portCmd(),
		pauseCmd(),
		unpauseCmd(),
		restartCmd(),
		ipCmd(),
		supervisorCmd,
		configCmd,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if v := os.Getenv("FLEET_CONFIG"); v != "" {
		return v
	}
	return "fleetharness.yaml"
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, err
	}
	if projectName != "" {
		if err := cfg.SetProjectName(projectName); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// app is everything a command needs to act on the project.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	emitter    *events.Emitter
	controller *compose.Controller
	docker     *client.Client
	bus        *bus.Client
}

func setup(ctx context.Context) (*app, error) {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	ctrl, err := compose.New(ctx, cfg.Compose(), compose.ExecRunner{}, docker, logger)
	if err != nil {
		docker.Close()
		return nil, err
	}

	emitter := events.NewEmitter(logger)
	metrics.RegisterEventHandler(emitter)
	ctrl.WithEmitter(emitter)

	a := &app{cfg: cfg, logger: logger, emitter: emitter, controller: ctrl, docker: docker}

	if cfg.Events.NATSURL != "" {
		bcfg := bus.DefaultConfig()
		bcfg.URL = cfg.Events.NATSURL
		bcfg.Prefix = cfg.Events.SubjectPrefix
		bc, err := bus.Connect(bcfg, "fleetharness", logger)
		if err != nil {
			// Event publishing is optional; the command still runs.
			logger.Warn("event bus unavailable", "url", cfg.Events.NATSURL, "error", err)
		} else {
			bus.RegisterEventHandler(emitter, bc)
			a.bus = bc
		}
	}
	return a, nil
}

func (a *app) Close() {
	if a.bus != nil {
		_ = a.bus.Close()
	}
	a.docker.Close()
}

// withApp runs fn with a ready app and releases it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
