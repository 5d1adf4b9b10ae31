package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"sort"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"fleetharness/internal/bus"
	"fleetharness/internal/compose"
	"fleetharness/internal/config"
	"fleetharness/internal/events"
	"fleetharness/internal/metrics"
	"fleetharness/internal/watcher"
)

func main() {
	configPath := flag.String("config", "./fleetharness.yaml", "path to config file")
	flag.Parse()

	runID := uuid.New().String()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With("run_id", runID)
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger.Info("config loaded", "project", cfg.Project.Name, "services", len(cfg.Services), "listen", cfg.Watch.Listen)

	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		logger.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer docker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl, err := compose.New(ctx, cfg.Compose(), compose.ExecRunner{}, docker, logger)
	if err != nil {
		logger.Error("failed to create compose controller", "error", err)
		os.Exit(1)
	}

	emitter := events.NewEmitter(logger)
	metrics.RegisterEventHandler(emitter)

	if cfg.Events.NATSURL != "" {
		bc, err := connectBus(ctx, cfg, runID, logger)
		if err != nil {
			logger.Warn("event bus unavailable (continuing without)", "error", err)
		} else {
			defer bc.Close()
			bus.RegisterEventHandler(emitter, bc)
		}
	}

	services := watchedServices(ctx, cfg, ctrl, logger)
	p := newPoller(cfg.Project.Name, ctrl, services, cfg.Watch.PollInterval, logger)
	go p.Run(ctx)

	w := watcher.New(docker, cfg.Project.Name, emitter, logger)
	go watchLoop(ctx, w, logger)

	srv := &http.Server{
		Addr:         cfg.Watch.Listen,
		Handler:      newMux(p),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("server starting", "addr", cfg.Watch.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal or SIGHUP for reload.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	var sig os.Signal
	for {
		sig = <-sigCh
		if sig != syscall.SIGHUP {
			break
		}
		logger.Info("SIGHUP received, reloading config")
		newCfg, err := config.Load(*configPath)
		if err != nil {
			logger.Error("failed to reload config", "error", err)
			continue
		}
		reloadConfig(ctx, logger, cfg, newCfg, ctrl, p)
		cfg = newCfg
	}

	logger.Info("shutting down", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	fmt.Println("fleetwatch stopped")
}

func connectBus(ctx context.Context, cfg *config.Config, runID string, logger *slog.Logger) (*bus.Client, error) {
	bcfg := bus.DefaultConfig()
	bcfg.URL = cfg.Events.NATSURL
	bcfg.Prefix = cfg.Events.SubjectPrefix
	bc, err := bus.Connect(bcfg, "fleetwatch-"+runID, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Events.Stream != "" {
		if _, err := bc.ProvisionStream(ctx, cfg.Events.Stream); err != nil {
			_ = bc.Close()
			return nil, err
		}
	}
	return bc, nil
}

// watchedServices is every service of the compose project plus any
// configured wrapper, falling back to the config alone when compose cannot
// list them.
func watchedServices(ctx context.Context, cfg *config.Config, ctrl *compose.Controller, logger *slog.Logger) []string {
	var names []string
	all, err := ctrl.Services(ctx)
	if err != nil {
		logger.Warn("listing compose services failed, watching configured services only", "error", err)
	} else {
		names = append(names, all...)
	}
	for name := range cfg.Services {
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// watchLoop keeps the Docker event watcher running, backing off between
// stream failures.
func watchLoop(ctx context.Context, w *watcher.Watcher, logger *slog.Logger) {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	for {
		started := time.Now()
		err := w.Watch(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > time.Minute {
			b.Reset()
		}
		wait := b.NextBackOff()
		logger.Warn("docker watcher stopped, restarting", "error", err, "in", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func newMux(p *poller) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(p.Snapshot())
	})
	return mux
}

func reloadConfig(ctx context.Context, logger *slog.Logger, old, new_ *config.Config, ctrl *compose.Controller, p *poller) {
	// Warn about structural changes that require restart.
	if old.Project.Name != new_.Project.Name {
		logger.Warn("config reload: project change requires restart", "old", old.Project.Name, "new", new_.Project.Name)
	}
	if !slices.Equal(old.Project.Files, new_.Project.Files) || old.Project.Directory != new_.Project.Directory {
		logger.Warn("config reload: compose file change requires restart")
	}
	if old.Watch.Listen != new_.Watch.Listen {
		logger.Warn("config reload: listen address change requires restart", "old", old.Watch.Listen, "new", new_.Watch.Listen)
	}
	if old.Events != new_.Events {
		logger.Warn("config reload: events change requires restart")
	}

	// Apply runtime-safe changes.
	services := watchedServices(ctx, new_, ctrl, logger)
	p.Reconfigure(services, new_.Watch.PollInterval)
	logger.Info("config reload complete", "services", len(services), "poll_interval", new_.Watch.PollInterval)
}
