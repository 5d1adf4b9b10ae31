package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"fleetharness/internal/compose"
	"fleetharness/internal/config"
	"fleetharness/internal/fleet"
	"fleetharness/internal/retry"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubController struct{}

func (stubController) WaitForOperational(context.Context, string) error { return nil }
func (stubController) Exec(context.Context, string, []string, bool) (compose.Result, error) {
	return compose.Result{}, nil
}
func (stubController) Logs(context.Context, string) (string, string, error) { return "", "", nil }
func (stubController) Port(context.Context, string, int) (compose.Endpoint, error) {
	return compose.Endpoint{Host: "127.0.0.1", Port: 1}, nil
}
func (stubController) ServiceState(context.Context, string) (compose.ServiceState, error) {
	return compose.ServiceState{}, compose.ErrNotFound
}
func (stubController) RetryConfig() retry.Config { return retry.Config{MaxTries: 1} }

func TestWaitersFromConfig(t *testing.T) {
	cfg := &config.Config{Services: map[string]*config.Service{
		"server":    {Kind: config.KindServer, Port: 8080, HealthPath: "/api/version"},
		"postgres":  {Kind: config.KindPostgres, Port: 5433, Database: "storktest", User: "stork"},
		"agent-kea": {Kind: config.KindAgent, Programs: []string{"stork-agent", "kea-dhcp4"}},
		"webui":     {Kind: config.KindService},
	}}

	ws, err := waiters(cfg, stubController{}, nil, nil, quietLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ws) != 4 {
		t.Fatalf("waiters = %d, want 4", len(ws))
	}
	// Sorted by name.
	if a, ok := ws[0].(*fleet.Agent); !ok || a.Name != "agent-kea" || len(a.Programs) != 2 {
		t.Errorf("ws[0] = %#v, want agent-kea agent", ws[0])
	}
	if p, ok := ws[1].(*fleet.Postgres); !ok || p.InternalPort != 5433 || p.Database != "storktest" {
		t.Errorf("ws[1] = %#v, want postgres", ws[1])
	}
	if s, ok := ws[2].(*fleet.Server); !ok || s.HTTPPort != 8080 || s.HealthPath != "/api/version" {
		t.Errorf("ws[2] = %#v, want server", ws[2])
	}
	if s, ok := ws[3].(fleet.Service); !ok || s.Name != "webui" {
		t.Errorf("ws[3] = %#v, want plain service", ws[3])
	}
}

func TestWaitersUnconfiguredName(t *testing.T) {
	cfg := &config.Config{}
	ws, err := waiters(cfg, stubController{}, []string{"bind9"}, nil, quietLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s, ok := ws[0].(fleet.Service); !ok || s.Name != "bind9" {
		t.Errorf("ws[0] = %#v, want plain service", ws[0])
	}
}

func TestWaitersUnknownKind(t *testing.T) {
	cfg := &config.Config{Services: map[string]*config.Service{"x": {Kind: "mysql"}}}
	if _, err := waiters(cfg, stubController{}, nil, nil, quietLogger()); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestPrintStatesTable(t *testing.T) {
	running := compose.NewServiceState(compose.StatusRunning, 0, compose.HealthHealthy, "")
	exited := compose.NewServiceState(compose.StatusExited, 3, compose.HealthNone, "")
	sick := compose.NewServiceState(compose.StatusRunning, 0, compose.HealthUnhealthy, "curl: connection refused")
	rows := []stateRow{
		rowFor("server", &running),
		rowFor("agent-bind9", &exited),
		rowFor("agent-kea", &sick),
		rowFor("postgres", nil),
	}

	var buf bytes.Buffer
	if err := printStates(&buf, rows, "table"); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"SERVICE", "server", "healthy", "exited (3)", "curl: connection refused", "missing"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintStatesJSON(t *testing.T) {
	exited := compose.NewServiceState(compose.StatusExited, 0, compose.HealthNone, "")
	var buf bytes.Buffer
	if err := printStates(&buf, []stateRow{rowFor("agent-kea", &exited)}, "json"); err != nil {
		t.Fatal(err)
	}
	var got []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if got[0]["status"] != "exited" || got[0]["exit_code"] != float64(0) || got[0]["operational"] != false {
		t.Errorf("row = %v", got[0])
	}
}

func TestConfigValidateCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetharness.yaml")
	if err := os.WriteFile(path, []byte("project:\n  name: storktest\n"), 0644); err != nil {
		t.Fatal(err)
	}

	configPath = path
	projectName = ""
	defer func() { configPath = "" }()

	root := &cobra.Command{Use: "fleetharness"}
	cfgCmd := &cobra.Command{Use: "config"}
	cfgCmd.AddCommand(configValidateCmd())
	root.AddCommand(cfgCmd)

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"config", "validate"})
	if err := root.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "project storktest") || !strings.Contains(buf.String(), "config ok") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestProjectFlagOverridesConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetharness.yaml")
	if err := os.WriteFile(path, []byte("project:\n  name: storktest\n"), 0644); err != nil {
		t.Fatal(err)
	}
	configPath, projectName = path, "other"
	defer func() { configPath, projectName = "", "" }()

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Project.Name != "other" {
		t.Errorf("project = %q, want other", cfg.Project.Name)
	}
}

func TestProjectFlagRejectsInvalidName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetharness.yaml")
	if err := os.WriteFile(path, []byte("project:\n  name: storktest\n"), 0644); err != nil {
		t.Fatal(err)
	}
	configPath, projectName = path, "Stork Test"
	defer func() { configPath, projectName = "", "" }()

	if _, err := loadConfig(); err == nil || !strings.Contains(err.Error(), "invalid project name") {
		t.Errorf("err = %v, want invalid project name", err)
	}
}

func TestConfigPathFromEnv(t *testing.T) {
	configPath = ""
	t.Setenv("FLEET_CONFIG", "/etc/fleet.yaml")
	if got := getConfigPath(); got != "/etc/fleet.yaml" {
		t.Errorf("config path = %q", got)
	}
}
