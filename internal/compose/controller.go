// Package compose drives a Docker Compose project for system tests: it
// builds and starts services, runs commands inside them, reads their logs and
// answers whether a service is operational.
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"fleetharness/internal/events"
	"fleetharness/internal/retry"
)

// Config identifies one compose project and how it is driven. Controllers
// built from the same ProjectName and ProjectDir act on the same containers.
type Config struct {
	ProjectName string
	ProjectDir  string
	// Files are passed in order, each with its own -f flag.
	Files   []string
	EnvFile string
	// Env is merged over the process environment, or replaces it when
	// ReplaceEnv is set. It is passed to every invocation.
	Env        map[string]string
	ReplaceEnv bool

	// Pull and Build make Start pull images and build them before up.
	Pull            bool
	Build           bool
	DisableBuildKit bool

	// Isolate lists services whose writable directory bind mounts are
	// shadowed by per-run copies.
	Isolate      []string
	IsolationDir string

	Retry    retry.Config
	Detector DetectFunc
}

// Endpoint is a host address a container port is published on.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

type portKey struct {
	service  string
	port     int
	protocol string
}

// Controller owns one compose project.
type Controller struct {
	cfg       Config
	runner    Runner
	engine    Engine
	builder   CommandBuilder
	isolation *isolation
	emitter   *events.Emitter
	logger    *slog.Logger

	mu    sync.Mutex
	ports map[portKey]Endpoint
}

// New resolves the compose binary and returns a controller for the project.
func New(ctx context.Context, cfg Config, runner Runner, engine Engine, logger *slog.Logger) (*Controller, error) {
	if cfg.ProjectName == "" {
		return nil, errors.New("compose: project name is required")
	}
	if len(cfg.Files) == 0 {
		return nil, errors.New("compose: at least one compose file is required")
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if engine == nil {
		return nil, errors.New("compose: engine client is required")
	}
	detect := cfg.Detector
	if detect == nil {
		detect = DetectBinary
	}
	binary, err := detect(ctx, runner)
	if err != nil {
		return nil, err
	}

	logger = logger.With("component", "compose", "project", cfg.ProjectName)
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = logger
	}

	c := &Controller{
		cfg:     cfg,
		runner:  runner,
		engine:  engine,
		builder: NewCommandBuilder(binary, cfg.ProjectName, cfg.ProjectDir, cfg.Files, cfg.EnvFile),
		logger:  logger,
		ports:   make(map[portKey]Endpoint),
	}
	if len(cfg.Isolate) > 0 {
		root, exclude := cfg.IsolationDir, cfg.IsolationDir
		if root == "" {
			exclude = filepath.Join(cfg.ProjectDir, ".isolated")
			root = filepath.Join(exclude, cfg.ProjectName)
		}
		c.isolation = &isolation{root: root, exclude: exclude, services: cfg.Isolate, logger: logger}
	}
	logger.Debug("compose controller ready", "binary", strings.Join(binary, " "), "files", cfg.Files)
	return c, nil
}

// WithEmitter makes the controller report lifecycle events to e.
func (c *Controller) WithEmitter(e *events.Emitter) *Controller {
	c.emitter = e
	return c
}

func (c *Controller) ProjectName() string { return c.cfg.ProjectName }

// RetryConfig is the retry budget used by WaitForOperational.
func (c *Controller) RetryConfig() retry.Config { return c.cfg.Retry }

// IsolationActive reports whether the isolated-volume overlay exists.
func (c *Controller) IsolationActive() bool { return c.isolation.Active() }

// IsolationDir is the overlay root, or "" when no service is isolated.
func (c *Controller) IsolationDir() string {
	if c.isolation == nil {
		return ""
	}
	return c.isolation.root
}

func (c *Controller) commands() CommandBuilder {
	if c.isolation.Active() {
		return c.builder.WithFiles(c.isolation.OverrideFile())
	}
	return c.builder
}

func (c *Controller) env(extra map[string]string) []string {
	var base []string
	if !c.cfg.ReplaceEnv {
		base = os.Environ()
	}
	merged := make(map[string]string, len(c.cfg.Env)+len(extra))
	for k, v := range c.cfg.Env {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return MergeEnv(base, merged)
}

// run executes args and returns the result regardless of exit code.
func (c *Controller) run(ctx context.Context, args []string, extraEnv map[string]string) (Result, error) {
	start := time.Now()
	res, err := c.runner.Run(ctx, Command{Args: args, Env: c.env(extraEnv), Dir: c.cfg.ProjectDir})
	c.logger.Debug("compose command finished", "args", args, "exit_code", res.ExitCode, "duration", time.Since(start))
	if err != nil {
		return res, &CommandError{Args: args, ExitCode: -1, Stdout: res.Stdout, Stderr: res.Stderr, Err: err}
	}
	return res, nil
}

// check is run, with a non-zero exit turned into a *CommandError.
func (c *Controller) check(ctx context.Context, args []string, extraEnv map[string]string) (Result, error) {
	res, err := c.run(ctx, args, extraEnv)
	if err == nil && res.ExitCode != 0 {
		err = &CommandError{Args: args, ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	}
	if err != nil {
		c.emit(events.CommandFailed, "", map[string]string{"error": firstLine(err.Error())})
	}
	return res, err
}

func (c *Controller) emit(typ, service string, fields map[string]string) {
	c.emitter.Emit(events.Event{Type: typ, Project: c.cfg.ProjectName, Service: service, Fields: fields})
}

// Build builds images of the named services, or all when none are named.
// BuildKit is requested through the environment, not a flag.
func (c *Controller) Build(ctx context.Context, services ...string) error {
	env := map[string]string{"DOCKER_BUILDKIT": "1", "COMPOSE_DOCKER_CLI_BUILD": "1"}
	if c.cfg.DisableBuildKit {
		env = map[string]string{"DOCKER_BUILDKIT": "0", "COMPOSE_DOCKER_CLI_BUILD": "0"}
	}
	c.logger.Info("building services", "services", services)
	_, err := c.check(ctx, c.commands().Build(services...), env)
	return err
}

func (c *Controller) Pull(ctx context.Context, services ...string) error {
	c.logger.Info("pulling services", "services", services)
	_, err := c.check(ctx, c.commands().Pull(services...), nil)
	return err
}

// Up starts the named services detached.
func (c *Controller) Up(ctx context.Context, services ...string) error {
	c.logger.Info("starting services", "services", services)
	_, err := c.check(ctx, c.commands().Up(services...), nil)
	return err
}

// Start prepares isolation, then pulls, builds and ups in that order. Pull
// and build only run when configured.
func (c *Controller) Start(ctx context.Context, services ...string) error {
	if err := c.isolation.Prepare(ctx, c.cfg); err != nil {
		return err
	}
	for _, s := range services {
		c.emit(events.ServiceStarting, s, nil)
	}
	if c.cfg.Pull {
		if err := c.Pull(ctx, services...); err != nil {
			return err
		}
	}
	if c.cfg.Build {
		if err := c.Build(ctx, services...); err != nil {
			return err
		}
	}
	if err := c.Up(ctx, services...); err != nil {
		return err
	}
	c.emit(events.ProjectStarted, "", map[string]string{"services": strings.Join(services, ",")})
	return nil
}

// Bootstrap starts the services and waits until each is operational. With
// no names it waits for every service of the project.
func (c *Controller) Bootstrap(ctx context.Context, services ...string) error {
	if err := c.Start(ctx, services...); err != nil {
		return err
	}
	wait := services
	if len(wait) == 0 {
		all, err := c.Services(ctx)
		if err != nil {
			return err
		}
		wait = all
	}
	for _, s := range wait {
		if err := c.WaitForOperational(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// Down removes every container and volume of the project, then removes the
// isolation overlay. Cleanup runs even if down fails; both errors are
// returned.
func (c *Controller) Down(ctx context.Context) error {
	c.logger.Info("tearing down project")
	_, err := c.check(ctx, c.commands().Down(), nil)
	cleanupErr := c.isolation.Remove()

	c.mu.Lock()
	c.ports = make(map[portKey]Endpoint)
	c.mu.Unlock()

	if err == nil && cleanupErr == nil {
		c.emit(events.ProjectStopped, "", nil)
	}
	return errors.Join(err, cleanupErr)
}

// Stop is a full, volume-destroying teardown of the project.
func (c *Controller) Stop(ctx context.Context) error {
	return c.Down(ctx)
}

// Exec runs command inside the service's running container. With
// checkErrors a non-zero exit becomes a *CommandError carrying the output.
func (c *Controller) Exec(ctx context.Context, service string, command []string, checkErrors bool) (Result, error) {
	args := c.commands().Exec(service, command)
	if checkErrors {
		return c.check(ctx, args, nil)
	}
	return c.run(ctx, args, nil)
}

// ServiceExec binds Exec to one service. It satisfies supervisor.Executor.
type ServiceExec struct {
	c       *Controller
	service string
}

func (c *Controller) ServiceExec(service string) *ServiceExec {
	return &ServiceExec{c: c, service: service}
}

func (s *ServiceExec) Exec(ctx context.Context, command []string) (int, string, string, error) {
	res, err := s.c.Exec(ctx, s.service, command, false)
	return res.ExitCode, res.Stdout, res.Stderr, err
}

// Logs returns the whole log history of the service, or of all services
// when service is empty. Empty output is not an error.
func (c *Controller) Logs(ctx context.Context, service string) (string, string, error) {
	res, err := c.check(ctx, c.commands().Logs(service), nil)
	return res.Stdout, res.Stderr, err
}

// Services lists the services defined by the compose files.
func (c *Controller) Services(ctx context.Context) ([]string, error) {
	res, err := c.check(ctx, c.commands().Services(), nil)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

// ServiceState inspects the service's container. A service without a
// container yields ErrNotFound.
func (c *Controller) ServiceState(ctx context.Context, service string) (ServiceState, error) {
	id, err := findContainer(ctx, c.engine, c.cfg.ProjectName, service)
	if err != nil {
		return ServiceState{}, err
	}
	info, err := inspectContainer(ctx, c.engine, service, id)
	if err != nil {
		return ServiceState{}, err
	}
	return stateFromInspect(info), nil
}

// IsOperational is false, without error, for a service that has no
// container (never started, or removed by Down).
func (c *Controller) IsOperational(ctx context.Context, service string) (bool, error) {
	st, err := c.ServiceState(ctx, service)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return st.IsOperational(), nil
}

// WaitForOperational polls the service state until it is running and
// healthy. Missing, starting, paused and unhealthy containers are retried;
// an exited container fails immediately.
func (c *Controller) WaitForOperational(ctx context.Context, service string) error {
	cfg := c.cfg.Retry.WithMsg("waiting for service %q to become operational", service)
	err := retry.Wait(ctx, cfg, func() error {
		st, err := c.ServiceState(ctx, service)
		if errors.Is(err, ErrNotFound) {
			return retry.NotReady("service %q has no container yet", service)
		}
		if err != nil {
			return err
		}
		if st.IsExited() {
			c.emit(events.ServiceExited, service, map[string]string{"exit_code": strconv.Itoa(st.ExitCode())})
			return fmt.Errorf("service %q: %w: %s", service, ErrServiceExited, st)
		}
		if !st.IsOperational() {
			return retry.NotReady("service %q: %s", service, st)
		}
		return nil
	})
	if errors.Is(err, retry.ErrTimeout) {
		c.emit(events.RetryExhausted, service, map[string]string{"error": firstLine(err.Error())})
		return err
	}
	if err != nil {
		return err
	}
	c.emit(events.ServiceOperational, service, nil)
	return nil
}

// Port resolves the host endpoint a container port of the service is
// published on. Mappings never change after up, so results are cached.
func (c *Controller) Port(ctx context.Context, service string, port int) (Endpoint, error) {
	return c.PortProtocol(ctx, service, port, "tcp")
}

func (c *Controller) PortProtocol(ctx context.Context, service string, port int, protocol string) (Endpoint, error) {
	key := portKey{service: service, port: port, protocol: protocol}
	c.mu.Lock()
	ep, ok := c.ports[key]
	c.mu.Unlock()
	if ok {
		return ep, nil
	}

	res, err := c.check(ctx, c.commands().Port(service, port, protocol), nil)
	if err != nil {
		return Endpoint{}, err
	}
	ep, err = parseEndpoint(res.Stdout)
	if err != nil {
		return Endpoint{}, fmt.Errorf("port %d/%s of service %q: %w", port, protocol, service, err)
	}

	c.mu.Lock()
	c.ports[key] = ep
	c.mu.Unlock()
	return ep, nil
}

// parseEndpoint reads "0.0.0.0:32768" style output. Wildcard hosts are
// reported as loopback since that is where the test process connects.
func parseEndpoint(out string) (Endpoint, error) {
	line := strings.TrimSpace(out)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" || line == ":0" {
		return Endpoint{}, ErrNotFound
	}
	host, portStr, err := net.SplitHostPort(line)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrParse, line)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrParse, line)
	}
	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::":
		host = "::1"
	}
	return Endpoint{Host: host, Port: port}, nil
}

// Pause freezes the service's container without removing it.
func (c *Controller) Pause(ctx context.Context, service string) error {
	if _, err := c.check(ctx, c.commands().Pause(service), nil); err != nil {
		return err
	}
	c.emit(events.ServicePaused, service, nil)
	return nil
}

func (c *Controller) Unpause(ctx context.Context, service string) error {
	if _, err := c.check(ctx, c.commands().Unpause(service), nil); err != nil {
		return err
	}
	c.emit(events.ServiceUnpaused, service, nil)
	return nil
}

// Restart restarts the service's container in place.
func (c *Controller) Restart(ctx context.Context, service string) error {
	if _, err := c.check(ctx, c.commands().Restart(service), nil); err != nil {
		return err
	}
	c.emit(events.ServiceRestarted, service, nil)
	return nil
}

// ServiceIPAddress returns the service's address on a compose network for
// IP family 4 or 6. The network may be named with or without the project
// prefix.
func (c *Controller) ServiceIPAddress(ctx context.Context, service, network string, family int) (string, error) {
	if family != 4 && family != 6 {
		return "", fmt.Errorf("ip family %d: must be 4 or 6", family)
	}
	id, err := findContainer(ctx, c.engine, c.cfg.ProjectName, service)
	if err != nil {
		return "", err
	}
	info, err := inspectContainer(ctx, c.engine, service, id)
	if err != nil {
		return "", err
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("service %q network %q: %w", service, network, ErrNotFound)
	}
	ep, ok := info.NetworkSettings.Networks[c.cfg.ProjectName+"_"+network]
	if !ok {
		ep, ok = info.NetworkSettings.Networks[network]
	}
	if !ok || ep == nil {
		return "", fmt.Errorf("service %q network %q: %w", service, network, ErrNotFound)
	}
	addr := ep.IPAddress
	if family == 6 {
		addr = ep.GlobalIPv6Address
	}
	if addr == "" {
		return "", fmt.Errorf("service %q network %q IPv%d address: %w", service, network, family, ErrNotFound)
	}
	return addr, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
