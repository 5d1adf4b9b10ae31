// Package supervisor drives one program managed by supervisord inside a
// container that can only be reached by executing commands in it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"fleetharness/internal/events"
	"fleetharness/internal/retry"
)

var (
	// ErrParse means supervisorctl printed something other than the expected value.
	ErrParse = errors.New("unexpected supervisorctl output")
	// ErrCommandFailed means a restart or signal command exited non-zero.
	ErrCommandFailed = errors.New("supervisorctl command failed")
)

// Executor runs a command where supervisord lives. A non-zero exit code is
// not an error; err is reserved for transport failures.
type Executor interface {
	Exec(ctx context.Context, command []string) (exitCode int, stdout, stderr string, err error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, command []string) (int, string, string, error)

func (f ExecutorFunc) Exec(ctx context.Context, command []string) (int, string, string, error) {
	return f(ctx, command)
}

// Service is one supervisord program.
type Service struct {
	name    string
	exec    Executor
	retry   retry.Config
	emitter *events.Emitter
	logger  *slog.Logger
}

func New(exec Executor, name string, retryCfg retry.Config, logger *slog.Logger) *Service {
	logger = logger.With("component", "supervisor", "program", name)
	if retryCfg.Logger == nil {
		retryCfg.Logger = logger
	}
	return &Service{
		name:   name,
		exec:   exec,
		retry:  retryCfg,
		logger: logger,
	}
}

// WithEmitter makes the service report restarts, reloads and interrupts.
func (s *Service) WithEmitter(e *events.Emitter) *Service {
	s.emitter = e
	return s
}

func (s *Service) Name() string { return s.name }

func (s *Service) ctl(args ...string) []string {
	return append([]string{"supervisorctl"}, append(args, s.name)...)
}

// PID returns the program's process ID. supervisorctl prints a bare
// integer when the program runs and a message otherwise.
func (s *Service) PID(ctx context.Context) (int, error) {
	_, stdout, _, err := s.exec.Exec(ctx, s.ctl("pid"))
	if err != nil {
		return 0, fmt.Errorf("pid of %q: %w", s.name, err)
	}
	out := strings.TrimSpace(stdout)
	pid, convErr := strconv.Atoi(out)
	if convErr != nil || pid <= 0 {
		return 0, fmt.Errorf("pid of %q: %w: %q", s.name, ErrParse, out)
	}
	return pid, nil
}

// Status returns the raw status line, for diagnostics.
func (s *Service) Status(ctx context.Context) (string, error) {
	_, stdout, _, err := s.exec.Exec(ctx, s.ctl("status"))
	if err != nil {
		return "", fmt.Errorf("status of %q: %w", s.name, err)
	}
	return strings.TrimSpace(stdout), nil
}

// IsOperational is true iff supervisorctl status exits 0. Not running,
// fatal, backoff and unknown program all map to false.
func (s *Service) IsOperational(ctx context.Context) (bool, error) {
	code, _, _, err := s.exec.Exec(ctx, s.ctl("status"))
	if err != nil {
		return false, fmt.Errorf("status of %q: %w", s.name, err)
	}
	return code == 0, nil
}

// Restart restarts the program and waits until it is operational again.
// The restart command itself is not retried.
func (s *Service) Restart(ctx context.Context) error {
	if err := s.run(ctx, "restart"); err != nil {
		return err
	}
	if err := s.waitFor(ctx, true); err != nil {
		return err
	}
	s.emit(events.ProgramRestarted)
	return nil
}

// Reload sends SIGHUP and waits until the program is operational. A correct
// reload keeps the PID.
func (s *Service) Reload(ctx context.Context) error {
	if err := s.run(ctx, "signal", "HUP"); err != nil {
		return err
	}
	if err := s.waitFor(ctx, true); err != nil {
		return err
	}
	s.emit(events.ProgramReloaded)
	return nil
}

// Interrupt sends SIGINT and waits until the program stops.
func (s *Service) Interrupt(ctx context.Context) error {
	if err := s.run(ctx, "signal", "INT"); err != nil {
		return err
	}
	if err := s.waitFor(ctx, false); err != nil {
		return err
	}
	s.emit(events.ProgramInterrupted)
	return nil
}

// run issues a supervisorctl command once.
func (s *Service) run(ctx context.Context, args ...string) error {
	cmd := s.ctl(args...)
	s.logger.Info("supervisorctl", "args", cmd[1:])
	code, stdout, stderr, err := s.exec.Exec(ctx, cmd)
	if err != nil {
		return fmt.Errorf("%s %q: %w", strings.Join(args, " "), s.name, err)
	}
	if code != 0 {
		return fmt.Errorf("%s %q: %w (exit code %d): %s", strings.Join(args, " "), s.name, ErrCommandFailed, code,
			strings.TrimSpace(stdout+" "+stderr))
	}
	return nil
}

func (s *Service) waitFor(ctx context.Context, operational bool) error {
	msg := "waiting for program %q to become operational"
	if !operational {
		msg = "waiting for program %q to stop"
	}
	return retry.Until(ctx, s.retry.WithMsg(msg, s.name), func() (bool, error) {
		ok, err := s.IsOperational(ctx)
		if err != nil {
			return false, err
		}
		return ok == operational, nil
	})
}

func (s *Service) emit(typ string) {
	s.emitter.Emit(events.Event{Type: typ, Service: s.name})
}
