// Package fleet wraps compose services with the readiness checks the system
// tests need: agents running daemons under supervisord, the web server and
// its database.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"fleetharness/internal/compose"
	"fleetharness/internal/retry"
)

// Controller is the part of *compose.Controller the wrappers use.
type Controller interface {
	WaitForOperational(ctx context.Context, service string) error
	Exec(ctx context.Context, service string, command []string, checkErrors bool) (compose.Result, error)
	Logs(ctx context.Context, service string) (string, string, error)
	Port(ctx context.Context, service string, port int) (compose.Endpoint, error)
	ServiceState(ctx context.Context, service string) (compose.ServiceState, error)
	RetryConfig() retry.Config
}

// Service is one compose service addressed by name.
type Service struct {
	Controller Controller
	Name       string
	Logger     *slog.Logger
}

func NewService(c Controller, name string, logger *slog.Logger) Service {
	return Service{Controller: c, Name: name, Logger: logger.With("service", name)}
}

func (s Service) WaitForOperational(ctx context.Context) error {
	return s.Controller.WaitForOperational(ctx, s.Name)
}

// Exec runs command in the service and fails on a non-zero exit.
func (s Service) Exec(ctx context.Context, command ...string) (compose.Result, error) {
	return s.Controller.Exec(ctx, s.Name, command, true)
}

// Logs returns stdout and stderr of the service joined together.
func (s Service) Logs(ctx context.Context) (string, error) {
	stdout, stderr, err := s.Controller.Logs(ctx, s.Name)
	if err != nil {
		return "", err
	}
	return stdout + stderr, nil
}

func (s Service) Port(ctx context.Context, port int) (compose.Endpoint, error) {
	return s.Controller.Port(ctx, s.Name, port)
}

func (s Service) State(ctx context.Context) (compose.ServiceState, error) {
	return s.Controller.ServiceState(ctx, s.Name)
}

// WaitForLog polls the service logs until substr shows up.
func (s Service) WaitForLog(ctx context.Context, substr string) error {
	cfg := s.Controller.RetryConfig().WithMsg("waiting for %q in logs of service %q", substr, s.Name)
	return retry.Until(ctx, cfg, func() (bool, error) {
		logs, err := s.Logs(ctx)
		if err != nil {
			return false, err
		}
		return strings.Contains(logs, substr), nil
	})
}

func (s Service) String() string { return s.Name }

// Waiter is anything with a readiness wait.
type Waiter interface {
	WaitForReady(ctx context.Context) error
}

// WaitAll runs the readiness waits in parallel and returns the first error.
// The remaining waits are cancelled once one fails.
func WaitAll(ctx context.Context, waiters ...Waiter) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range waiters {
		w := w
		g.Go(func() error {
			if err := w.WaitForReady(gctx); err != nil {
				return fmt.Errorf("wait for %v: %w", w, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// WaitForReady is WaitForOperational, so a plain service can join WaitAll.
func (s Service) WaitForReady(ctx context.Context) error {
	return s.WaitForOperational(ctx)
}
