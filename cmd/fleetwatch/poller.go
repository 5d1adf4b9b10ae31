package main

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"fleetharness/internal/compose"
	"fleetharness/internal/metrics"
)

// StateSource reports the current state of a service.
type StateSource interface {
	ServiceState(ctx context.Context, service string) (compose.ServiceState, error)
}

// serviceStatus is the last observation of one service, as served on /status.
type serviceStatus struct {
	Service     string    `json:"service"`
	State       string    `json:"state"`
	Operational bool      `json:"operational"`
	Detail      string    `json:"detail,omitempty"`
	ObservedAt  time.Time `json:"observed_at"`
}

// poller inspects the watched services on an interval and keeps the
// fleet_service_* gauges current.
type poller struct {
	project string
	source  StateSource
	logger  *slog.Logger

	mu       sync.RWMutex
	services []string
	interval time.Duration
	last     map[string]serviceStatus
	reset    chan struct{}
}

func newPoller(project string, source StateSource, services []string, interval time.Duration, logger *slog.Logger) *poller {
	return &poller{
		project:  project,
		source:   source,
		services: services,
		interval: interval,
		last:     make(map[string]serviceStatus),
		reset:    make(chan struct{}, 1),
		logger:   logger.With("component", "poller"),
	}
}

// Reconfigure replaces the watched services and the interval. The next
// poll happens immediately.
func (p *poller) Reconfigure(services []string, interval time.Duration) {
	p.mu.Lock()
	p.services = services
	p.interval = interval
	for name := range p.last {
		if !slices.Contains(services, name) {
			delete(p.last, name)
		}
	}
	p.mu.Unlock()
	select {
	case p.reset <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled.
func (p *poller) Run(ctx context.Context) {
	for {
		p.PollOnce(ctx)

		p.mu.RLock()
		interval := p.interval
		p.mu.RUnlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.reset:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// PollOnce inspects every service once.
func (p *poller) PollOnce(ctx context.Context) {
	start := time.Now()
	p.mu.RLock()
	services := append([]string(nil), p.services...)
	p.mu.RUnlock()

	for _, name := range services {
		status := serviceStatus{Service: name, ObservedAt: time.Now()}
		st, err := p.source.ServiceState(ctx, name)
		switch {
		case errors.Is(err, compose.ErrNotFound):
			metrics.ObserveState(p.project, name, nil)
			status.State = metrics.StateMissing
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("inspect failed", "service", name, "error", err)
			continue
		default:
			metrics.ObserveState(p.project, name, &st)
			status.State = metrics.StateName(st)
			status.Operational = st.IsOperational()
			status.Detail = st.String()
		}

		p.mu.Lock()
		prev, seen := p.last[name]
		p.last[name] = status
		p.mu.Unlock()
		if !seen || prev.State != status.State {
			p.logger.Info("service state", "service", name, "state", status.State, "detail", status.Detail)
		}
	}
	metrics.PollDuration.Observe(time.Since(start).Seconds())
}

// Snapshot returns the last observation of every service in watch order.
func (p *poller) Snapshot() []serviceStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]serviceStatus, 0, len(p.services))
	for _, name := range p.services {
		if s, ok := p.last[name]; ok {
			out = append(out, s)
		}
	}
	return out
}
