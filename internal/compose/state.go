package compose

import "fmt"

// Container statuses reported by the engine.
const (
	StatusStarting   = "starting"
	StatusCreated    = "created"
	StatusRestarting = "restarting"
	StatusRunning    = "running"
	StatusPaused     = "paused"
	StatusExited     = "exited"
	StatusDead       = "dead"
)

// Health check results. An empty health means the service declares no
// health check.
const (
	HealthNone      = ""
	HealthStarting  = "starting"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// ServiceState is one observation of a service container. It is built fresh
// on every poll and never mutated.
type ServiceState struct {
	status        string
	exitCode      int
	health        string
	healthDetails string
}

func NewServiceState(status string, exitCode int, health, healthDetails string) ServiceState {
	return ServiceState{
		status:        status,
		exitCode:      exitCode,
		health:        health,
		healthDetails: healthDetails,
	}
}

func (s ServiceState) Status() string        { return s.status }
func (s ServiceState) ExitCode() int         { return s.exitCode }
func (s ServiceState) Health() string        { return s.health }
func (s ServiceState) HealthDetails() string { return s.healthDetails }

func (s ServiceState) IsRunning() bool { return s.status == StatusRunning }

func (s ServiceState) IsExited() bool { return s.status == StatusExited }

func (s ServiceState) IsPaused() bool { return s.status == StatusPaused }

// IsStarting is true while the container is being created or restarted.
func (s ServiceState) IsStarting() bool {
	switch s.status {
	case StatusStarting, StatusCreated, StatusRestarting:
		return true
	}
	return false
}

func (s ServiceState) HasHealthcheck() bool { return s.health != HealthNone }

// IsHealthy is vacuously true when there is no health check.
func (s ServiceState) IsHealthy() bool {
	return !s.HasHealthcheck() || s.health == HealthHealthy
}

func (s ServiceState) IsUnhealthy() bool { return s.health == HealthUnhealthy }

// IsOperational is the readiness predicate tests wait for.
func (s ServiceState) IsOperational() bool {
	return s.IsRunning() && s.IsHealthy()
}

// String renders only the fields relevant to the current state: the exit
// code for exited containers, health details for unhealthy ones.
func (s ServiceState) String() string {
	if s.IsExited() {
		return fmt.Sprintf("status=%s exit_code=%d", s.status, s.exitCode)
	}
	if s.IsUnhealthy() {
		return fmt.Sprintf("status=%s health=%s details=%s", s.status, s.health, s.healthDetails)
	}
	health := s.health
	if health == HealthNone {
		health = "none"
	}
	return fmt.Sprintf("status=%s health=%s", s.status, health)
}
