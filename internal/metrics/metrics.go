package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetharness/internal/compose"
	"fleetharness/internal/events"
)

var (
	ServiceState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_service_state",
		Help: "1 if the service is in the given state",
	}, []string{"project", "service", "state"})

	ServiceOperational = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_service_operational",
		Help: "1 if the service is running and healthy",
	}, []string{"project", "service"})

	ServiceExitCode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_service_exit_code",
		Help: "Exit code of the last exited container of the service",
	}, []string{"project", "service"})

	RetryExhaustedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_retry_exhausted_total",
		Help: "Readiness waits that ran out of attempts",
	}, []string{"project", "service"})

	CommandFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_command_failures_total",
		Help: "Compose commands that failed",
	}, []string{"project"})

	ProgramEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_program_events_total",
		Help: "Supervisor program restarts, reloads and interrupts",
	}, []string{"service", "event"})

	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_events_total",
		Help: "Lifecycle events by type",
	}, []string{"type"})

	PollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_poll_duration_seconds",
		Help:    "Time to inspect every watched service once",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		ServiceState,
		ServiceOperational,
		ServiceExitCode,
		RetryExhaustedTotal,
		CommandFailuresTotal,
		ProgramEventsTotal,
		EventsTotal,
		PollDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// States reported by fleet_service_state. "missing" means no container.
const (
	StateMissing   = "missing"
	StateStarting  = "starting"
	StateRunning   = "running"
	StateUnhealthy = "unhealthy"
	StatePaused    = "paused"
	StateExited    = "exited"
)

var allStates = []string{StateMissing, StateStarting, StateRunning, StateUnhealthy, StatePaused, StateExited}

func setServiceState(project, service, state string) {
	for _, s := range allStates {
		v := float64(0)
		if s == state {
			v = 1
		}
		ServiceState.WithLabelValues(project, service, s).Set(v)
	}
}

// StateName maps an observation onto one of the reported states. Raw engine
// statuses outside the known set count as starting.
func StateName(st compose.ServiceState) string {
	switch {
	case st.IsExited(), st.Status() == compose.StatusDead:
		return StateExited
	case st.IsPaused():
		return StatePaused
	case st.IsRunning() && st.IsUnhealthy():
		return StateUnhealthy
	case st.IsRunning() && st.IsHealthy():
		return StateRunning
	default:
		return StateStarting
	}
}

// ObserveState records one poll of a service. A nil state means the service
// has no container.
func ObserveState(project, service string, st *compose.ServiceState) {
	if st == nil {
		setServiceState(project, service, StateMissing)
		ServiceOperational.WithLabelValues(project, service).Set(0)
		return
	}
	setServiceState(project, service, StateName(*st))
	op := float64(0)
	if st.IsOperational() {
		op = 1
	}
	ServiceOperational.WithLabelValues(project, service).Set(op)
	if st.IsExited() {
		ServiceExitCode.WithLabelValues(project, service).Set(float64(st.ExitCode()))
	}
}

// RegisterEventHandler wires metric updates to the event emitter.
func RegisterEventHandler(emitter *events.Emitter) {
	emitter.OnEvent(func(ev events.Event) {
		EventsTotal.WithLabelValues(ev.Type).Inc()
		switch ev.Type {
		case events.ServiceOperational:
			setServiceState(ev.Project, ev.Service, StateRunning)
			ServiceOperational.WithLabelValues(ev.Project, ev.Service).Set(1)
		case events.ServiceUnhealthy:
			setServiceState(ev.Project, ev.Service, StateUnhealthy)
			ServiceOperational.WithLabelValues(ev.Project, ev.Service).Set(0)
		case events.ServiceStarting:
			setServiceState(ev.Project, ev.Service, StateStarting)
			ServiceOperational.WithLabelValues(ev.Project, ev.Service).Set(0)
		case events.ServicePaused:
			setServiceState(ev.Project, ev.Service, StatePaused)
			ServiceOperational.WithLabelValues(ev.Project, ev.Service).Set(0)
		case events.ServiceExited:
			setServiceState(ev.Project, ev.Service, StateExited)
			ServiceOperational.WithLabelValues(ev.Project, ev.Service).Set(0)
		case events.RetryExhausted:
			RetryExhaustedTotal.WithLabelValues(ev.Project, ev.Service).Inc()
		case events.CommandFailed:
			CommandFailuresTotal.WithLabelValues(ev.Project).Inc()
		case events.ProgramRestarted, events.ProgramReloaded, events.ProgramInterrupted:
			ProgramEventsTotal.WithLabelValues(ev.Service, ev.Type).Inc()
		}
	})
}
