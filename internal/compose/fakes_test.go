package compose

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/stretchr/testify/require"

	"fleetharness/internal/retry"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeRunner records compose invocations and answers them by verb.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []Command
	results map[string]Result
	errs    map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{results: make(map[string]Result), errs: make(map[string]error)}
}

// verbArgs strips the binary and the two-token base flags.
func verbArgs(args []string) []string {
	i := 2 // docker compose
	for i < len(args) && strings.HasPrefix(args[i], "-") {
		i += 2
	}
	return args[i:]
}

func (r *fakeRunner) Run(_ context.Context, c Command) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	verb := verbArgs(c.Args)
	if len(verb) == 0 {
		return Result{}, nil
	}
	if err := r.errs[verb[0]]; err != nil {
		return Result{}, err
	}
	return r.results[verb[0]], nil
}

func (r *fakeRunner) verbs() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]string
	for _, c := range r.calls {
		out = append(out, verbArgs(c.Args))
	}
	return out
}

func (r *fakeRunner) last() Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

// fakeEngine serves inspect responses per service. Each call to inspect
// consumes one state until only the last remains.
type fakeEngine struct {
	mu       sync.Mutex
	project  string
	states   map[string][]types.ContainerJSON
	misses   map[string]int
	inspects int
}

func newFakeEngine(project string) *fakeEngine {
	return &fakeEngine{project: project, states: make(map[string][]types.ContainerJSON), misses: make(map[string]int)}
}

// vanish makes the next n inspects of the service fail as if the listed
// container had been removed in between.
func (e *fakeEngine) vanish(service string, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.misses[service] = n
}

func (e *fakeEngine) set(service string, states ...types.ContainerJSON) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[service] = states
}

func (e *fakeEngine) remove(service string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, service)
}

func (e *fakeEngine) ContainerList(_ context.Context, opts container.ListOptions) ([]types.Container, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var service string
	projectOK := false
	for _, l := range opts.Filters.Get("label") {
		k, v, _ := strings.Cut(l, "=")
		switch k {
		case LabelProject:
			projectOK = v == e.project
		case LabelService:
			service = v
		}
	}
	if !projectOK || !opts.All {
		return nil, nil
	}
	if _, ok := e.states[service]; !ok {
		return nil, nil
	}
	return []types.Container{{
		ID:     "id-" + service,
		Labels: map[string]string{LabelProject: e.project, LabelService: service, LabelNumber: "1"},
	}}, nil
}

func (e *fakeEngine) ContainerInspect(_ context.Context, id string) (types.ContainerJSON, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inspects++
	service := strings.TrimPrefix(id, "id-")
	if e.misses[service] > 0 {
		e.misses[service]--
		return types.ContainerJSON{}, errdefs.NotFound(errors.New("No such container: " + id))
	}
	states := e.states[service]
	if len(states) == 0 {
		return types.ContainerJSON{}, nil
	}
	st := states[0]
	if len(states) > 1 {
		e.states[service] = states[1:]
	}
	return st, nil
}

func inspect(status string, exitCode int, health, details string) types.ContainerJSON {
	st := &types.ContainerState{Status: status, ExitCode: exitCode}
	if health != HealthNone {
		st.Health = &types.Health{
			Status: health,
			Log:    []*types.HealthcheckResult{{Output: "older check"}, {Output: details + "\n"}},
		}
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{State: st},
		NetworkSettings: &types.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{
				"systest_storknet": {IPAddress: "172.42.42.100", GlobalIPv6Address: "3009:db8:1:42::100"},
				"bridge":           {IPAddress: "172.17.0.5"},
			},
		},
	}
}

func newTestController(t *testing.T, cfg Config) (*Controller, *fakeRunner, *fakeEngine) {
	t.Helper()
	if cfg.ProjectName == "" {
		cfg.ProjectName = "systest"
	}
	if cfg.ProjectDir == "" {
		cfg.ProjectDir = t.TempDir()
	}
	if len(cfg.Files) == 0 {
		cfg.Files = []string{"docker-compose.yaml"}
	}
	if cfg.Detector == nil {
		cfg.Detector = StaticBinary("docker", "compose")
	}
	if cfg.Retry.MaxTries == 0 {
		cfg.Retry = retry.Config{MaxTries: 5, SleepTime: 5 * time.Millisecond}
	}
	runner := newFakeRunner()
	engine := newFakeEngine(cfg.ProjectName)
	c, err := New(context.Background(), cfg, runner, engine, quietLogger())
	require.NoError(t, err)
	return c, runner, engine
}
