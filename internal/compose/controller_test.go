package compose

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetharness/internal/events"
	"fleetharness/internal/retry"
)

func TestNewValidates(t *testing.T) {
	ctx := context.Background()
	static := StaticBinary("docker", "compose")
	engine := newFakeEngine("p")

	_, err := New(ctx, Config{Files: []string{"c.yaml"}, Detector: static}, nil, engine, quietLogger())
	assert.Error(t, err)
	_, err = New(ctx, Config{ProjectName: "p", Detector: static}, nil, engine, quietLogger())
	assert.Error(t, err)
	_, err = New(ctx, Config{ProjectName: "p", Files: []string{"c.yaml"}, Detector: static}, nil, nil, quietLogger())
	assert.Error(t, err)

	detectErr := errors.New("no compose")
	_, err = New(ctx, Config{ProjectName: "p", Files: []string{"c.yaml"}, Detector: func(context.Context, Runner) ([]string, error) {
		return nil, detectErr
	}}, nil, engine, quietLogger())
	assert.ErrorIs(t, err, detectErr)
}

func TestStartOrdering(t *testing.T) {
	tests := []struct {
		name  string
		pull  bool
		build bool
		want  [][]string
	}{
		{"up only", false, false, [][]string{{"up", "-d", "server"}}},
		{"pull", true, false, [][]string{{"pull", "server"}, {"up", "-d", "server"}}},
		{"build", false, true, [][]string{{"build", "server"}, {"up", "-d", "server"}}},
		{"pull build", true, true, [][]string{{"pull", "server"}, {"build", "server"}, {"up", "-d", "server"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, runner, _ := newTestController(t, Config{Pull: tt.pull, Build: tt.build})
			require.NoError(t, c.Start(context.Background(), "server"))
			assert.Equal(t, tt.want, runner.verbs())
		})
	}
}

func TestStartStopsOnFailure(t *testing.T) {
	c, runner, _ := newTestController(t, Config{Pull: true, Build: true})
	runner.results["pull"] = Result{ExitCode: 1, Stderr: "manifest unknown"}

	err := c.Start(context.Background(), "server")
	require.ErrorIs(t, err, ErrCommandFailed)
	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.ExitCode)
	assert.Equal(t, "manifest unknown", ce.Stderr)
	assert.Equal(t, [][]string{{"pull", "server"}}, runner.verbs())
}

func TestBuildKitEnvironment(t *testing.T) {
	c, runner, _ := newTestController(t, Config{Env: map[string]string{"STORK_TEST": "1"}})
	require.NoError(t, c.Build(context.Background(), "agent"))
	env := runner.last().Env
	assert.Contains(t, env, "DOCKER_BUILDKIT=1")
	assert.Contains(t, env, "COMPOSE_DOCKER_CLI_BUILD=1")
	assert.Contains(t, env, "STORK_TEST=1")
	assert.NotContains(t, runner.last().Args, "DOCKER_BUILDKIT=1")

	c, runner, _ = newTestController(t, Config{DisableBuildKit: true})
	require.NoError(t, c.Build(context.Background()))
	assert.Contains(t, runner.last().Env, "DOCKER_BUILDKIT=0")
	assert.Equal(t, []string{"build"}, verbArgs(runner.last().Args))
}

func TestEnvReplace(t *testing.T) {
	t.Setenv("FLEETHARNESS_LEAK", "yes")

	c, runner, _ := newTestController(t, Config{Env: map[string]string{"A": "1"}})
	require.NoError(t, c.Up(context.Background()))
	assert.Contains(t, runner.last().Env, "FLEETHARNESS_LEAK=yes")
	assert.Contains(t, runner.last().Env, "A=1")

	c, runner, _ = newTestController(t, Config{Env: map[string]string{"A": "1"}, ReplaceEnv: true})
	require.NoError(t, c.Up(context.Background()))
	assert.Equal(t, []string{"A=1"}, runner.last().Env)
}

func TestStopTearsDownWholeProject(t *testing.T) {
	c, runner, _ := newTestController(t, Config{})
	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, [][]string{{"down", "-v", "--remove-orphans"}}, runner.verbs())
}

func TestExecCheckErrors(t *testing.T) {
	c, runner, _ := newTestController(t, Config{})
	runner.results["exec"] = Result{ExitCode: 2, Stdout: "partial", Stderr: "boom"}

	_, err := c.Exec(context.Background(), "agent", []string{"cat", "/etc/kea/kea-dhcp4.conf"}, true)
	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 2, ce.ExitCode)
	assert.Equal(t, "partial", ce.Stdout)
	assert.Equal(t, "boom", ce.Stderr)

	res, err := c.Exec(context.Background(), "agent", []string{"cat", "/missing"}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, "boom", res.Stderr)
	assert.Equal(t, []string{"exec", "-T", "agent", "cat", "/missing"}, verbArgs(runner.last().Args))
}

func TestExecTransportFailure(t *testing.T) {
	c, runner, _ := newTestController(t, Config{})
	runner.errs["exec"] = errors.New("docker: not found")
	_, err := c.Exec(context.Background(), "agent", []string{"true"}, false)
	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, -1, ce.ExitCode)
}

func TestServiceExecAdapter(t *testing.T) {
	c, runner, _ := newTestController(t, Config{})
	runner.results["exec"] = Result{ExitCode: 0, Stdout: "123\n"}
	code, out, _, err := c.ServiceExec("agent").Exec(context.Background(), []string{"supervisorctl", "pid", "kea"})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "123\n", out)
	assert.Equal(t, []string{"exec", "-T", "agent", "supervisorctl", "pid", "kea"}, verbArgs(runner.last().Args))
}

func TestLogsEmptyIsNotAnError(t *testing.T) {
	c, runner, _ := newTestController(t, Config{})
	stdout, stderr, err := c.Logs(context.Background(), "server")
	require.NoError(t, err)
	assert.Empty(t, stdout)
	assert.Empty(t, stderr)
	assert.Equal(t, []string{"logs", "--no-color", "server"}, verbArgs(runner.last().Args))

	runner.results["logs"] = Result{Stdout: "server-1  | started\n"}
	stdout, _, err = c.Logs(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "server-1  | started\n", stdout)
	assert.Equal(t, []string{"logs", "--no-color"}, verbArgs(runner.last().Args))
}

func TestServices(t *testing.T) {
	c, runner, _ := newTestController(t, Config{})
	runner.results["config"] = Result{Stdout: "server\nagent-kea\n\npostgres\n"}
	got, err := c.Services(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"server", "agent-kea", "postgres"}, got)
}

func TestServiceState(t *testing.T) {
	c, _, engine := newTestController(t, Config{})

	engine.set("server", inspect(StatusRunning, 0, HealthUnhealthy, "connection refused"))
	st, err := c.ServiceState(context.Background(), "server")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st.Status())
	assert.True(t, st.IsUnhealthy())
	assert.Equal(t, "connection refused", st.HealthDetails())

	engine.set("agent", inspect(StatusRunning, 0, HealthNone, ""))
	st, err = c.ServiceState(context.Background(), "agent")
	require.NoError(t, err)
	assert.False(t, st.HasHealthcheck())
	assert.True(t, st.IsOperational())

	_, err = c.ServiceState(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIsOperational(t *testing.T) {
	c, _, engine := newTestController(t, Config{})
	engine.set("server", inspect(StatusRunning, 0, HealthHealthy, "ok"))
	ok, err := c.IsOperational(context.Background(), "server")
	require.NoError(t, err)
	assert.True(t, ok)

	engine.set("server", inspect(StatusPaused, 0, HealthHealthy, "ok"))
	ok, err = c.IsOperational(context.Background(), "server")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWaitForOperationalPolls(t *testing.T) {
	c, _, engine := newTestController(t, Config{})
	emitter := events.NewEmitter(quietLogger())
	var got []string
	emitter.OnEvent(func(ev events.Event) { got = append(got, ev.Type) })
	c.WithEmitter(emitter)

	engine.set("server",
		inspect(StatusCreated, 0, HealthStarting, ""),
		inspect(StatusRunning, 0, HealthStarting, ""),
		inspect(StatusRunning, 0, HealthHealthy, "ok"),
	)
	require.NoError(t, c.WaitForOperational(context.Background(), "server"))
	assert.Equal(t, 3, engine.inspects)
	assert.Contains(t, got, events.ServiceOperational)
}

func TestWaitForOperationalTimeout(t *testing.T) {
	c, _, engine := newTestController(t, Config{Retry: retry.Config{MaxTries: 3, SleepTime: time.Millisecond}})
	engine.set("server", inspect(StatusRunning, 0, HealthUnhealthy, "503"))

	err := c.WaitForOperational(context.Background(), "server")
	require.ErrorIs(t, err, retry.ErrTimeout)
	assert.Contains(t, err.Error(), `waiting for service "server" to become operational`)
	assert.Equal(t, 3, engine.inspects)
}

func TestWaitForOperationalMissingContainerRetries(t *testing.T) {
	c, _, _ := newTestController(t, Config{Retry: retry.Config{MaxTries: 2, SleepTime: time.Millisecond}})
	err := c.WaitForOperational(context.Background(), "server")
	assert.ErrorIs(t, err, retry.ErrTimeout)
}

func TestWaitForOperationalContainerRecreated(t *testing.T) {
	c, _, engine := newTestController(t, Config{})
	engine.set("server", inspect(StatusRunning, 0, HealthHealthy, "ok"))
	engine.vanish("server", 1)

	ok, err := c.IsOperational(context.Background(), "server")
	require.NoError(t, err)
	assert.False(t, ok)

	engine.vanish("server", 1)
	require.NoError(t, c.WaitForOperational(context.Background(), "server"))
	assert.Equal(t, 3, engine.inspects)
}

func TestWaitForOperationalExitedFailsFast(t *testing.T) {
	c, _, engine := newTestController(t, Config{})
	engine.set("server", inspect(StatusExited, 1, HealthNone, ""))
	err := c.WaitForOperational(context.Background(), "server")
	require.ErrorIs(t, err, ErrServiceExited)
	assert.NotErrorIs(t, err, retry.ErrTimeout)
	assert.Equal(t, 1, engine.inspects)
}

func TestBootstrapThenStop(t *testing.T) {
	c, runner, engine := newTestController(t, Config{})
	engine.set("server", inspect(StatusStarting, 0, HealthNone, ""), inspect(StatusRunning, 0, HealthHealthy, "ok"))

	require.NoError(t, c.Bootstrap(context.Background(), "server"))
	ok, err := c.IsOperational(context.Background(), "server")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Stop(context.Background()))
	engine.remove("server")
	ok, err = c.IsOperational(context.Background(), "server")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, slices.ContainsFunc(runner.verbs(), func(v []string) bool { return v[0] == "down" }))
}

func TestBootstrapAllServices(t *testing.T) {
	c, runner, engine := newTestController(t, Config{})
	runner.results["config"] = Result{Stdout: "a\nb\n"}
	engine.set("a", inspect(StatusRunning, 0, HealthNone, ""))
	engine.set("b", inspect(StatusRunning, 0, HealthNone, ""))
	require.NoError(t, c.Bootstrap(context.Background()))
	assert.Equal(t, [][]string{{"up", "-d"}, {"config", "--services"}}, runner.verbs())
}

func TestPortIsMemoized(t *testing.T) {
	c, runner, _ := newTestController(t, Config{})
	runner.results["port"] = Result{Stdout: "0.0.0.0:42080\n"}

	ep, err := c.Port(context.Background(), "server", 8080)
	require.NoError(t, err)
	assert.Equal(t, Endpoint{Host: "127.0.0.1", Port: 42080}, ep)
	assert.Equal(t, "127.0.0.1:42080", ep.String())

	runner.results["port"] = Result{Stdout: "0.0.0.0:1\n"}
	ep, err = c.Port(context.Background(), "server", 8080)
	require.NoError(t, err)
	assert.Equal(t, 42080, ep.Port)
	assert.Len(t, runner.verbs(), 1)

	_, err = c.Port(context.Background(), "server", 8081)
	require.NoError(t, err)
	assert.Len(t, runner.verbs(), 2)
}

func TestPortNotPublished(t *testing.T) {
	c, runner, _ := newTestController(t, Config{})
	runner.results["port"] = Result{Stdout: "\n"}
	_, err := c.Port(context.Background(), "server", 9999)
	assert.ErrorIs(t, err, ErrNotFound)

	runner.results["port"] = Result{Stdout: "garbage\n"}
	_, err = c.Port(context.Background(), "server", 9998)
	assert.ErrorIs(t, err, ErrParse)
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want Endpoint
	}{
		{"0.0.0.0:32768\n", Endpoint{"127.0.0.1", 32768}},
		{"[::]:32768\n", Endpoint{"::1", 32768}},
		{"127.0.0.1:8080", Endpoint{"127.0.0.1", 8080}},
		{"0.0.0.0:1000\n[::]:1000\n", Endpoint{"127.0.0.1", 1000}},
	}
	for _, tt := range tests {
		got, err := parseEndpoint(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestPauseUnpauseRestart(t *testing.T) {
	c, runner, _ := newTestController(t, Config{})
	ctx := context.Background()
	require.NoError(t, c.Pause(ctx, "postgres"))
	require.NoError(t, c.Unpause(ctx, "postgres"))
	require.NoError(t, c.Restart(ctx, "postgres"))
	assert.Equal(t, [][]string{{"pause", "postgres"}, {"unpause", "postgres"}, {"restart", "postgres"}}, runner.verbs())
}

func TestServiceIPAddress(t *testing.T) {
	c, _, engine := newTestController(t, Config{})
	engine.set("agent", inspect(StatusRunning, 0, HealthNone, ""))
	ctx := context.Background()

	ip, err := c.ServiceIPAddress(ctx, "agent", "storknet", 4)
	require.NoError(t, err)
	assert.Equal(t, "172.42.42.100", ip)

	ip, err = c.ServiceIPAddress(ctx, "agent", "storknet", 6)
	require.NoError(t, err)
	assert.Equal(t, "3009:db8:1:42::100", ip)

	ip, err = c.ServiceIPAddress(ctx, "agent", "bridge", 4)
	require.NoError(t, err)
	assert.Equal(t, "172.17.0.5", ip)

	_, err = c.ServiceIPAddress(ctx, "agent", "bridge", 6)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.ServiceIPAddress(ctx, "agent", "othernet", 4)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.ServiceIPAddress(ctx, "nobody", "storknet", 4)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.ServiceIPAddress(ctx, "agent", "storknet", 5)
	assert.Error(t, err)

	engine.vanish("agent", 1)
	_, err = c.ServiceIPAddress(ctx, "agent", "storknet", 4)
	assert.ErrorIs(t, err, ErrNotFound)
}
