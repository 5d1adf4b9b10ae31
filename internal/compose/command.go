package compose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// Command is one invocation of an external program.
type Command struct {
	Args []string
	Env  []string
	Dir  string
}

// Result is what a finished command printed and how it exited.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes commands. Run returns an error only when the command could
// not be run; a non-zero exit is reported through Result.ExitCode.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands as local subprocesses.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	if len(c.Args) == 0 {
		return Result{}, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}

// DetectFunc resolves the compose binary as an argument vector, for example
// ["docker", "compose"] or ["docker-compose"].
type DetectFunc func(ctx context.Context, r Runner) ([]string, error)

// DetectBinary prefers the docker CLI plugin and falls back to the
// standalone docker-compose binary.
func DetectBinary(ctx context.Context, r Runner) ([]string, error) {
	candidates := [][]string{
		{"docker", "compose"},
		{"docker-compose"},
	}
	for _, bin := range candidates {
		args := append(append([]string{}, bin...), "version")
		res, err := r.Run(ctx, Command{Args: args, Env: os.Environ()})
		if err == nil && res.ExitCode == 0 {
			return bin, nil
		}
	}
	return nil, fmt.Errorf("detect compose binary: neither \"docker compose\" nor \"docker-compose\" is usable: %w", ErrNotFound)
}

// StaticBinary returns a DetectFunc that always yields bin.
func StaticBinary(bin ...string) DetectFunc {
	return func(context.Context, Runner) ([]string, error) {
		return bin, nil
	}
}

// CommandBuilder holds the fixed part of every compose invocation for one
// project and appends verb-specific arguments.
type CommandBuilder struct {
	base []string
}

func NewCommandBuilder(binary []string, projectName, projectDir string, files []string, envFile string) CommandBuilder {
	base := append([]string{}, binary...)
	if projectDir != "" {
		base = append(base, "--project-directory", projectDir)
	}
	base = append(base, "-p", projectName)
	for _, f := range files {
		base = append(base, "-f", f)
	}
	if envFile != "" {
		base = append(base, "--env-file", envFile)
	}
	return CommandBuilder{base: base}
}

// WithFiles returns a builder that also passes the given compose files.
// File flags must precede the verb, so they are inserted into the base.
func (b CommandBuilder) WithFiles(files ...string) CommandBuilder {
	base := append([]string{}, b.base...)
	for _, f := range files {
		base = append(base, "-f", f)
	}
	return CommandBuilder{base: base}
}

// Args returns a fresh slice: base, then the given verb and arguments.
func (b CommandBuilder) Args(verb ...string) []string {
	out := make([]string, 0, len(b.base)+len(verb))
	out = append(out, b.base...)
	return append(out, verb...)
}

func (b CommandBuilder) Build(services ...string) []string {
	return b.Args(append([]string{"build"}, services...)...)
}

func (b CommandBuilder) Pull(services ...string) []string {
	return b.Args(append([]string{"pull"}, services...)...)
}

func (b CommandBuilder) Up(services ...string) []string {
	return b.Args(append([]string{"up", "-d"}, services...)...)
}

func (b CommandBuilder) Down() []string {
	return b.Args("down", "-v", "--remove-orphans")
}

func (b CommandBuilder) Exec(service string, command []string) []string {
	return b.Args(append([]string{"exec", "-T", service}, command...)...)
}

func (b CommandBuilder) Logs(service string) []string {
	if service == "" {
		return b.Args("logs", "--no-color")
	}
	return b.Args("logs", "--no-color", service)
}

func (b CommandBuilder) Port(service string, port int, protocol string) []string {
	args := []string{"port"}
	if protocol != "" && protocol != "tcp" {
		args = append(args, "--protocol", protocol)
	}
	return b.Args(append(args, service, fmt.Sprint(port))...)
}

func (b CommandBuilder) Pause(services ...string) []string {
	return b.Args(append([]string{"pause"}, services...)...)
}

func (b CommandBuilder) Unpause(services ...string) []string {
	return b.Args(append([]string{"unpause"}, services...)...)
}

func (b CommandBuilder) Restart(services ...string) []string {
	return b.Args(append([]string{"restart"}, services...)...)
}

func (b CommandBuilder) Services() []string {
	return b.Args("config", "--services")
}

// MergeEnv overlays overrides on base (KEY=VALUE entries). Existing keys keep
// their position; new keys are appended in sorted order.
func MergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if v, ok := overrides[key]; ok {
			if !seen[key] {
				out = append(out, key+"="+v)
				seen[key] = true
			}
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}
