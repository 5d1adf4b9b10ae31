package compose

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCommandFailed is matched by every *CommandError.
	ErrCommandFailed = errors.New("command failed")
	// ErrNotFound means a service container, network attachment or port
	// mapping does not exist.
	ErrNotFound = errors.New("not found")
	// ErrParse means a command produced output that could not be parsed.
	ErrParse = errors.New("unexpected command output")
	// ErrServiceExited is returned when waiting on a service whose container
	// has already exited.
	ErrServiceExited = errors.New("service exited")
)

// CommandError describes an external command that exited non-zero, or that
// could not be started at all (ExitCode -1, Err set).
type CommandError struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "command %q", strings.Join(e.Args, " "))
	if e.Err != nil {
		fmt.Fprintf(&b, " could not run: %v", e.Err)
		return b.String()
	}
	fmt.Fprintf(&b, " exited with code %d", e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, "\nstderr:\n%s", s)
	}
	if s := strings.TrimSpace(e.Stdout); s != "" {
		fmt.Fprintf(&b, "\nstdout:\n%s", s)
	}
	return b.String()
}

func (e *CommandError) Is(target error) bool {
	return target == ErrCommandFailed
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
