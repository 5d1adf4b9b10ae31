package compose

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/errdefs"
)

// Labels compose puts on every container it creates.
const (
	LabelProject = "com.docker.compose.project"
	LabelService = "com.docker.compose.service"
	LabelNumber  = "com.docker.compose.container-number"
)

// Engine is the subset of the Docker Engine API the controller inspects
// containers with. *client.Client satisfies it.
type Engine interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
}

// findContainer returns the ID of the service's first container, including
// stopped ones.
func findContainer(ctx context.Context, engine Engine, project, service string) (string, error) {
	f := filters.NewArgs(
		filters.Arg("label", LabelProject+"="+project),
		filters.Arg("label", LabelService+"="+service),
	)
	containers, err := engine.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: f,
	})
	if err != nil {
		return "", fmt.Errorf("list containers of service %q: %w", service, err)
	}
	if len(containers) == 0 {
		return "", fmt.Errorf("container of service %q in project %q: %w", service, project, ErrNotFound)
	}
	best := containers[0]
	for _, c := range containers[1:] {
		if c.Labels[LabelNumber] == "1" {
			best = c
			break
		}
	}
	return best.ID, nil
}

// inspectContainer inspects one container of the service. A container that
// vanished since it was listed, as when compose recreates it, is ErrNotFound.
func inspectContainer(ctx context.Context, engine Engine, service, id string) (types.ContainerJSON, error) {
	info, err := engine.ContainerInspect(ctx, id)
	if errdefs.IsNotFound(err) {
		return info, fmt.Errorf("inspect container of service %q: %w: %w", service, ErrNotFound, err)
	}
	if err != nil {
		return info, fmt.Errorf("inspect container of service %q: %w", service, err)
	}
	return info, nil
}

// stateFromInspect converts an inspect response into a ServiceState. A
// container without a health check gets an absent health.
func stateFromInspect(info types.ContainerJSON) ServiceState {
	if info.ContainerJSONBase == nil || info.State == nil {
		return NewServiceState("unknown", 0, HealthNone, "")
	}
	st := info.State
	health, details := HealthNone, ""
	if st.Health != nil && st.Health.Status != "none" {
		health = st.Health.Status
		if n := len(st.Health.Log); n > 0 && st.Health.Log[n-1] != nil {
			details = strings.TrimSpace(st.Health.Log[n-1].Output)
		}
	}
	return NewServiceState(st.Status, st.ExitCode, health, details)
}
