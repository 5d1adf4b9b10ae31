// Package watcher follows Docker engine events for the containers of one
// compose project and reports them as lifecycle events.
package watcher

import (
	"context"
	"fmt"
	"log/slog"

	dockerevents "github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"

	"fleetharness/internal/compose"
	"fleetharness/internal/events"
)

// EventSource is the part of the Docker client the watcher needs.
// *client.Client satisfies it.
type EventSource interface {
	Events(ctx context.Context, options dockerevents.ListOptions) (<-chan dockerevents.Message, <-chan error)
}

// Watcher subscribes to container events of one project.
type Watcher struct {
	docker  EventSource
	project string
	emitter *events.Emitter
	logger  *slog.Logger
}

func New(docker EventSource, project string, emitter *events.Emitter, logger *slog.Logger) *Watcher {
	return &Watcher{
		docker:  docker,
		project: project,
		emitter: emitter,
		logger:  logger.With("component", "docker-watcher", "project", project),
	}
}

// Watch blocks until ctx is cancelled or the event stream fails. It returns
// nil on cancellation.
func (w *Watcher) Watch(ctx context.Context) error {
	f := filters.NewArgs(
		filters.Arg("type", string(dockerevents.ContainerEventType)),
		filters.Arg("label", compose.LabelProject+"="+w.project),
	)
	msgCh, errCh := w.docker.Events(ctx, dockerevents.ListOptions{Filters: f})

	w.logger.Info("watching Docker events")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("docker watcher stopped")
			return nil
		case err := <-errCh:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("docker events: %w", err)
		case msg := <-msgCh:
			w.handleEvent(msg)
		}
	}
}

func (w *Watcher) handleEvent(msg dockerevents.Message) {
	if msg.Type != dockerevents.ContainerEventType {
		return
	}
	attrs := msg.Actor.Attributes
	if attrs[compose.LabelProject] != w.project {
		return
	}
	service := attrs[compose.LabelService]
	if service == "" {
		return
	}

	var fields map[string]string
	var typ string
	switch msg.Action {
	case dockerevents.ActionStart:
		typ = events.ServiceStarting
	case dockerevents.ActionDie:
		typ = events.ServiceExited
		fields = map[string]string{"exit_code": attrs["exitCode"]}
	case dockerevents.ActionHealthStatusHealthy:
		typ = events.ServiceOperational
	case dockerevents.ActionHealthStatusUnhealthy:
		typ = events.ServiceUnhealthy
	case dockerevents.ActionPause:
		typ = events.ServicePaused
	case dockerevents.ActionUnPause:
		typ = events.ServiceUnpaused
	case dockerevents.ActionRestart:
		typ = events.ServiceRestarted
	default:
		return
	}

	id := msg.Actor.ID
	if len(id) > 12 {
		id = id[:12]
	}
	w.logger.Debug("container event", "action", msg.Action, "service", service, "id", id)
	w.emitter.Emit(events.Event{Type: typ, Project: w.project, Service: service, Fields: fields})
}
