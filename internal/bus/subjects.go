package bus

import (
	"strings"

	"fleetharness/internal/events"
)

// DefaultPrefix is the root of every subject the harness publishes on.
const DefaultPrefix = "fleet"

// Subject maps an event to its subject:
//
//	<prefix>.service.<service>.<event>   for service events
//	<prefix>.project.<event>             for project-wide events
//
// The "service." and "project." type prefixes are not repeated.
func Subject(prefix string, ev events.Event) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ev.Service != "" {
		return prefix + ".service." + token(ev.Service) + "." + strings.TrimPrefix(ev.Type, "service.")
	}
	return prefix + ".project." + strings.TrimPrefix(ev.Type, "project.")
}

// ServiceWildcard matches every event of one service.
func ServiceWildcard(prefix, service string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + ".service." + token(service) + ".>"
}

// AllWildcard matches everything under prefix.
func AllWildcard(prefix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + ".>"
}

// token keeps a name within one subject token.
func token(name string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(name)
}
