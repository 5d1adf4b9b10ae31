package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"fleetharness/internal/events"
)

// Envelope is what goes on the wire for every published event.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// ServiceEventData is the payload of lifecycle events.
type ServiceEventData struct {
	Project string            `json:"project"`
	Service string            `json:"service,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// NewEnvelope creates an envelope with a generated ID.
func NewEnvelope(eventType, source string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// FromEvent wraps a lifecycle event, keeping its timestamp.
func FromEvent(source string, ev events.Event) (Envelope, error) {
	env, err := NewEnvelope(ev.Type, source, ServiceEventData{
		Project: ev.Project,
		Service: ev.Service,
		Fields:  ev.Fields,
	})
	if err != nil {
		return Envelope{}, err
	}
	if !ev.Timestamp.IsZero() {
		env.Timestamp = ev.Timestamp.UTC()
	}
	return env, nil
}

// Event decodes the payload back into a lifecycle event.
func (e Envelope) Event() (events.Event, error) {
	var d ServiceEventData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return events.Event{}, err
	}
	return events.Event{
		Type:      e.Type,
		Project:   d.Project,
		Service:   d.Service,
		Timestamp: e.Timestamp,
		Fields:    d.Fields,
	}, nil
}

func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}
