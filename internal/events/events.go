package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/example/campus-transit/internal/models"
)

type Type string

const (
	RequestCreated         Type = "request.created"
	RequestClaimed         Type = "request.claimed"
	RequestStarted         Type = "request.started"
	RequestCompleted       Type = "request.completed"
	RequestCancelled       Type = "request.cancelled"
	RequestEstimated       Type = "request.estimated"
	RequestEstimateMissing Type = "request.estimate_missing"
)

// Event is the envelope written to the lifecycle topic, keyed by request id.
type Event struct {
	Type         Type                `json:"type"`
	RequestID    string              `json:"request_id"`
	Kind         models.Kind         `json:"kind"`
	Status       models.Status       `json:"status"`
	ActorID      string              `json:"actor_id,omitempty"`
	Origin       string              `json:"origin,omitempty"`
	Destination  string              `json:"destination,omitempty"`
	TrafficLevel models.TrafficLevel `json:"traffic_level,omitempty"`
	Version      int64               `json:"version"`
	At           time.Time           `json:"at"`
}

func FromRequest(t Type, r models.Request, actorID string, at time.Time) Event {
	return Event{
		Type:         t,
		RequestID:    r.ID,
		Kind:         r.Kind,
		Status:       r.Status,
		ActorID:      actorID,
		Origin:       r.Origin,
		Destination:  r.Destination,
		TrafficLevel: r.TrafficLevel,
		Version:      r.Version,
		At:           at.UTC(),
	}
}

type eventFields Event

type wireEvent struct {
	eventFields
	At string `json:"at"`
}

// MarshalJSON writes At in the same fixed-width layout as request timestamps.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{eventFields: eventFields(e), At: models.FormatTime(e.At)})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	out := Event(w.eventFields)
	if w.At != "" {
		at, err := models.ParseTime(w.At)
		if err != nil {
			return err
		}
		out.At = at
	}
	*e = out
	return nil
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops every event; used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
