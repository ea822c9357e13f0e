package events

import (
	"errors"
	"time"
)

// Payload is implemented by every event payload. The topic is carried by the
// payload itself so that emitters cannot publish a payload on the wrong topic.
type Payload interface {
	// EventTopic returns the canonical topic this payload travels on.
	EventTopic() Topic

	// Validate reports whether the payload is well formed. The bus calls this
	// on every emit and refuses delivery on error.
	Validate() error
}

// Envelope carries the fields every payload must include: the origin service
// and the emit timestamp. Embed it by value in payload structs.
type Envelope struct {
	// ServiceName identifies the emitting service.
	ServiceName string `json:"service_name"`

	// Timestamp is when the event was emitted. Serialized as RFC 3339.
	Timestamp time.Time `json:"timestamp"`
}

// NewEnvelope returns an Envelope stamped with the current time.
func NewEnvelope(service string) Envelope {
	return Envelope{ServiceName: service, Timestamp: time.Now().UTC()}
}

// Origin returns the emitting service's name.
func (e Envelope) Origin() string { return e.ServiceName }

// EmittedAt returns the emit timestamp.
func (e Envelope) EmittedAt() time.Time { return e.Timestamp }

// validateEnvelope checks the common fields shared by all payloads.
func (e Envelope) validateEnvelope() error {
	var errs []error
	if e.ServiceName == "" {
		errs = append(errs, errors.New("service_name is required"))
	}
	if e.Timestamp.IsZero() {
		errs = append(errs, errors.New("timestamp is required"))
	}
	return errors.Join(errs...)
}
