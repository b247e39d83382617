package kafka

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Header keys stamped on every record that carries an Envelope.
const (
	HeaderEventID      = "event-id"
	HeaderEventType    = "event-type"
	HeaderEventVersion = "event-version"
)

var eventNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("paycore.events"))

type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  int       `json:"event_version"`
	Source        string    `json:"source,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Enveloped is implemented by any payload embedding Envelope.
type Enveloped interface {
	EventEnvelope() Envelope
}

func (e Envelope) EventEnvelope() Envelope { return e }

func NewEnvelope(eventType string, version int, correlationID string) (Envelope, error) {
	return NewEnvelopeAt(uuid.NewString(), eventType, version, time.Now(), correlationID)
}

// NewEnvelopeAt stamps the envelope with the time the fact happened rather
// than the time it is published, so a replayed event is byte-identical.
func NewEnvelopeAt(eventID, eventType string, version int, at time.Time, correlationID string) (Envelope, error) {
	env := Envelope{
		EventID:       strings.TrimSpace(eventID),
		EventType:     strings.TrimSpace(eventType),
		EventVersion:  version,
		Timestamp:     at.UTC(),
		CorrelationID: correlationID,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// DeterministicEventID maps the parts identifying a logical event onto a
// stable UUIDv5 in the paycore event namespace.
func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(eventNamespace, []byte(joined)).String()
}

func (e Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("event_id is required")
	case e.EventType == "":
		return fmt.Errorf("event_type is required")
	case e.EventVersion <= 0:
		return fmt.Errorf("event_version must be positive")
	case e.Timestamp.IsZero():
		return fmt.Errorf("timestamp is required")
	}
	return nil
}
