package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/prohmpiriya/conference-registration/internal/domain"
)

// Envelope wraps a command with its delivery metadata
type Envelope struct {
	Command domain.Command
	// DeliverAt delays delivery; the zero value means immediately
	DeliverAt     time.Time
	CorrelationID string
}

// NewEnvelope wraps cmd for immediate delivery
func NewEnvelope(cmd domain.Command) Envelope {
	return Envelope{Command: cmd}
}

// Delayed wraps cmd for delivery no earlier than at
func Delayed(cmd domain.Command, at time.Time) Envelope {
	return Envelope{Command: cmd, DeliverAt: at}
}

// WithCorrelation returns a copy of the envelope carrying correlationID
func (e Envelope) WithCorrelation(correlationID string) Envelope {
	e.CorrelationID = correlationID
	return e
}

// IsDue reports whether the envelope may be delivered at now
func (e Envelope) IsDue(now time.Time) bool {
	return e.DeliverAt.IsZero() || !e.DeliverAt.After(now)
}

type envelopeJSON struct {
	Type          string          `json:"type"`
	Command       json.RawMessage `json:"command"`
	DeliverAt     *time.Time      `json:"deliver_at,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Command == nil {
		return nil, fmt.Errorf("envelope has no command")
	}
	body, err := json.Marshal(e.Command)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command %s: %w", e.Command.CommandType(), err)
	}

	out := envelopeJSON{
		Type:          e.Command.CommandType(),
		Command:       body,
		CorrelationID: e.CorrelationID,
	}
	if !e.DeliverAt.IsZero() {
		at := e.DeliverAt.UTC()
		out.DeliverAt = &at
	}
	return json.Marshal(out)
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var in envelopeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("failed to decode envelope: %w", err)
	}

	cmd, err := domain.DecodeCommand(in.Type, in.Command)
	if err != nil {
		return err
	}

	*e = Envelope{Command: cmd, CorrelationID: in.CorrelationID}
	if in.DeliverAt != nil {
		e.DeliverAt = *in.DeliverAt
	}
	return nil
}
