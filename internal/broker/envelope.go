package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidEnvelope is returned for envelopes missing required metadata.
var ErrInvalidEnvelope = errors.New("broker: invalid envelope")

type Meta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	// Type is the event name and version, e.g. task.execute.v1.
	Type string `json:"type"`
}

// Envelope is the wire shape of every message on the task exchange.
type Envelope struct {
	Meta Meta            `json:"meta"`
	Data json.RawMessage `json:"data"`
}

// NewEnvelope wraps an already-encoded payload. The id doubles as the AMQP
// message id so consumers can spot redeliveries.
func NewEnvelope(id, eventType, correlationID string, data []byte) Envelope {
	if id == "" {
		id = uuid.NewString()
	}
	return Envelope{
		Meta: Meta{
			ID:            id,
			CorrelationID: correlationID,
			Time:          time.Now().UTC(),
			Type:          eventType,
		},
		Data: data,
	}
}

func (e *Envelope) normalize(producer string) error {
	if e.Meta.ID == "" {
		return fmt.Errorf("%w: meta.id is required", ErrInvalidEnvelope)
	}
	if e.Meta.Type == "" {
		return fmt.Errorf("%w: meta.type is required", ErrInvalidEnvelope)
	}
	if e.Meta.CorrelationID == "" {
		e.Meta.CorrelationID = e.Meta.ID
	}
	if e.Meta.Producer == "" {
		e.Meta.Producer = producer
	}
	if e.Meta.Time.IsZero() {
		e.Meta.Time = time.Now().UTC()
	}
	if len(e.Data) == 0 {
		e.Data = json.RawMessage("null")
	}
	return nil
}

// Decode unmarshals the envelope data into T.
func Decode[T any](e Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s data: %w", e.Meta.Type, err)
	}
	return v, nil
}
