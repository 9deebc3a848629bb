package registry

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/angelmondragon/genstudio-backend/pkg/config"
	"github.com/angelmondragon/genstudio-backend/pkg/db/models"
	"github.com/angelmondragon/genstudio-backend/pkg/enums"
	"github.com/angelmondragon/genstudio-backend/pkg/outbox"
)

// EventDescriptor says which aggregate an event type belongs to and where
// it is published.
type EventDescriptor struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	Topic         string
}

// ResolvedEvent is an outbox row that passed validation, with its data decoded.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    any
}

// EventRegistry knows every event type the outbox may carry.
type EventRegistry struct {
	entries  map[enums.OutboxEventType]EventDescriptor
	decoders *Decoders
}

// NonRetryableError marks a row that will never publish as stored. The
// dispatcher dead-letters it instead of retrying.
type NonRetryableError struct {
	Err error
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error { return e.Err }

func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

func unresolvable(format string, args ...any) error {
	return NonRetryableError{Err: fmt.Errorf(format, args...)}
}

// NewEventRegistry routes every generation and payment event to the usage
// topic, which the analytics worker consumes.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	topic := cfg.UsageTopic
	if topic == "" {
		return nil, errors.New("usage topic is required")
	}
	descriptors := []EventDescriptor{
		{enums.EventGenerationSubmitted, enums.AggregateGenerationJob, topic},
		{enums.EventGenerationSucceeded, enums.AggregateGenerationJob, topic},
		{enums.EventGenerationFailed, enums.AggregateGenerationJob, topic},
		{enums.EventCreditsPurchased, enums.AggregatePayment, topic},
	}
	reg := &EventRegistry{
		entries:  make(map[enums.OutboxEventType]EventDescriptor, len(descriptors)),
		decoders: PayloadDecoders(),
	}
	for _, desc := range descriptors {
		reg.entries[desc.EventType] = desc
	}
	return reg, nil
}

// Resolve checks the row against its descriptor and decodes the envelope
// data. Every failure is a NonRetryableError.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.entries[event.EventType]
	switch {
	case !ok:
		return nil, unresolvable("unsupported event type %s", event.EventType)
	case desc.AggregateType != event.AggregateType:
		return nil, unresolvable("%s belongs to %s aggregates, row says %s", event.EventType, desc.AggregateType, event.AggregateType)
	case event.AggregateID == "":
		return nil, unresolvable("%s row %s has no aggregate id", event.EventType, event.ID)
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		return nil, unresolvable("decode envelope of row %s: %w", event.ID, err)
	}
	if envelope.EventID == "" {
		return nil, unresolvable("%s envelope has no event id", event.EventType)
	}
	payload, err := r.decoders.Decode(event.EventType, envelope.Version, envelope.Data)
	if err != nil {
		return nil, NonRetryableError{Err: err}
	}
	return &ResolvedEvent{Descriptor: desc, Envelope: envelope, Payload: payload}, nil
}
