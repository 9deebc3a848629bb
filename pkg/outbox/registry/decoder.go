package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/angelmondragon/genstudio-backend/pkg/enums"
	"github.com/angelmondragon/genstudio-backend/pkg/outbox"
	"github.com/angelmondragon/genstudio-backend/pkg/outbox/payloads"
)

// ErrNoDecoder is returned for an event type and envelope version pair that
// this build does not understand.
var ErrNoDecoder = errors.New("no payload decoder")

// ErrEmptyPayload is returned when the envelope data is missing or null.
var ErrEmptyPayload = errors.New("empty event payload")

type decoderKey struct {
	eventType enums.OutboxEventType
	version   int
}

// Decoders turn envelope data into typed payloads. Both the outbox
// dispatcher and the analytics consumer decode through the same table, so
// a new payload version is added in one place.
type Decoders struct {
	byKey map[decoderKey]func() any
}

func add[T any](d *Decoders, eventType enums.OutboxEventType, version int) {
	d.byKey[decoderKey{eventType, version}] = func() any { return new(T) }
}

// PayloadDecoders knows every payload this build emits.
func PayloadDecoders() *Decoders {
	d := &Decoders{byKey: make(map[decoderKey]func() any)}
	add[payloads.GenerationSubmittedEvent](d, enums.EventGenerationSubmitted, outbox.PayloadVersion)
	add[payloads.GenerationSucceededEvent](d, enums.EventGenerationSucceeded, outbox.PayloadVersion)
	add[payloads.GenerationFailedEvent](d, enums.EventGenerationFailed, outbox.PayloadVersion)
	add[payloads.CreditsPurchasedEvent](d, enums.EventCreditsPurchased, outbox.PayloadVersion)
	return d
}

func (d *Decoders) Has(eventType enums.OutboxEventType, version int) bool {
	_, ok := d.byKey[decoderKey{eventType, version}]
	return ok
}

// Decode returns a pointer to the payload struct for eventType at version.
func (d *Decoders) Decode(eventType enums.OutboxEventType, version int, data json.RawMessage) (any, error) {
	newPayload, ok := d.byKey[decoderKey{eventType, version}]
	if !ok {
		return nil, fmt.Errorf("%w for %s v%d", ErrNoDecoder, eventType, version)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, fmt.Errorf("%w for %s", ErrEmptyPayload, eventType)
	}
	payload := newPayload()
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("decode %s v%d payload: %w", eventType, version, err)
	}
	return payload, nil
}
