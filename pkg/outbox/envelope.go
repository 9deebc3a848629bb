package outbox

import (
	"encoding/json"
	"time"
)

// Actor sources.
const (
	SourceAPI       = "api"
	SourcePayPal    = "paypal"
	SourceReconcile = "reconcile"
)

// ActorRef names the user an event is about and the component that emitted it.
type ActorRef struct {
	UserID string `json:"userId"`
	Source string `json:"source,omitempty"`
}

// PayloadEnvelope is the JSON stored in outbox_events.payload and published
// verbatim as the Pub/Sub message body. Version selects the data decoder.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}
