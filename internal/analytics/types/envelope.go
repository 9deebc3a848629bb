package types

import (
	"encoding/json"
	"time"

	"github.com/angelmondragon/genstudio-backend/pkg/enums"
)

// Envelope is a usage event rebuilt from a Pub/Sub message: routing fields
// come from the message attributes, the rest from the outbox payload.
type Envelope struct {
	EventID       string
	Version       int
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	AggregateID   string
	UserID        string
	OccurredAt    time.Time
	Payload       json.RawMessage
}
