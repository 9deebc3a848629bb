package payloads

import (
	"time"

	"github.com/angelmondragon/genstudio-backend/pkg/enums"
)

// GenerationSubmittedEvent is emitted once the job record exists.
type GenerationSubmittedEvent struct {
	PredictionID string                 `json:"predictionId"`
	UserID       string                 `json:"userId"`
	Kind         enums.GenerationKind   `json:"kind"`
	Model        string                 `json:"model"`
	CreditCost   int                    `json:"creditCost"`
	Status       enums.PredictionStatus `json:"status"`
	SubmittedAt  time.Time              `json:"submittedAt"`
}

// GenerationSucceededEvent is emitted when a succeeded prediction is stored
// in the gallery.
type GenerationSucceededEvent struct {
	PredictionID string               `json:"predictionId"`
	UserID       string               `json:"userId"`
	Kind         enums.GenerationKind `json:"kind"`
	Model        string               `json:"model"`
	CreditCost   int                  `json:"creditCost"`
	OutputURL    string               `json:"outputUrl"`
	CompletedAt  time.Time            `json:"completedAt"`
}

// GenerationFailedEvent is emitted when a failed or canceled prediction has
// been refunded.
type GenerationFailedEvent struct {
	PredictionID    string                 `json:"predictionId"`
	UserID          string                 `json:"userId"`
	Kind            enums.GenerationKind   `json:"kind"`
	Model           string                 `json:"model"`
	Status          enums.PredictionStatus `json:"status"`
	Error           string                 `json:"error"`
	RefundedCredits int                    `json:"refundedCredits"`
	CompletedAt     time.Time              `json:"completedAt"`
}

// CreditsPurchasedEvent is emitted when a completed payment is credited.
type CreditsPurchasedEvent struct {
	PaymentID   string    `json:"paymentId"`
	UserID      string    `json:"userId"`
	Credits     int       `json:"credits"`
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	Balance     int       `json:"balance"`
	CompletedAt time.Time `json:"completedAt"`
}
