package router

import (
	"context"
	"fmt"

	cbigquery "cloud.google.com/go/bigquery"

	"github.com/angelmondragon/genstudio-backend/internal/analytics/types"
	"github.com/angelmondragon/genstudio-backend/internal/analytics/writer"
	"github.com/angelmondragon/genstudio-backend/pkg/outbox/payloads"
)

type usageHandler struct {
	writer Writer
	build  func(row *types.UsageRow, payload any) error
}

func (h usageHandler) Handle(ctx context.Context, envelope types.Envelope, payload any) error {
	raw, err := writer.EncodeJSON(envelope.Payload)
	if err != nil {
		return err
	}
	row := types.UsageRow{
		EventID:       envelope.EventID,
		EventType:     string(envelope.EventType),
		OccurredAt:    envelope.OccurredAt.UTC(),
		UserID:        envelope.UserID,
		AggregateType: string(envelope.AggregateType),
		AggregateID:   envelope.AggregateID,
		Payload:       raw,
	}
	if err := h.build(&row, payload); err != nil {
		return err
	}
	return h.writer.InsertUsage(ctx, row)
}

func submittedRow(row *types.UsageRow, payload any) error {
	event, ok := payload.(*payloads.GenerationSubmittedEvent)
	if !ok {
		return unexpectedPayload(payload)
	}
	setUser(row, event.UserID)
	row.Kind = nullString(string(event.Kind))
	row.Model = nullString(event.Model)
	row.Status = nullString(string(event.Status))
	row.CreditsDelta = -int64(event.CreditCost)
	return nil
}

func succeededRow(row *types.UsageRow, payload any) error {
	event, ok := payload.(*payloads.GenerationSucceededEvent)
	if !ok {
		return unexpectedPayload(payload)
	}
	setUser(row, event.UserID)
	row.Kind = nullString(string(event.Kind))
	row.Model = nullString(event.Model)
	row.Status = nullString("succeeded")
	return nil
}

func failedRow(row *types.UsageRow, payload any) error {
	event, ok := payload.(*payloads.GenerationFailedEvent)
	if !ok {
		return unexpectedPayload(payload)
	}
	setUser(row, event.UserID)
	row.Kind = nullString(string(event.Kind))
	row.Model = nullString(event.Model)
	row.Status = nullString(string(event.Status))
	row.CreditsDelta = int64(event.RefundedCredits)
	return nil
}

func purchasedRow(row *types.UsageRow, payload any) error {
	event, ok := payload.(*payloads.CreditsPurchasedEvent)
	if !ok {
		return unexpectedPayload(payload)
	}
	setUser(row, event.UserID)
	row.Status = nullString("completed")
	row.CreditsDelta = int64(event.Credits)
	row.AmountUSD = nullString(event.Amount)
	return nil
}

// setUser prefers the payload's user over the envelope actor.
func setUser(row *types.UsageRow, userID string) {
	if userID != "" {
		row.UserID = userID
	}
}

func nullString(value string) cbigquery.NullString {
	return cbigquery.NullString{StringVal: value, Valid: value != ""}
}

func unexpectedPayload(payload any) error {
	return fmt.Errorf("unexpected payload type %T", payload)
}
