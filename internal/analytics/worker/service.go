package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/angelmondragon/genstudio-backend/internal/analytics/router"
	"github.com/angelmondragon/genstudio-backend/internal/analytics/types"
	"github.com/angelmondragon/genstudio-backend/pkg/enums"
	"github.com/angelmondragon/genstudio-backend/pkg/logger"
	"github.com/angelmondragon/genstudio-backend/pkg/outbox"
	"github.com/angelmondragon/genstudio-backend/pkg/outbox/idempotency"
	"github.com/angelmondragon/genstudio-backend/pkg/outbox/registry"
)

// consumerName scopes this worker's idempotency keys.
const consumerName = "usage-analytics"

type Handler interface {
	Handle(ctx context.Context, envelope types.Envelope) error
}

type claimer interface {
	Claim(ctx context.Context, consumer string, eventID uuid.UUID) (idempotency.State, error)
	Complete(ctx context.Context, consumer string, eventID uuid.UUID) error
	Release(ctx context.Context, consumer string, eventID uuid.UUID) error
}

// Service consumes the usage subscription. Each event is claimed in Redis
// before it is handled, so concurrent redeliveries do not double count.
type Service struct {
	subscription *gcppubsub.Subscriber
	handler      Handler
	claims       claimer
	logg         *logger.Logger
}

func NewService(subscription *gcppubsub.Subscriber, handler Handler, claims claimer, logg *logger.Logger) (*Service, error) {
	switch {
	case subscription == nil:
		return nil, errors.New("analytics subscription is required")
	case handler == nil:
		return nil, errors.New("analytics handler is required")
	case claims == nil:
		return nil, errors.New("idempotency manager is required")
	case logg == nil:
		return nil, errors.New("logger is required")
	}
	return &Service{subscription: subscription, handler: handler, claims: claims, logg: logg}, nil
}

// Run receives until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	return s.subscription.Receive(ctx, func(ctx context.Context, msg *gcppubsub.Message) {
		if s.process(ctx, msg) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
}

// process reports whether msg should be acked. Malformed and unsupported
// events are acked so they do not cycle forever; anything that may succeed
// later is nacked.
func (s *Service) process(ctx context.Context, msg *gcppubsub.Message) bool {
	ctx = s.logg.WithField(ctx, "message_id", msg.ID)
	envelope, err := envelopeFrom(msg)
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "analytics.invalid_envelope")
		return true
	}
	ctx = s.logg.WithFields(ctx, map[string]any{
		"event_id":     envelope.EventID,
		"event_type":   envelope.EventType,
		"aggregate_id": envelope.AggregateID,
	})
	eventID, err := uuid.Parse(envelope.EventID)
	if err != nil {
		s.logg.Warn(ctx, "analytics.invalid_event_id")
		return true
	}

	state, err := s.claims.Claim(ctx, consumerName, eventID)
	switch {
	case err != nil:
		s.logg.Error(ctx, "analytics.claim_failed", err)
		return false
	case state == idempotency.Done:
		s.logg.Debug(ctx, "analytics.duplicate")
		return true
	case state == idempotency.InFlight:
		// The holder may still fail and release, so come back later.
		s.logg.Debug(ctx, "analytics.in_flight")
		return false
	}

	err = s.handler.Handle(ctx, envelope)
	switch {
	case err == nil:
		s.complete(ctx, eventID)
		s.logg.Info(ctx, "analytics.handled")
		return true
	case errors.Is(err, router.ErrUnsupportedEventType), errors.Is(err, registry.ErrEmptyPayload):
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "analytics.skipped")
		s.complete(ctx, eventID)
		return true
	default:
		s.logg.Error(ctx, "analytics.handler_failed", err)
		if err := s.claims.Release(context.WithoutCancel(ctx), consumerName, eventID); err != nil {
			s.logg.Error(ctx, "analytics.release_failed", err)
		}
		return false
	}
}

// complete failures are logged only. The pending marker expires and the
// BigQuery insert id absorbs the redelivery.
func (s *Service) complete(ctx context.Context, eventID uuid.UUID) {
	if err := s.claims.Complete(context.WithoutCancel(ctx), consumerName, eventID); err != nil {
		s.logg.Error(ctx, "analytics.complete_failed", err)
	}
}

// envelopeFrom rebuilds the usage envelope. Routing fields come from the
// message attributes set by the outbox publisher; the event id, time, actor
// and data come from the stored outbox envelope in the body.
func envelopeFrom(msg *gcppubsub.Message) (types.Envelope, error) {
	var stored outbox.PayloadEnvelope
	if err := json.Unmarshal(msg.Data, &stored); err != nil {
		return types.Envelope{}, fmt.Errorf("decode payload envelope: %w", err)
	}
	attr := func(name string) string { return strings.TrimSpace(msg.Attributes[name]) }

	eventType, err := enums.ParseOutboxEventType(attr("event_type"))
	if err != nil {
		return types.Envelope{}, fmt.Errorf("event_type: %w", err)
	}
	aggregateType, err := enums.ParseOutboxAggregateType(attr("aggregate_type"))
	if err != nil {
		return types.Envelope{}, fmt.Errorf("aggregate_type: %w", err)
	}
	env := types.Envelope{
		EventID:       strings.TrimSpace(stored.EventID),
		Version:       stored.Version,
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   attr("aggregate_id"),
		OccurredAt:    stored.OccurredAt.UTC(),
		Payload:       stored.Data,
	}
	if env.AggregateID == "" {
		return types.Envelope{}, errors.New("aggregate_id missing")
	}
	if env.EventID == "" {
		env.EventID = attr("event_id")
	}
	if env.EventID == "" {
		return types.Envelope{}, errors.New("event_id missing")
	}
	if stored.Actor != nil {
		env.UserID = stored.Actor.UserID
	}
	return env, nil
}
