package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/genstudio-backend/internal/analytics/router"
	"github.com/angelmondragon/genstudio-backend/internal/analytics/types"
	"github.com/angelmondragon/genstudio-backend/pkg/enums"
	"github.com/angelmondragon/genstudio-backend/pkg/logger"
	"github.com/angelmondragon/genstudio-backend/pkg/outbox"
	"github.com/angelmondragon/genstudio-backend/pkg/outbox/idempotency"
	"github.com/angelmondragon/genstudio-backend/pkg/outbox/registry"
)

type stubHandler struct {
	called   bool
	envelope types.Envelope
	err      error
}

func (h *stubHandler) Handle(_ context.Context, envelope types.Envelope) error {
	h.called = true
	h.envelope = envelope
	return h.err
}

type stubClaims struct {
	state     idempotency.State
	claimErr  error
	claimed   []uuid.UUID
	completed []uuid.UUID
	released  []uuid.UUID
}

func (s *stubClaims) Claim(_ context.Context, _ string, eventID uuid.UUID) (idempotency.State, error) {
	s.claimed = append(s.claimed, eventID)
	return s.state, s.claimErr
}

func (s *stubClaims) Complete(_ context.Context, _ string, eventID uuid.UUID) error {
	s.completed = append(s.completed, eventID)
	return nil
}

func (s *stubClaims) Release(_ context.Context, _ string, eventID uuid.UUID) error {
	s.released = append(s.released, eventID)
	return nil
}

func newTestService(handler Handler, claims *stubClaims) *Service {
	return &Service{
		handler: handler,
		claims:  claims,
		logg:    logger.New(logger.Options{ServiceName: "analytics-test"}),
	}
}

func message(stored outbox.PayloadEnvelope, attrs map[string]string) *gcppubsub.Message {
	data, _ := json.Marshal(stored)
	return &gcppubsub.Message{ID: "msg-1", Data: data, Attributes: attrs}
}

func purchaseMessage() *gcppubsub.Message {
	return message(outbox.PayloadEnvelope{
		Version:    outbox.PayloadVersion,
		EventID:    uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Data:       json.RawMessage(`{"paymentId":"PAYID-123","credits":72}`),
	}, map[string]string{
		"event_type":     "credits_purchased",
		"aggregate_type": "payment",
		"aggregate_id":   "PAYID-123",
	})
}

func TestEnvelopeFromMessage(t *testing.T) {
	occurred := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := message(outbox.PayloadEnvelope{
		Version:    outbox.PayloadVersion,
		EventID:    "evt-1",
		OccurredAt: occurred,
		Actor:      &outbox.ActorRef{UserID: "u1", Source: outbox.SourceAPI},
		Data:       json.RawMessage(`{"predictionId":"pred-1"}`),
	}, map[string]string{
		"event_type":     "generation_submitted",
		"aggregate_type": " generation_job ",
		"aggregate_id":   "pred-1",
	})

	env, err := envelopeFrom(msg)

	require.NoError(t, err)
	assert.Equal(t, types.Envelope{
		EventID:       "evt-1",
		Version:       outbox.PayloadVersion,
		EventType:     enums.EventGenerationSubmitted,
		AggregateType: enums.AggregateGenerationJob,
		AggregateID:   "pred-1",
		UserID:        "u1",
		OccurredAt:    occurred,
		Payload:       json.RawMessage(`{"predictionId":"pred-1"}`),
	}, env)
}

func TestEnvelopeFromMessageFallsBackToEventIDAttribute(t *testing.T) {
	msg := message(outbox.PayloadEnvelope{Data: json.RawMessage(`{}`)}, map[string]string{
		"event_type":     "credits_purchased",
		"aggregate_type": "payment",
		"aggregate_id":   "PAYID-1",
		"event_id":       "evt-attr",
	})
	env, err := envelopeFrom(msg)
	require.NoError(t, err)
	assert.Equal(t, "evt-attr", env.EventID)
}

func TestProcessOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		claims     stubClaims
		handlerErr error
		wantAck    bool
		wantCalled bool
		completed  int
		released   int
	}{
		{name: "success completes", wantAck: true, wantCalled: true, completed: 1},
		{name: "already done acks", claims: stubClaims{state: idempotency.Done}, wantAck: true},
		{name: "in flight nacks", claims: stubClaims{state: idempotency.InFlight}},
		{name: "claim error nacks", claims: stubClaims{claimErr: errors.New("redis down")}},
		{name: "handler error releases", handlerErr: errors.New("bq down"), wantCalled: true, released: 1},
		{name: "unsupported completes", handlerErr: router.ErrUnsupportedEventType, wantAck: true, wantCalled: true, completed: 1},
		{name: "empty payload completes", handlerErr: fmt.Errorf("%w for x", registry.ErrEmptyPayload), wantAck: true, wantCalled: true, completed: 1},
		{name: "unknown version releases", handlerErr: fmt.Errorf("%w for x v2", registry.ErrNoDecoder), wantCalled: true, released: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := tt.claims
			handler := &stubHandler{err: tt.handlerErr}
			svc := newTestService(handler, &claims)

			assert.Equal(t, tt.wantAck, svc.process(context.Background(), purchaseMessage()))
			assert.Equal(t, tt.wantCalled, handler.called)
			assert.Len(t, claims.claimed, 1)
			assert.Len(t, claims.completed, tt.completed)
			assert.Len(t, claims.released, tt.released)
		})
	}
}

func TestProcessAcksMalformedMessagesWithoutClaiming(t *testing.T) {
	unknownType := message(outbox.PayloadEnvelope{EventID: uuid.NewString(), Data: json.RawMessage(`{}`)}, map[string]string{
		"event_type":     "order_created",
		"aggregate_type": "payment",
		"aggregate_id":   "PAYID-1",
	})
	badEventID := message(outbox.PayloadEnvelope{EventID: "not-a-uuid", Data: json.RawMessage(`{}`)}, map[string]string{
		"event_type":     "credits_purchased",
		"aggregate_type": "payment",
		"aggregate_id":   "PAYID-1",
	})
	for name, msg := range map[string]*gcppubsub.Message{
		"invalid json":       {Data: []byte("invalid json")},
		"unknown event type": unknownType,
		"bad event id":       badEventID,
	} {
		t.Run(name, func(t *testing.T) {
			claims := &stubClaims{}
			handler := &stubHandler{}
			svc := newTestService(handler, claims)

			assert.True(t, svc.process(context.Background(), msg))
			assert.False(t, handler.called)
			assert.Empty(t, claims.claimed)
		})
	}
}
