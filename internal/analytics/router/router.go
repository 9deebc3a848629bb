package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/angelmondragon/genstudio-backend/internal/analytics/types"
	"github.com/angelmondragon/genstudio-backend/pkg/enums"
	"github.com/angelmondragon/genstudio-backend/pkg/logger"
	"github.com/angelmondragon/genstudio-backend/pkg/outbox/registry"
)

var ErrUnsupportedEventType = errors.New("unsupported analytics event type")

// Writer delivers BigQuery rows produced by analytics handlers.
type Writer interface {
	InsertUsage(ctx context.Context, row types.UsageRow) error
}

// Handler receives an envelope plus its decoded payload.
type Handler interface {
	Handle(ctx context.Context, envelope types.Envelope, payload any) error
}

// Router decodes each usage envelope and hands it to the handler for its
// event type.
type Router struct {
	handlers map[enums.OutboxEventType]Handler
	decoders *registry.Decoders
	logg     *logger.Logger
}

// NewRouter maps every usage event to a row builder. overrides replace the
// handler of an already mapped event type; unknown types are ignored.
func NewRouter(writer Writer, logg *logger.Logger, overrides map[enums.OutboxEventType]Handler) (*Router, error) {
	if writer == nil {
		return nil, errors.New("writer is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	handlers := map[enums.OutboxEventType]Handler{
		enums.EventGenerationSubmitted: usageHandler{writer: writer, build: submittedRow},
		enums.EventGenerationSucceeded: usageHandler{writer: writer, build: succeededRow},
		enums.EventGenerationFailed:    usageHandler{writer: writer, build: failedRow},
		enums.EventCreditsPurchased:    usageHandler{writer: writer, build: purchasedRow},
	}
	for eventType, custom := range overrides {
		if _, ok := handlers[eventType]; ok && custom != nil {
			handlers[eventType] = custom
		}
	}
	return &Router{handlers: handlers, decoders: registry.PayloadDecoders(), logg: logg}, nil
}

func (r *Router) Handle(ctx context.Context, envelope types.Envelope) error {
	handler, ok := r.handlers[envelope.EventType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedEventType, envelope.EventType)
	}
	payload, err := r.decoders.Decode(envelope.EventType, envelope.Version, envelope.Payload)
	if err != nil {
		return err
	}
	return handler.Handle(ctx, envelope, payload)
}
