// Command outbox-publisher relays committed outbox rows to Pub/Sub.
package main

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/genstudio-backend/cmd/internal/boot"
	"github.com/angelmondragon/genstudio-backend/pkg/metrics"
	"github.com/angelmondragon/genstudio-backend/pkg/outbox"
	"github.com/angelmondragon/genstudio-backend/pkg/outbox/registry"
	"github.com/angelmondragon/genstudio-backend/pkg/pubsub"
)

func main() {
	p := boot.Start("outbox-publisher")
	cfg, logg := p.Config, p.Logger
	ctx, stop := p.Context()
	defer stop()
	defer p.Close(context.WithoutCancel(ctx))

	dbClient := p.Database(ctx)
	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, pubsub.RolePublisher, logg)
	p.Must(ctx, "pubsub", err)
	p.Track("pubsub", pubsubClient)

	events, err := registry.NewEventRegistry(cfg.PubSub)
	p.Must(ctx, "event registry", err)
	service, err := NewService(ServiceParams{
		Outbox:        cfg.Outbox,
		Logger:        logg,
		DB:            dbClient,
		PubSub:        pubsubClient,
		Repository:    outbox.NewRepository(dbClient.DB()),
		Registry:      events,
		DLQRepository: outbox.NewDLQRepository(dbClient.DB()),
		Metrics:       metrics.NewOutboxMetrics(prometheus.DefaultRegisterer),
	})
	p.Must(ctx, "outbox publisher", err)

	logg.Info(logg.WithField(ctx, "batch_size", cfg.Outbox.BatchSize), "outbox.publisher_started")
	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.Must(ctx, "publish outbox", err)
	}
	logg.Info(ctx, "outbox.publisher_stopped")
}
