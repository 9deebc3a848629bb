// Command analytics-worker streams usage events from Pub/Sub into BigQuery.
package main

import (
	"context"
	"errors"

	"github.com/angelmondragon/genstudio-backend/cmd/internal/boot"
	"github.com/angelmondragon/genstudio-backend/internal/analytics/router"
	"github.com/angelmondragon/genstudio-backend/internal/analytics/types"
	"github.com/angelmondragon/genstudio-backend/internal/analytics/worker"
	"github.com/angelmondragon/genstudio-backend/internal/analytics/writer"
	"github.com/angelmondragon/genstudio-backend/pkg/bigquery"
	"github.com/angelmondragon/genstudio-backend/pkg/outbox/idempotency"
	"github.com/angelmondragon/genstudio-backend/pkg/pubsub"
)

func main() {
	p := boot.Start("analytics-worker")
	cfg, logg := p.Config, p.Logger
	ctx, stop := p.Context()
	defer stop()
	defer p.Close(context.WithoutCancel(ctx))

	redisClient := p.Redis(ctx)

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, pubsub.RoleConsumer, logg)
	p.Must(ctx, "pubsub", err)
	p.Track("pubsub", pubsubClient)
	subscription := pubsubClient.UsageSubscription()

	usageSpec, err := types.UsageTableSpec(cfg.BigQuery.UsageTable)
	p.Must(ctx, "usage table schema", err)
	bqClient, err := bigquery.NewClient(ctx, cfg.GCP, cfg.BigQuery, logg, usageSpec)
	p.Must(ctx, "bigquery", err)
	p.Track("bigquery", bqClient)

	claims, err := idempotency.NewManager(redisClient, cfg.Eventing.OutboxIdempotencyTTL)
	p.Must(ctx, "idempotency manager", err)
	usageWriter, err := writer.New(bqClient, writer.Config{UsageTable: bqClient.UsageTable()})
	p.Must(ctx, "usage writer", err)
	usageRouter, err := router.NewRouter(usageWriter, logg, nil)
	p.Must(ctx, "usage router", err)
	service, err := worker.NewService(subscription, usageRouter, claims, logg)
	p.Must(ctx, "analytics worker", err)

	logg.Info(ctx, "analytics.started")
	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.Must(ctx, "receive usage events", err)
	}
	logg.Info(ctx, "analytics.stopped")
}
