// Command cron-worker runs the periodic jobs under a Redis leader lock.
package main

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/genstudio-backend/cmd/internal/boot"
	"github.com/angelmondragon/genstudio-backend/internal/credits"
	"github.com/angelmondragon/genstudio-backend/internal/cron"
	"github.com/angelmondragon/genstudio-backend/internal/gallery"
	"github.com/angelmondragon/genstudio-backend/internal/jobs"
	"github.com/angelmondragon/genstudio-backend/internal/reconcile"
	"github.com/angelmondragon/genstudio-backend/pkg/metrics"
	"github.com/angelmondragon/genstudio-backend/pkg/outbox"
	"github.com/angelmondragon/genstudio-backend/pkg/replicate"
	"github.com/angelmondragon/genstudio-backend/pkg/storage/gcs"
)

func main() {
	p := boot.Start("cron-worker")
	cfg, logg := p.Config, p.Logger
	ctx, stop := p.Context()
	defer stop()
	defer p.Close(context.WithoutCancel(ctx))

	dbClient := p.Database(ctx)
	redisClient := p.Redis(ctx)
	gcsClient, err := gcs.NewClient(ctx, cfg.GCS, cfg.GCP, logg)
	p.Must(ctx, "gcs", err)
	p.Track("gcs", gcsClient)
	replicateClient, err := replicate.NewClient(cfg.Replicate, logg)
	p.Must(ctx, "replicate", err)

	genMetrics := metrics.NewGenerationMetrics(prometheus.DefaultRegisterer)
	outboxRepo := outbox.NewRepository(dbClient.DB())

	ledger, err := credits.NewService(credits.NewRepository(dbClient.DB()), dbClient, genMetrics, logg)
	p.Must(ctx, "credits ledger", err)
	jobService, err := jobs.NewService(jobs.NewRepository(dbClient.DB()), dbClient)
	p.Must(ctx, "job registry", err)
	reconciler, err := reconcile.NewService(reconcile.Deps{
		Jobs:        jobService,
		Ledger:      ledger,
		Gallery:     gallery.NewRepository(dbClient.DB()),
		Predictions: replicateClient,
		Tx:          dbClient,
		Outbox:      outbox.NewService(outboxRepo, logg),
		Metrics:     genMetrics,
		Logger:      logg,
		Storage:     gcsClient,
		Rehost:      cfg.FeatureFlags.RehostOutputs,
	})
	p.Must(ctx, "reconciler", err)
	sweeper, err := reconcile.NewSweeper(reconciler, jobService, reconcile.SweeperOptions{
		BatchSize:          cfg.Reconcile.SweepBatchSize,
		Workers:            cfg.Reconcile.SweepWorkers,
		RetireMissingAfter: cfg.Reconcile.RetireMissingAfter,
		Logger:             logg,
	})
	p.Must(ctx, "sweeper", err)

	recoveryJob, err := cron.NewActiveJobsRecoveryJob(logg, sweeper)
	p.Must(ctx, "active jobs recovery job", err)
	retentionJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:    logg,
		DB:        dbClient,
		Events:    outboxRepo,
		DLQ:       outbox.NewDLQRepository(dbClient.DB()),
		Retention: cfg.Outbox.Retention,
	})
	p.Must(ctx, "outbox retention job", err)

	registry := cron.NewRegistry(recoveryJob)
	p.Must(ctx, "register outbox retention", registry.RegisterEvery(retentionJob, cfg.Outbox.RetentionEvery))
	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey("cron-worker"), 0)
	p.Must(ctx, "cron lock", err)

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Reconcile.SweepInterval,
	})
	p.Must(ctx, "cron service", err)

	logg.Info(ctx, "cron.started")
	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.Must(ctx, "run cron", err)
	}
	logg.Info(ctx, "cron.stopped")
}
