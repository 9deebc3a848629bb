// Command api serves the generation, gallery, account and payment HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/genstudio-backend/api/controllers"
	"github.com/angelmondragon/genstudio-backend/api/routes"
	"github.com/angelmondragon/genstudio-backend/cmd/internal/boot"
	"github.com/angelmondragon/genstudio-backend/internal/credits"
	"github.com/angelmondragon/genstudio-backend/internal/gallery"
	"github.com/angelmondragon/genstudio-backend/internal/generation"
	"github.com/angelmondragon/genstudio-backend/internal/jobs"
	"github.com/angelmondragon/genstudio-backend/internal/payments"
	"github.com/angelmondragon/genstudio-backend/internal/reconcile"
	"github.com/angelmondragon/genstudio-backend/pkg/env"
	"github.com/angelmondragon/genstudio-backend/pkg/metrics"
	"github.com/angelmondragon/genstudio-backend/pkg/outbox"
	"github.com/angelmondragon/genstudio-backend/pkg/paypal"
	"github.com/angelmondragon/genstudio-backend/pkg/replicate"
	"github.com/angelmondragon/genstudio-backend/pkg/storage/gcs"
)

const shutdownTimeout = 20 * time.Second

func main() {
	p := boot.Start("api")
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
	paypalClient, err := paypal.NewClient(cfg.PayPal, logg)
	p.Must(ctx, "paypal", err)

	genMetrics := metrics.NewGenerationMetrics(prometheus.DefaultRegisterer)
	emitter := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)

	ledger, err := credits.NewService(credits.NewRepository(dbClient.DB()), dbClient, genMetrics, logg)
	p.Must(ctx, "credits service", err)
	jobService, err := jobs.NewService(jobs.NewRepository(dbClient.DB()), dbClient)
	p.Must(ctx, "job registry", err)
	galleryRepo := gallery.NewRepository(dbClient.DB())

	reconciler, err := reconcile.NewService(reconcile.Deps{
		Jobs:        jobService,
		Ledger:      ledger,
		Gallery:     galleryRepo,
		Predictions: replicateClient,
		Tx:          dbClient,
		Outbox:      emitter,
		Metrics:     genMetrics,
		Logger:      logg,
		Storage:     gcsClient,
		Rehost:      cfg.FeatureFlags.RehostOutputs,
	})
	p.Must(ctx, "reconciler", err)

	var tracker generation.Tracker
	var supervisor *reconcile.Supervisor
	if cfg.FeatureFlags.BackgroundPolling {
		watcher, err := reconcile.NewWatcher(reconciler, reconcile.WatchOptions{
			Interval:      cfg.Generation.PollInterval,
			MaxPollErrors: cfg.Generation.MaxPollErrors,
			Logger:        logg,
		})
		p.Must(ctx, "watcher", err)
		supervisor, err = reconcile.NewSupervisor(watcher, jobService, reconcile.SupervisorOptions{
			MaxConcurrent: cfg.Generation.MaxConcurrentWatches,
			WatchTimeout:  cfg.Generation.WatchTimeout,
			Metrics:       genMetrics,
			Logger:        logg,
		})
		p.Must(ctx, "watch supervisor", err)
		tracker = supervisor
	}

	generator, err := generation.NewService(generation.Deps{
		Ledger:            ledger,
		Jobs:              jobService,
		Predictions:       replicateClient,
		Tx:                dbClient,
		Outbox:            emitter,
		Storage:           gcsClient,
		Tracker:           tracker,
		Metrics:           genMetrics,
		Logger:            logg,
		CreateJobAttempts: cfg.Generation.CreateJobAttempts,
	})
	p.Must(ctx, "generation service", err)

	paymentService, err := payments.NewService(payments.Deps{
		Repo:          payments.NewRepository(dbClient.DB()),
		Ledger:        ledger,
		PayPal:        paypalClient,
		Guard:         redisClient,
		Tx:            dbClient,
		Outbox:        emitter,
		PublicBaseURL: cfg.App.PublicBaseURL,
		Currency:      cfg.PayPal.Currency,
		Logger:        logg,
	})
	p.Must(ctx, "payment service", err)

	if supervisor != nil {
		resumed, err := supervisor.Resume(ctx)
		if err != nil {
			logg.Error(ctx, "api.resume_watches_failed", err)
		} else {
			logg.Info(logg.WithField(ctx, "watches", resumed), "api.watches_resumed")
		}
	}

	addr := ":" + env.Get("PORT", cfg.App.Port)
	ctx = logg.WithField(ctx, "addr", addr)

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.Deps{
			Config:      cfg,
			Logger:      logg,
			Generation:  generator,
			Poller:      reconciler,
			Payments:    paymentService,
			Ledger:      ledger,
			Jobs:        jobService,
			Gallery:     galleryRepo,
			Idempotency: redisClient,
			RateLimiter: redisClient,
			Metrics:     prometheus.DefaultGatherer,
			Readiness: []controllers.Dependency{
				{Name: "db", Pinger: dbClient},
				{Name: "redis", Pinger: redisClient},
				{Name: "gcs", Pinger: gcsClient},
			},
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logg.Info(ctx, "api.listening")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.Must(ctx, "serve http", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error(shutdownCtx, "api.shutdown_failed", err)
	}
	if supervisor != nil {
		if err := supervisor.Stop(shutdownCtx); err != nil {
			logg.Error(shutdownCtx, "api.supervisor_stop_failed", err)
		}
	}
	logg.Info(shutdownCtx, "api.stopped")
}
