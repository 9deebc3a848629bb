package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/genstudio-backend/api/controllers"
	"github.com/angelmondragon/genstudio-backend/api/middleware"
	"github.com/angelmondragon/genstudio-backend/internal/generation"
	"github.com/angelmondragon/genstudio-backend/internal/payments"
	"github.com/angelmondragon/genstudio-backend/internal/reconcile"
	"github.com/angelmondragon/genstudio-backend/pkg/config"
	"github.com/angelmondragon/genstudio-backend/pkg/logger"
	"github.com/angelmondragon/genstudio-backend/pkg/redis"
)

// Deps carries everything the HTTP surface serves from.
type Deps struct {
	Config *config.Config
	Logger *logger.Logger

	Generation generation.Service
	Poller     reconcile.Poller
	Payments   payments.Service
	Ledger     controllers.BalanceReader
	Jobs       controllers.ActiveJobLister
	Gallery    controllers.GalleryLister

	Idempotency redis.IdempotencyStore
	RateLimiter middleware.FixedWindowLimiter
	Metrics     prometheus.Gatherer
	Readiness   []controllers.Dependency
}

func NewRouter(d Deps) http.Handler {
	cfg, logg := d.Config, d.Logger
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, d.Readiness...))
	})

	gatherer := d.Metrics
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// The provider redirects the browser here without credentials.
	r.Get("/success", controllers.PaymentSuccess(d.Payments, cfg.App.FrontendURL, logg))
	r.Get("/cancel", controllers.PaymentCancel(d.Payments, cfg.App.FrontendURL, logg))

	generatePolicy := middleware.NewRateLimitPolicy(
		"generate",
		cfg.Generation.RateLimitWindow,
		cfg.Generation.RateLimitPerUser,
	)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Auth, logg))
		r.Use(middleware.Idempotency(d.Idempotency, logg))

		r.Group(func(r chi.Router) {
			r.Use(middleware.UserRateLimit(generatePolicy, d.RateLimiter, logg))
			r.Post("/generate-image", controllers.GenerateImage(d.Generation, logg))
			r.Post("/generate-video", controllers.GenerateVideo(d.Generation, logg))
		})

		r.Get("/check-status/{predictionId}", controllers.CheckStatus(d.Poller, logg))
		r.Post("/create-paypal-payment", controllers.CreatePayPalPayment(d.Payments, logg))
		r.Get("/credits", controllers.Credits(d.Ledger, logg))
		r.Get("/active-jobs", controllers.ActiveJobs(d.Jobs, logg))
		r.Get("/gallery/{kind}", controllers.Gallery(d.Gallery, logg))
	})

	return r
}
