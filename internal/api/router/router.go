// Package router assembles the public HTTP surface: carrier webhooks, the
// order intake webhook, job polling, health, metrics, and the ops dashboard.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/apexrad/radsched/internal/http/handlers"
	httpmiddleware "github.com/apexrad/radsched/internal/http/middleware"
	"github.com/apexrad/radsched/internal/ops"
	"github.com/apexrad/radsched/pkg/logging"
)

// Config carries the wired handlers. Nil entries leave their routes off the
// router, so a stripped-down deploy can still mount health and metrics.
type Config struct {
	Logger         *logging.Logger
	SMSWebhooks    *handlers.SMSWebhookHandler
	OrderWebhook   *handlers.OrderWebhookHandler
	JobStatus      *handlers.JobStatusHandler
	Dashboard      *ops.DashboardHandler
	MetricsHandler http.Handler
}

// New builds the chi router with the standard middleware stack.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/healthz", handlers.Health)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	if cfg.SMSWebhooks != nil {
		r.Route("/webhooks/sms", func(r chi.Router) {
			r.Post("/twilio", cfg.SMSWebhooks.HandleTwilio)
			r.Post("/telnyx", cfg.SMSWebhooks.HandleTelnyx)
		})
	}
	if cfg.OrderWebhook != nil {
		r.Post("/webhooks/orders", cfg.OrderWebhook.Handle)
	}
	if cfg.JobStatus != nil {
		r.Get("/jobs/{id}", cfg.JobStatus.Get)
	}
	if cfg.Dashboard != nil {
		r.Route("/ops", func(r chi.Router) {
			r.Use(withTenantScope)
			r.Get("/dashboard", cfg.Dashboard.GetDashboard)
		})
	}

	return r
}
