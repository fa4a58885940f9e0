package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"genledger/internal/http/handlers"
	"genledger/internal/infra"
	"genledger/internal/middleware"
)

// Options configures the router around the handlers.
type Options struct {
	JWTSecret       string
	CORSOrigins     []string
	RateLimitPerMin int
	Logger          infra.Logger
	// Metrics serves /metrics when set; promhttp.Handler() in production.
	Metrics http.Handler
	// Mounts are extra handlers served under a path prefix that is stripped,
	// such as stored artifacts at /static.
	Mounts map[string]http.Handler
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.CORSOrigins),
	)

	r.Get("/v1/healthz", app.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	for prefix, h := range opts.Mounts {
		r.Mount(prefix, http.StripPrefix(prefix, h))
	}

	r.Post("/billing/webhook", app.BillingWebhook)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthJWT(opts.JWTSecret))
		if opts.RateLimitPerMin > 0 {
			r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
		}

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", app.JobsCreate)
			r.Get("/{id}/status", app.JobStatus)
			r.Post("/{id}/retry", app.JobRetry)
			r.Post("/{id}/refund", app.JobRefund)
		})
		r.Get("/credits", app.Credits)
		r.Post("/billing/verify", app.BillingVerify)
	})

	return r
}

// PrometheusHandler exposes the default registry.
func PrometheusHandler() http.Handler {
	return promhttp.Handler()
}
