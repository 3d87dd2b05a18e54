// Package api is the HTTP shell: routing, middleware, envelopes and the
// error-to-status mapping over the session engine.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wagate/wagate/internal/bus"
	"github.com/wagate/wagate/internal/config"
	"github.com/wagate/wagate/internal/registry"
	"github.com/wagate/wagate/internal/store"
	"github.com/wagate/wagate/internal/supervisor"
)

// Deps carries the collaborators the handlers need.
type Deps struct {
	Config     *config.Config
	Registry   *registry.Registry
	Supervisor *supervisor.Supervisor
	Store      *store.Store
	Hub        *bus.Hub
}

// NewRouter builds the full HTTP handler: operational endpoints at the root,
// the public API under the configured prefix.
func NewRouter(d Deps) http.Handler {
	h := &handlers{deps: d}

	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(securityHeaders)
	r.Use(requestMetrics)
	r.Use(spanRoute)
	r.Use(requestLogger)
	if d.Config.RateLimitRPS > 0 {
		r.Use(httprate.LimitByIP(d.Config.RateLimitRPS, time.Second))
	}

	r.Get("/healthz", h.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route(d.Config.RoutePrefix, func(r chi.Router) {
		r.Route("/api-keys", func(r chi.Router) {
			r.Use(adminOnly(d.Config.SecretKey))
			r.Get("/", h.listKeys)
			r.Post("/", h.createKey)
			r.Delete("/{key}", h.deactivateKey)
		})

		r.Route("/whatsapp", func(r chi.Router) {
			r.Get("/sessions", h.listSessions)
			r.Post("/sessions/{apiKey}/qr", h.getQR)
			r.Post("/sessions/{apiKey}/logout", h.logout)
			r.Get("/sessions/{apiKey}/status", h.status)
			r.Get("/sessions/{apiKey}/stream", h.stream)
			r.Post("/message/{apiKey}/send", h.send)
		})
	})

	return otelhttp.NewHandler(r, "wagate.http")
}
