package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JasSra/henchmen/internal/auth"
	"github.com/JasSra/henchmen/internal/dispatcher"
	"github.com/JasSra/henchmen/internal/logbroker"
	"github.com/JasSra/henchmen/internal/registry"
	"github.com/JasSra/henchmen/internal/store"
	"github.com/JasSra/henchmen/internal/webhook"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor
// signature manageable as the number of dependencies grows.
type RouterConfig struct {
	Store      *store.Store
	Registry   *registry.Registry
	Dispatcher *dispatcher.Dispatcher
	Broker     *logbroker.Broker
	Translator *webhook.Translator
	Tokens     *auth.TokenManager
	Logger     *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router. The
// versioned API lives under /v1; /health and /metrics sit at the root
// for probes and scrapers.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID per request, used in logs for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and size.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	agentHandler := NewAgentHandler(cfg.Registry, cfg.Dispatcher, cfg.Broker, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Store, cfg.Dispatcher, cfg.Broker, cfg.Logger)
	hostHandler := NewHostHandler(cfg.Registry, cfg.Logger)
	webhookHandler := NewWebhookHandler(cfg.Translator, cfg.Logger)
	sessionHandler := NewSessionHandler(cfg.Store, cfg.Logger)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		Ok(w, envelope{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {

		// --- Agent protocol ---
		// Registration is open; everything else an agent calls is behind
		// the token it was issued.
		r.Post("/agents/register", agentHandler.Register)

		r.Group(func(r chi.Router) {
			r.Use(AuthenticateAgent(cfg.Tokens))
			r.Post("/agents/{id}/heartbeat", agentHandler.Heartbeat)
			r.Post("/agents/{id}/jobs/{job_id}", agentHandler.Ack)
			r.Post("/agents/{id}/jobs/{job_id}/logs", agentHandler.PostLogs)
		})

		// --- Operator surface ---
		r.Get("/hosts", hostHandler.List)

		r.Post("/jobs", jobHandler.Create)
		r.Get("/jobs", jobHandler.List)
		r.Get("/jobs/{id}", jobHandler.Get)
		r.Delete("/jobs/{id}", jobHandler.Cancel)
		r.Get("/jobs/{id}/logs/stream", jobHandler.StreamLogs)

		// --- Webhook ingress ---
		r.Post("/webhooks/github", webhookHandler.Receive)

		// --- Chat sessions ---
		r.Post("/sessions", sessionHandler.Create)
		r.Get("/sessions", sessionHandler.List)
		r.Get("/sessions/{id}", sessionHandler.Get)
		r.Delete("/sessions/{id}", sessionHandler.Delete)
		r.Post("/sessions/{id}/archive", sessionHandler.Archive)
		r.Delete("/sessions/{id}/archive", sessionHandler.Unarchive)
		r.Post("/sessions/{id}/messages", sessionHandler.AppendMessage)
		r.Get("/sessions/{id}/messages", sessionHandler.ListMessages)
	})

	return r
}
