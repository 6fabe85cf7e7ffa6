// Package api exposes the gateway over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"facemoji/internal/config"
	"facemoji/internal/events"
	"facemoji/internal/gateway"
	"facemoji/internal/ratelimit"
	"facemoji/internal/telemetry"
)

// Limiter admits or rejects one request for a client key.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Subscriber streams a job's transitions.
type Subscriber interface {
	Subscribe(ctx context.Context, jobID string) (*events.Subscription, error)
}

// Server wires HTTP handlers for the submission API.
type Server struct {
	cfg     config.Config
	gw      *gateway.Gateway
	limiter Limiter
	events  Subscriber
	logger  *slog.Logger
}

// New constructs the API server. limiter and subscriber may be nil, which
// disables rate limiting and the event stream respectively.
func New(cfg config.Config, gw *gateway.Gateway, limiter Limiter, subscriber Subscriber, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		gw:      gw,
		limiter: limiter,
		events:  subscriber,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	if s.cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleStatus)
		r.Get("/{id}/result", s.handleResult)
		if s.events != nil {
			r.Get("/{id}/events", s.handleEvents)
		}
	})

	r.Post("/detect-face", s.handleDetect)
	r.Get("/emojis", s.handleEmojis)
	r.Get("/emojis/{expression}", s.handleRecommend)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
