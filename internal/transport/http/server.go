// Package http provides the HTTP transport layer for gnssbus.
//
// Routes:
//
//	GET    /health
//	GET    /instances
//	POST   /cmds
//	GET    /cmds/{id}                       ?source=store reads the durable row
//	GET    /cmds/external/{ext}
//	POST   /cmds/{id}/sent
//	POST   /cmds/{id}/ack
//	POST   /cmds/{id}/completed
//	POST   /events/online-offline
//	POST   /events/alarm
//	POST   /topics/{topic}/events
//	GET    /topics/{topic}/listeners
//	GET    /topics/{topic}/ws
//	POST   /topics/{topic}/subscriptions
//	GET    /subscriptions
//	DELETE /subscriptions/{id}
//	GET    /metrics
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snehjoshi/gnssbus/internal/broker"
	"github.com/snehjoshi/gnssbus/internal/config"
	"github.com/snehjoshi/gnssbus/internal/eventbus"
	"github.com/snehjoshi/gnssbus/internal/metrics"
	transportws "github.com/snehjoshi/gnssbus/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with gnssbus route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server from a Broker. reg may be nil.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(b *broker.Broker, cfg *config.Config, reg *metrics.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{broker: b}
	ws := &transportws.Handler{
		Bus:     b.Bus(),
		TopicOf: func(r *http.Request) string { return chi.URLParam(r, "topic") },
		Logger:  logger,
	}

	r := chi.NewRouter()
	// request id → access log → recover → CORS → body limit → auth → rate-limit
	r.Use(
		requestIDMiddleware,
		accessLogMiddleware(logger, reg),
		recoverMiddleware(logger),
		corsMiddleware(cfg.HTTP.AllowedOrigins),
		maxBodyMiddleware,
		authMiddleware(cfg.Auth),
		rateLimitMiddleware(cfg.HTTP),
	)

	r.Get("/health", h.health)
	r.Get("/instances", h.instances)

	r.Route("/cmds", func(r chi.Router) {
		r.Post("/", h.createCmd)
		r.Get("/external/{ext}", h.getCmdByExternalID)
		r.Get("/{id}", h.getCmd)
		r.Post("/{id}/sent", h.markSent)
		r.Post("/{id}/ack", h.markAck)
		r.Post("/{id}/completed", h.markCompleted)
	})

	r.Post("/events/online-offline", h.ingest(eventbus.TopicOnlineOfflineNotif))
	r.Post("/events/alarm", h.ingest(eventbus.TopicEvent))

	r.Route("/topics/{topic}", func(r chi.Router) {
		r.Post("/events", h.publishEvent)
		r.Get("/listeners", h.listeners)
		r.Method(http.MethodGet, "/ws", ws)
		r.Post("/subscriptions", h.createSubscription)
	})

	r.Get("/subscriptions", h.listSubscriptions)
	r.Delete("/subscriptions/{id}", h.deleteSubscription)

	if reg != nil {
		r.Method(http.MethodGet, "/metrics", reg.Handler())
	}

	return &Server{
		inner: &http.Server{
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
