// Package api implements the HTTP surface of the trip service.
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"tripnav/internal/auth"
	"tripnav/internal/config"
	"tripnav/internal/events"
	"tripnav/internal/store"
	"tripnav/internal/trip"
	"tripnav/internal/webhooks"
)

type Server struct {
	Trips  *trip.Service
	Store  store.Store
	Pub    *webhooks.Publisher
	Auth   *auth.Verifier
	Broker events.Broker
	Log    *slog.Logger
	Config config.Config

	limiter *rateLimiter

	// websocket keepalive
	wsReadTimeout  time.Duration
	wsPingInterval time.Duration
}

// NewServer wires the store and broker selected by cfg: Postgres when
// DatabaseURL is set (migrations are applied), otherwise in-memory; Redis
// pub/sub when RedisURL is set, otherwise an in-process broker.
func NewServer(cfg config.Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	var st store.Store
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		st = store.NewMemory()
	} else {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		st = pg
	}
	var broker events.Broker = events.NewMemoryBroker()
	if cfg.RedisURL != "" {
		rb, err := events.NewRedisBroker(cfg.RedisURL, log)
		if err != nil {
			log.Warn("redis broker unavailable, falling back to in-memory", "err", err)
		} else {
			broker = rb
		}
	}
	return NewServerWith(cfg, log, st, broker), nil
}

// NewServerWith builds a Server on an existing store and broker.
func NewServerWith(cfg config.Config, log *slog.Logger, st store.Store, broker events.Broker) *Server {
	if log == nil {
		log = slog.Default()
	}
	pub := webhooks.NewPublisher(st, log)
	return &Server{
		Trips: trip.NewService(trip.Deps{
			Store:          st,
			Events:         broker,
			Webhooks:       pub,
			Log:            log,
			Forms:          cfg.Forms,
			SaveRetries:    cfg.Trips.SaveRetries,
			GeofenceMeters: cfg.Trips.GeofenceMeters,
		}),
		Store:   st,
		Pub:     pub,
		Auth:    auth.NewVerifier(cfg.Auth),
		Broker:  broker,
		Log:     log,
		Config:  cfg,
		limiter: newRateLimiter(cfg.Rate),

		wsReadTimeout:  60 * time.Second,
		wsPingInterval: 20 * time.Second,
	}
}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
	return webhooks.NewWorker(s.Store, s.Config.Webhooks, s.Log)
}

// Close releases the store and broker connections.
func (s *Server) Close() error {
	var first error
	for _, c := range []any{s.Broker, s.Store} {
		if cl, ok := c.(io.Closer); ok {
			if err := cl.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// Handler returns the routed and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Trips
	s.route(mux, "POST /v1/trips", s.CreateTripHandler)
	s.route(mux, "GET /v1/trips", s.ListTripsHandler)
	s.route(mux, "GET /v1/trips/{id}", s.GetTripHandler)
	s.route(mux, "PUT /v1/trips/{id}/stops", s.ReplaceStopsHandler)
	s.route(mux, "POST /v1/trips/{id}/arrivals", s.ArrivalHandler)
	s.route(mux, "GET /v1/trips/{id}/eligibility", s.EligibilityHandler)
	s.route(mux, "POST /v1/trips/{id}/locations", s.ReportLocationHandler)
	s.route(mux, "GET /v1/trips/{id}/locations", s.LocationsHandler)
	s.route(mux, "POST /v1/trips/{id}/forms", s.SubmitFormHandler)
	s.route(mux, "GET /v1/trips/{id}/forms/pending", s.PendingFormsHandler)
	s.route(mux, "POST /v1/trips/{id}/complete", s.CompleteTripHandler)

	// Live streams
	s.route(mux, "GET /v1/trips/{id}/events/stream", s.TripEventsStreamHandler)
	s.route(mux, "GET /v1/trips/{id}/ws", s.TripWSHandler)

	// Subscriptions
	s.route(mux, "POST /v1/subscriptions", s.CreateSubscriptionHandler)
	s.route(mux, "GET /v1/subscriptions", s.ListSubscriptionsHandler)
	s.route(mux, "DELETE /v1/subscriptions/{id}", s.DeleteSubscriptionHandler)

	// Admin
	s.route(mux, "GET /v1/admin/webhook-deliveries", s.WebhookDeliveriesHandler)
	s.route(mux, "POST /v1/admin/webhook-deliveries/{id}/retry", s.WebhookDeliveryRetryHandler)
	s.route(mux, "GET /v1/admin/webhook-dlq", s.WebhookDLQHandler)
	s.route(mux, "POST /v1/admin/webhook-dlq/{id}/requeue", s.WebhookDLQRequeueHandler)

	// Ops
	s.route(mux, "GET /healthz", s.HealthHandler)
	s.route(mux, "GET /readyz", s.ReadyHandler)
	s.route(mux, "GET /debug/info", s.DebugJSON)
	mux.Handle("GET /metrics", metricsHandler())

	return s.logMiddleware(s.rateLimit(mux))
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, instrument(pattern, h))
}
