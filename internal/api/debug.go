package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tripnav/internal/buildinfo"
	"tripnav/internal/metrics"
)

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler pings Postgres and Redis when they back the server.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	type pinger interface {
		Ping(ctx context.Context) error
	}
	checks := map[string]any{"store": s.Store, "broker": s.Broker}
	for name, dep := range checks {
		pg, ok := dep.(pinger)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		err := pg.Ping(ctx)
		cancel()
		if err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", name+": "+err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	c := s.Config
	writeJSON(w, http.StatusOK, map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"port":               c.Port,
			"authMode":           c.Auth.Mode,
			"rateRps":            c.Rate.RPS,
			"rateBurst":          c.Rate.Burst,
			"webhookMaxAttempts": c.Webhooks.MaxAttempts,
			"tripSaveRetries":    c.Trips.SaveRetries,
			"logLevel":           c.Log.Level,
			"hasDatabaseUrl":     c.DatabaseURL != "",
			"hasRedisUrl":        c.RedisURL != "",
		},
	})
}

func metricsHandler() http.Handler {
	metrics.RegisterDefault()
	return promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
}
