// Package api exposes the HTTP interface: the scraper batch-create entry
// point, owner-scoped target and source commands, and quota administration.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"offerwatch/internal/ingest"
	"offerwatch/internal/metrics"
	"offerwatch/internal/service"
)

// Options configures a Server.
type Options struct {
	// APIKey guards every /api route when non-empty.
	APIKey string
	// RequestTimeout bounds a single request. Zero disables the limit.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the application.
type Server struct {
	router  chi.Router
	svc     *service.Service
	engine  *ingest.Engine
	metrics metrics.Recorder
	log     *slog.Logger
}

// NewServer constructs a Server with middleware and routes. A nil gatherer
// leaves /metrics unmounted.
func NewServer(
	svc *service.Service,
	engine *ingest.Engine,
	rec metrics.Recorder,
	gatherer prometheus.Gatherer,
	opts Options,
	log *slog.Logger,
) *Server {
	if rec == nil {
		rec = metrics.Nop{}
	}
	s := &Server{svc: svc, engine: engine, metrics: rec, log: log}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	if opts.RequestTimeout > 0 {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
	}

	r.Get("/healthz", s.healthz)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))
	}

	r.Route("/api", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}

		r.Post("/offers/batch-create", s.batchCreate)

		r.Route("/admin/targets/{id}/quota", func(r chi.Router) {
			r.Get("/", s.getQuota)
			r.Put("/", s.setQuota)
		})

		r.Group(func(r chi.Router) {
			r.Use(userMiddleware)

			r.Get("/quota-status", s.quotaStatus)
			r.Post("/telegram-token", s.createTelegramToken)

			r.Route("/targets", func(r chi.Router) {
				r.Get("/", s.listTargets)
				r.Post("/", s.createTarget)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.getTarget)
					r.Patch("/", s.updateTarget)
					r.Delete("/", s.deleteTarget)
					r.Post("/toggle-notifications", s.toggleNotifications)
					r.Post("/notification-config", s.changeNotificationConfig)
					r.Get("/urls", s.listScrapingURLs)
					r.Post("/urls", s.addScrapingURL)
					r.Get("/offers", s.listOffers)
				})
			})

			r.Route("/urls/{id}", func(r chi.Router) {
				r.Get("/", s.getScrapingURL)
				r.Patch("/", s.updateScrapingURL)
				r.Delete("/", s.deleteScrapingURL)
				r.Put("/filters", s.saveFilters)
			})

			r.Route("/notification-configs", func(r chi.Router) {
				r.Get("/", s.listNotificationConfigs)
				r.Post("/", s.createNotificationConfig)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.getNotificationConfig)
					r.Delete("/", s.deleteNotificationConfig)
					r.Post("/test", s.testNotificationConfig)
				})
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) batchCreate(w http.ResponseWriter, r *http.Request) {
	var req ingest.BatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	urls, err := s.engine.BatchCreate(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"created": urls})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("write JSON failed", "error", err)
	}
}

const maxBodyBytes = 4 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, newAPIError(http.StatusBadRequest, ErrCodeInvalidJSON, "invalid JSON: "+err.Error()))
		return false
	}
	return true
}
