package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ignite/nurture/internal/config"
)

// Server wraps the HTTP listener and the chi router.
type Server struct {
	config  config.ServerConfig
	handler http.Handler
	server  *http.Server
}

// NewServer creates the API server and mounts all routes.
func NewServer(cfg config.ServerConfig, h *Handlers) *Server {
	return &Server{
		config:  cfg,
		handler: SetupRoutes(h),
	}
}

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (no auth required)
	r.Get("/health", h.HealthCheck)

	// Gateway webhooks come in outside /api so the inbound path stays stable
	// even if the internal API surface moves.
	r.Post("/webhooks/brevo", h.BrevoWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Route("/scheduler", func(r chi.Router) {
			r.Post("/next/{leadID}", h.ScheduleNext)
			r.Post("/jobs", h.ScheduleJob)
			r.Post("/cancel/{leadID}", h.CancelByLead)
			r.Post("/fast-forward/{jobID}", h.FastForward)
		})

		r.Route("/leads", func(r chi.Router) {
			r.Post("/", h.CreateLead)
			r.Get("/{leadID}", h.GetLead)
			r.Get("/{leadID}/jobs", h.GetLeadJobs)
			r.Get("/{leadID}/events", h.GetLeadEvents)
			r.Get("/{leadID}/notifications", h.GetLeadNotifications)
		})

		r.Get("/queues", h.GetQueues)
		r.Get("/analytics", h.GetAnalytics)

		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.SaveSettings)
	})

	return r
}

// Start begins listening. Blocks until the server exits.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.handler
}
