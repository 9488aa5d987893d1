package handlers

import (
	"context"
	"net"
	"net/http"

	"github.com/gluk-w/claworc/shellkeeper/internal/audit"
	"github.com/gluk-w/claworc/shellkeeper/internal/middleware"
	"github.com/gluk-w/claworc/shellkeeper/internal/profiles"
	"github.com/gluk-w/claworc/shellkeeper/internal/suspend"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ShellStarter opens a shell for a connection profile.
type ShellStarter interface {
	Start(ctx context.Context, p profiles.Profile) (suspend.Shell, error)
}

// StarterFunc adapts a function to ShellStarter.
type StarterFunc func(ctx context.Context, p profiles.Profile) (suspend.Shell, error)

func (f StarterFunc) Start(ctx context.Context, p profiles.Profile) (suspend.Shell, error) {
	return f(ctx, p)
}

// Server holds the dependencies of the HTTP and WebSocket handlers.
type Server struct {
	Coordinator *suspend.Coordinator
	Profiles    profiles.Catalog
	Starter     ShellStarter
	Auditor     *audit.Auditor
	DB          *gorm.DB

	// MessageRateLimit and MessageRateBurst bound inbound WebSocket frames
	// per connection. A zero limit disables rate limiting.
	MessageRateLimit float64
	MessageRateBurst int

	// NewSessionID overrides session id generation in tests.
	NewSessionID func() string
}

func (s *Server) newSessionID() string {
	if s.NewSessionID != nil {
		return s.NewSessionID()
	}
	return uuid.NewString()
}

// RouterOptions configures Router.
type RouterOptions struct {
	APIToken string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// AllowedSources limits which client addresses may reach the API and
	// the session endpoint. Empty allows all.
	AllowedSources []*net.IPNet
}

// Router builds the backend's HTTP routes.
func (s *Server) Router(opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.HealthCheck)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.AllowSources(opts.AllowedSources))
		r.Use(middleware.RequireToken(opts.APIToken))

		r.Get("/ws", s.SessionWS)

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/suspended", s.ListSuspended)
			r.Get("/suspended/{suspendID}", s.GetSuspended)
			r.Post("/suspended/{suspendID}/terminate", s.TerminateSuspended)
			r.Delete("/suspended/{suspendID}", s.RemoveSuspended)
			r.Put("/suspended/{suspendID}/name", s.RenameSuspended)

			r.Get("/profiles", s.ListProfiles)
			r.Get("/audit", s.GetAuditLogs)

			r.Get("/server-logs", s.ServerLogs)
			r.Delete("/server-logs", s.ClearServerLogs)
		})
	})
	return r
}
