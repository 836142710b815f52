// Package api is the HTTP surface: operation submission and polling,
// segment listing, document download and meeting changes gated on
// operation state.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/courtscribe/internal/config"
	"github.com/snarg/courtscribe/internal/metrics"
	"github.com/snarg/courtscribe/internal/stepstate"
	"github.com/snarg/courtscribe/internal/storage"
)

// Runner submits and reports chains.
type Runner interface {
	Start(ctx context.Context, operationID string) (string, error)
	Status(ctx context.Context, operationID string) (stepstate.Operation, error)
}

// Deps are the collaborators the handlers need.
type Deps struct {
	Runner   Runner
	Store    stepstate.Store
	Segments stepstate.SegmentStore
	Meetings stepstate.MeetingStore
	Objects  storage.ObjectStore
	Health   *HealthHandler
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(cfg *config.Config, deps Deps, log zerolog.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      NewRouter(cfg.AuthToken, deps, log),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

// NewRouter builds the route tree. An empty token disables auth.
func NewRouter(authToken string, deps Deps, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Logger(log))
	r.Use(Recoverer)
	r.Use(metrics.InstrumentHandler)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Health endpoint, no auth
		if deps.Health != nil {
			r.Get("/health", deps.Health.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(authToken))
			NewOperationsHandler(deps.Runner, deps.Store, deps.Segments, deps.Objects).Routes(r)
			NewMeetingsHandler(deps.Meetings, deps.Store).Routes(r)
		})
	})
	return r
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
