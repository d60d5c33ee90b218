package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jrsteele09/go-session-auth/auth"
	"github.com/jrsteele09/go-session-auth/internal/config"
	"github.com/jrsteele09/go-session-auth/internal/metrics"
	"github.com/jrsteele09/go-session-auth/token/jwt"
	"github.com/jrsteele09/go-session-auth/users"
	"github.com/rs/zerolog"
)

// HealthCheck reports whether a backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Deps holds everything the HTTP surface calls into.
type Deps struct {
	Users    users.UserRepo       // Seeded with the configured admin at start-up
	Sessions *auth.SessionService // Sign-in, refresh and sign-out
	Verifier *jwt.Verifier        // Bearer access token checks for protected routes
	Metrics  *metrics.Metrics     // Optional; /metrics is only served when set
	Health   []HealthCheck        // Optional probes run by /healthz
}

type Server struct {
	env      string // Environment (e.g., "DEV", "PROD")
	mux      *http.ServeMux
	routes   []string
	config   config.Config
	deps     Deps
	sessions *auth.SessionService
	verifier *jwt.Verifier
	logger   zerolog.Logger
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

func New(ctx context.Context, config config.Config, deps Deps, options ...Option) (*Server, error) {
	if deps.Users == nil {
		return nil, errors.New("[Server New] Users repo is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("[Server New] session service is required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("[Server New] verifier is required")
	}

	s := &Server{
		env:      config.GetEnv(),
		mux:      http.NewServeMux(),
		config:   config,
		deps:     deps,
		sessions: deps.Sessions,
		verifier: deps.Verifier,
		logger:   zerolog.Nop(),
	}
	for _, opt := range options {
		opt(s)
	}

	if _, err := s.InitialiseSystem(ctx); err != nil {
		return nil, fmt.Errorf("[Server New] Failed to initialise the system: %w", err)
	}

	s.initRoutes()
	s.logRoutes()

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)

		if len(parts) > 1 {
			s.logRoute(parts[0], parts[1])
		} else {
			s.logRoute("", parts[0])
		}
	}
}

func (s *Server) logRoute(method, path string) {
	paddedMethod := fmt.Sprintf(" %-7s", method)
	color, ok := methodColors[method]
	if !ok {
		color = Gray
	}
	s.logger.Info().Msgf("[%s] %s", color+paddedMethod+ResetColor, path)
}
