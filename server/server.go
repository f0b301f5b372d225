// Package server exposes the login UI over HTTP: the flow initiation
// endpoint, the page handlers for each step, and the operational routes.
package server

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/cds-snc/forms-idp-login/auth"
	"github.com/cds-snc/forms-idp-login/flow"
	"github.com/cds-snc/forms-idp-login/identity"
	"github.com/cds-snc/forms-idp-login/internal/config"
)

type Server struct {
	env    string
	mux    *http.ServeMux
	routes []string
	config config.Config

	auth   *auth.Service
	client identity.Client
	engine *flow.Engine

	limiter *ipRateLimiter
}

func New(cfg config.Config, authService *auth.Service, client identity.Client, engine *flow.Engine) (*Server, error) {
	if authService == nil {
		return nil, errors.New("[server.New] auth service is required")
	}
	if client == nil {
		return nil, errors.New("[server.New] identity client is required")
	}
	if engine == nil {
		engine = flow.New()
	}

	s := &Server{
		mux:     http.NewServeMux(),
		config:  cfg,
		auth:    authService,
		client:  client,
		engine:  engine,
		limiter: newIPRateLimiter(),
	}
	s.env = cfg.GetEnv()

	s.initRoutes()
	s.logRoutes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)
		if len(parts) > 1 {
			log.Info().Str("method", parts[0]).Str("path", parts[1]).Msg("route")
		} else {
			log.Info().Str("path", parts[0]).Msg("route")
		}
	}
}

// secureCookies reports whether Secure cookie attributes should be set.
func (s *Server) secureCookies() bool {
	return s.env != "DEV"
}
