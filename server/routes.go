package server

import (
	"net/http"
)

func (s *Server) initRoutes() {
	// Session lifecycle
	s.RegisterRouteHandler("POST "+RouteSignIn, ChainMiddleware(s.SignIn(), s.APIMiddleware("signin", s.NoStoreMiddleware)...))
	s.RegisterRouteHandler("POST "+RouteRefreshToken, ChainMiddleware(s.RefreshToken(), s.APIMiddleware("refresh-token", s.NoStoreMiddleware)...))
	s.RegisterRouteHandler("POST "+RouteSignOut, ChainMiddleware(s.SignOut(), s.APIMiddleware("signout", s.NoStoreMiddleware)...))

	// Browsers preflight the cross-site credentialed POSTs
	s.RegisterRouteHandler("OPTIONS /", ChainMiddleware(preflightOnly, s.APIMiddleware("preflight")...))

	s.RegisterRouteHandler("GET "+RouteWellKnownJWKS, ChainMiddleware(s.JWKS(), s.APIMiddleware("jwks")...))
	s.RegisterRouteHandler("GET "+RouteMe, ChainMiddleware(s.Me(), s.APIMiddleware("me", s.RequireAuth())...))

	s.RegisterRouteFunc("GET "+RouteHealthz, s.Healthz())
	if s.deps.Metrics != nil {
		s.RegisterRouteHandler("GET "+RouteMetrics, s.deps.Metrics.Handler())
	}
}

// preflightOnly is reached only when CorsMiddleware did not answer the OPTIONS request itself.
func preflightOnly(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
