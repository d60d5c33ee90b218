package server

// Route path constants
// All application routes are defined here to ensure consistency and prevent typos
const (
	// Session routes
	RouteSignIn       = "/signin"
	RouteRefreshToken = "/refresh-token"
	RouteSignOut      = "/signout"

	// Verification
	RouteWellKnownJWKS = "/.well-known/jwks.json"
	RouteMe            = "/me"

	// Operations
	RouteHealthz = "/healthz"
	RouteMetrics = "/metrics"
)

const (
	// RefreshTokenCookie carries the opaque refresh token.
	RefreshTokenCookie = "refreshToken"
	// BearerTokenHeader carries the access token on sign-in and refresh responses.
	BearerTokenHeader = "Bearer-Token"
)
