package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	apperrors "github.com/jrsteele09/go-session-auth/internal/errors"
)

const maxRequestBody = 1 << 20

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	TokenType string `json:"token_type"`
	ExpiresIn int64  `json:"expires_in"`
}

// SignIn exchanges credentials for an access token (Bearer-Token header) and a refresh token cookie.
func (s *Server) SignIn() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req signInRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "validation_failed", "malformed request body")
			return
		}

		pair, err := s.sessions.SignIn(r.Context(), req.Email, req.Password)
		switch {
		case err == nil:
		case errors.Is(err, apperrors.ErrValidationFailed):
			writeJSONError(w, http.StatusBadRequest, "validation_failed", "email and password are required")
			return
		case errors.Is(err, apperrors.ErrInvalidCredentials):
			writeJSONError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
			return
		default:
			s.writeUpstreamError(w, err)
			return
		}

		s.setRefreshTokenCookie(w, pair.RefreshToken, pair.RefreshExpires)
		w.Header().Set(BearerTokenHeader, pair.AccessToken)
		writeJSON(w, http.StatusOK, s.tokenResponse())
	}
}

// RefreshToken rotates the refresh token cookie and returns a fresh access token.
// Any denial clears the cookie. An upstream failure keeps the session usable: the cookie
// is left in place, or replaced by the successor when the rotation itself went through.
func (s *Server) RefreshToken() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		presented := refreshTokenFromRequest(r)
		if presented == "" {
			s.clearRefreshTokenCookie(w)
			writeJSONError(w, http.StatusUnauthorized, "access_denied", "access denied")
			return
		}

		pair, err := s.sessions.Refresh(r.Context(), presented)
		switch {
		case err == nil:
		case errors.Is(err, apperrors.ErrAccessDenied):
			s.clearRefreshTokenCookie(w)
			writeJSONError(w, http.StatusUnauthorized, "access_denied", "access denied")
			return
		default:
			if pair != nil && pair.RefreshToken != "" {
				s.setRefreshTokenCookie(w, pair.RefreshToken, pair.RefreshExpires)
			}
			s.writeUpstreamError(w, err)
			return
		}

		s.setRefreshTokenCookie(w, pair.RefreshToken, pair.RefreshExpires)
		w.Header().Set(BearerTokenHeader, pair.AccessToken)
		writeJSON(w, http.StatusOK, s.tokenResponse())
	}
}

// SignOut terminates the session behind the cookie, if any, and always succeeds.
func (s *Server) SignOut() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if presented := refreshTokenFromRequest(r); presented != "" {
			s.sessions.SignOut(r.Context(), presented)
		}
		s.clearRefreshTokenCookie(w)
		writeJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
	}
}

// JWKS publishes the public keys access tokens can be verified with.
func (s *Server) JWKS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jwks, err := s.sessions.JWKS(r.Context())
		if err != nil {
			s.writeUpstreamError(w, err)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=3600")
		writeJSON(w, http.StatusOK, jwks)
	}
}

type meResponse struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Role    string `json:"role"`
}

// Me echoes the verified identity of the access token holder.
func (s *Server) Me() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "access denied")
			return
		}
		writeJSON(w, http.StatusOK, meResponse{
			Subject: claims.Subject,
			Email:   claims.Email,
			Role:    claims.Role,
		})
	}
}

func (s *Server) Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for _, check := range s.deps.Health {
			if err := check(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("health check failed")
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) tokenResponse() tokenResponse {
	return tokenResponse{
		TokenType: "Bearer",
		ExpiresIn: int64(s.sessions.AccessTokenExpiry().Seconds()),
	}
}

// writeUpstreamError reports infrastructure failures without leaking their detail.
func (s *Server) writeUpstreamError(w http.ResponseWriter, err error) {
	if errors.Is(err, apperrors.ErrUpstreamUnavailable) {
		s.logger.Error().Err(err).Msg("upstream unavailable")
		writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "service temporarily unavailable")
		return
	}
	s.logger.Error().Err(err).Msg("internal error")
	writeJSONError(w, http.StatusInternalServerError, "internal_error", "internal error")
}
