package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// setRefreshTokenCookie issues the refresh token as a cross-site capable, script-invisible cookie.
// SameSite=None requires Secure, so insecure (local http) deployments fall back to Lax.
func (s *Server) setRefreshTokenCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, s.refreshCookie(token, expires, 0))
}

func (s *Server) clearRefreshTokenCookie(w http.ResponseWriter) {
	http.SetCookie(w, s.refreshCookie("", time.Unix(0, 0), -1))
}

func (s *Server) refreshCookie(value string, expires time.Time, maxAge int) *http.Cookie {
	secure := s.config.GetCookieSecure()
	sameSite := http.SameSiteNoneMode
	if !secure {
		sameSite = http.SameSiteLaxMode
	}
	return &http.Cookie{
		Name:     RefreshTokenCookie,
		Value:    value,
		Path:     "/",
		Domain:   s.config.GetCookieDomain(),
		Expires:  expires,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: sameSite,
	}
}

func refreshTokenFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(RefreshTokenCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, errorResponse{Error: code, ErrorDescription: description})
}
