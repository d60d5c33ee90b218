package metrics_test

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/jrsteele09/go-session-auth/internal/metrics"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics
	m.RotationOutcome("rotated")
	m.SessionStarted()
	m.SessionTerminated()
	m.AccessTokenIssued(nil)
	m.SignIn("ok")
}

func TestHandlerExposesCounters(t *testing.T) {
	m := metrics.New()
	m.RotationOutcome("rotated")
	m.RotationOutcome("compromised")
	m.RotationOutcome("compromised")
	m.SessionStarted()
	m.AccessTokenIssued(errors.New("boom"))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	out := string(body)
	require.Contains(t, out, `session_auth_refresh_rotations_total{outcome="compromised"} 2`)
	require.Contains(t, out, `session_auth_refresh_rotations_total{outcome="rotated"} 1`)
	require.Contains(t, out, `session_auth_sessions_started_total 1`)
	require.Contains(t, out, `session_auth_access_tokens_issued_total{result="error"} 1`)
}
