package jwt_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	apperrors "github.com/jrsteele09/go-session-auth/internal/errors"
	"github.com/jrsteele09/go-session-auth/token/jwt"
	"github.com/jrsteele09/go-session-auth/token/keys"
	"github.com/stretchr/testify/require"
)

const (
	issuer   = "https://auth.example.com"
	audience = "api"
)

type testFixture struct {
	provider *keys.LocalProvider
	issuer   *jwt.Issuer
	verifier *jwt.Verifier
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	kp, err := keys.GenerateRSAKeyPair("key-1", 2048)
	require.NoError(t, err)
	provider, err := keys.NewLocalProvider(kp)
	require.NoError(t, err)

	iss, err := jwt.NewIssuer(provider, issuer, audience)
	require.NoError(t, err)

	return &testFixture{
		provider: provider,
		issuer:   iss,
		verifier: jwt.NewVerifier(jwt.NewProviderKeySet(provider), issuer, audience),
	}
}

func decodeSegment(t *testing.T, seg string) map[string]any {
	t.Helper()
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	require.NoError(t, err)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestIssueTokenFormat(t *testing.T) {
	f := setupTestFixture(t)

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	jwt.NowTimeFunc = func() time.Time { return fixed }
	t.Cleanup(func() { jwt.NowTimeFunc = time.Now })

	token, err := f.issuer.Issue(context.Background(), "user-1", "jane@example.com", "admin")
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)

	header := decodeSegment(t, parts[0])
	require.Equal(t, "RS256", header["alg"])
	require.Equal(t, "JWT", header["typ"])
	require.Equal(t, "key-1", header["kid"])

	payload := decodeSegment(t, parts[1])
	require.Equal(t, "user-1", payload["sub"])
	require.Equal(t, "jane@example.com", payload["email"])
	require.Equal(t, "admin", payload["role"])
	require.Equal(t, issuer, payload["iss"])
	require.NotEmpty(t, payload["jti"])
	require.EqualValues(t, fixed.Unix(), payload["nbf"])
	require.EqualValues(t, fixed.Unix(), payload["iat"])
	require.EqualValues(t, fixed.Add(15*time.Minute).Unix(), payload["exp"])
}

func TestIssueGeneratesUniqueTokenIDs(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	a, err := f.issuer.Issue(ctx, "user-1", "a@example.com", "user")
	require.NoError(t, err)
	b, err := f.issuer.Issue(ctx, "user-1", "a@example.com", "user")
	require.NoError(t, err)

	claimsA, err := f.verifier.Verify(ctx, a)
	require.NoError(t, err)
	claimsB, err := f.verifier.Verify(ctx, b)
	require.NoError(t, err)
	require.NotEqual(t, claimsA.ID, claimsB.ID)
}

func TestVerifyRoundTrip(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	token, err := f.issuer.Issue(ctx, "user-1", "jane@example.com", "admin")
	require.NoError(t, err)

	claims, err := f.verifier.Verify(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "jane@example.com", claims.Email)
	require.Equal(t, "admin", claims.Role)
}

func tamper(token string, segment int) string {
	parts := strings.Split(token, ".")
	seg := []byte(parts[segment])
	mid := len(seg) / 2
	if seg[mid] == 'A' {
		seg[mid] = 'B'
	} else {
		seg[mid] = 'A'
	}
	parts[segment] = string(seg)
	return strings.Join(parts, ".")
}

func TestVerifyRejectsTamperedTokens(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	token, err := f.issuer.Issue(ctx, "user-1", "jane@example.com", "admin")
	require.NoError(t, err)

	for segment, name := range []string{"header", "payload", "signature"} {
		t.Run(name, func(t *testing.T) {
			_, err := f.verifier.Verify(ctx, tamper(token, segment))
			require.Error(t, err)
			require.ErrorIs(t, err, apperrors.ErrAccessDenied)
		})
	}
}

func TestVerifyRejectsWrongAudienceAndExpiry(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	token, err := f.issuer.Issue(ctx, "user-1", "jane@example.com", "admin")
	require.NoError(t, err)

	other := jwt.NewVerifier(jwt.NewProviderKeySet(f.provider), issuer, "another-api")
	_, err = other.Verify(ctx, token)
	require.Error(t, err)

	jwt.NowTimeFunc = func() time.Time { return time.Now().Add(time.Hour) }
	t.Cleanup(func() { jwt.NowTimeFunc = time.Now })
	_, err = f.verifier.Verify(ctx, token)
	require.Error(t, err)
}

func TestVerifyAfterKeyRotation(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	oldToken, err := f.issuer.Issue(ctx, "user-1", "jane@example.com", "admin")
	require.NoError(t, err)

	next, err := keys.GenerateRSAKeyPair("key-2", 2048)
	require.NoError(t, err)
	require.NoError(t, f.provider.AddKey(next))
	require.NoError(t, f.provider.Promote("key-2"))

	newToken, err := f.issuer.Issue(ctx, "user-1", "jane@example.com", "admin")
	require.NoError(t, err)

	_, err = f.verifier.Verify(ctx, oldToken)
	require.NoError(t, err, "old key is still published")
	_, err = f.verifier.Verify(ctx, newToken)
	require.NoError(t, err)

	require.NoError(t, f.provider.Retire("key-1"))
	_, err = f.verifier.Verify(ctx, oldToken)
	require.Error(t, err)
}

func TestVerifyAgainstRemoteJWKS(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jwks, err := f.provider.PublicJWKS(r.Context())
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	defer srv.Close()

	token, err := f.issuer.Issue(ctx, "user-1", "jane@example.com", "admin")
	require.NoError(t, err)

	remote := jwt.NewVerifier(jwt.NewRemoteKeySet(ctx, srv.URL), issuer, audience)
	claims, err := remote.Verify(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
}

type failingProvider struct{}

func (failingProvider) SigningHandle(ctx context.Context) (string, keys.SignFunc, error) {
	return "k", func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("vault unreachable")
	}, nil
}

func (failingProvider) PublicJWKS(ctx context.Context) (*keys.JWKS, error) {
	return nil, errors.New("vault unreachable")
}

func TestIssueSigningFailureIsUpstream(t *testing.T) {
	iss, err := jwt.NewIssuer(failingProvider{}, issuer, audience)
	require.NoError(t, err)

	token, err := iss.Issue(context.Background(), "user-1", "jane@example.com", "admin")
	require.Empty(t, token)
	require.ErrorIs(t, err, apperrors.ErrUpstreamUnavailable)
}

func TestNewIssuerValidation(t *testing.T) {
	_, err := jwt.NewIssuer(nil, issuer, audience)
	require.Error(t, err)
	_, err = jwt.NewIssuer(failingProvider{}, "", audience)
	require.Error(t, err)
}
