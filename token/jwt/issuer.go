package jwt

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	apperrors "github.com/jrsteele09/go-session-auth/internal/errors"
	"github.com/jrsteele09/go-session-auth/token/keys"
)

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

const (
	DefaultAccessTokenExpiry = 15 * time.Minute
	DefaultSigningTimeout    = 5 * time.Second
)

// AccessClaims is the payload of an access token.
type AccessClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwtlib.RegisteredClaims
}

// Issuer mints RS256 access tokens. The private key stays with the key provider:
// the issuer only hands it a SHA-256 digest of the signing input.
type Issuer struct {
	provider       keys.Provider
	issuer         string
	audience       string
	expiry         time.Duration
	signingTimeout time.Duration
}

type IssuerOption func(*Issuer)

func WithExpiry(d time.Duration) IssuerOption {
	return func(i *Issuer) {
		i.expiry = d
	}
}

func WithSigningTimeout(d time.Duration) IssuerOption {
	return func(i *Issuer) {
		i.signingTimeout = d
	}
}

func NewIssuer(provider keys.Provider, issuer, audience string, options ...IssuerOption) (*Issuer, error) {
	if provider == nil {
		return nil, errors.New("[NewIssuer] key provider is required")
	}
	if issuer == "" || audience == "" {
		return nil, errors.New("[NewIssuer] issuer and audience are required")
	}
	i := &Issuer{
		provider:       provider,
		issuer:         issuer,
		audience:       audience,
		expiry:         DefaultAccessTokenExpiry,
		signingTimeout: DefaultSigningTimeout,
	}
	for _, opt := range options {
		opt(i)
	}
	return i, nil
}

// Expiry is the lifetime given to every issued token.
func (i *Issuer) Expiry() time.Duration {
	return i.expiry
}

// SigningTimeout bounds each call into the key provider.
func (i *Issuer) SigningTimeout() time.Duration {
	return i.signingTimeout
}

// Issue returns a compact header.payload.signature token for the subject.
// Any provider failure is reported as ErrUpstreamUnavailable.
func (i *Issuer) Issue(ctx context.Context, userID, email, role string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, i.signingTimeout)
	defer cancel()

	kid, sign, err := i.provider.SigningHandle(ctx)
	if err != nil {
		return "", apperrors.Upstream(err, "signing handle")
	}

	now := NowTimeFunc()
	claims := AccessClaims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   userID,
			Issuer:    i.issuer,
			Audience:  jwtlib.ClaimStrings{i.audience},
			NotBefore: jwtlib.NewNumericDate(now),
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(i.expiry)),
		},
	}

	token := jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, claims)
	token.Header["kid"] = kid

	signingString, err := token.SigningString()
	if err != nil {
		return "", fmt.Errorf("failed to encode token: %w", err)
	}

	digest := sha256.Sum256([]byte(signingString))
	signature, err := sign(ctx, digest[:])
	if err != nil {
		return "", apperrors.Upstream(err, "sign access token")
	}

	return signingString + "." + token.EncodeSegment(signature), nil
}
