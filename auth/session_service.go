package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/jrsteele09/go-session-auth/internal/errors"
	"github.com/jrsteele09/go-session-auth/internal/metrics"
	"github.com/jrsteele09/go-session-auth/token/jwt"
	"github.com/jrsteele09/go-session-auth/token/keys"
	"github.com/jrsteele09/go-session-auth/token/refresh"
	"github.com/jrsteele09/go-session-auth/users"
	"github.com/rs/zerolog"
)

// TokenPair is what a caller receives on sign-in and refresh.
type TokenPair struct {
	AccessToken    string
	RefreshToken   string
	RefreshExpires time.Time
}

// SessionService ties credential checks, the refresh token engine and the access token issuer
// together for sign-in, refresh and sign-out.
type SessionService struct {
	users    users.UserRepo
	engine   *refresh.Engine
	issuer   *jwt.Issuer
	provider keys.Provider
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	nowTime  func() time.Time

	userTimeout time.Duration
}

// SessionServiceOption defines a function type to modify the SessionService instance.
type SessionServiceOption func(*SessionService)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) SessionServiceOption {
	return func(s *SessionService) {
		s.nowTime = nowFunc
	}
}

// WithUserTimeout bounds each call into the user repo.
func WithUserTimeout(d time.Duration) SessionServiceOption {
	return func(s *SessionService) {
		s.userTimeout = d
	}
}

func WithMetrics(m *metrics.Metrics) SessionServiceOption {
	return func(s *SessionService) {
		s.metrics = m
	}
}

func WithLogger(l zerolog.Logger) SessionServiceOption {
	return func(s *SessionService) {
		s.logger = l
	}
}

// NewSessionService initializes a new SessionService with required dependencies.
func NewSessionService(
	userRepo users.UserRepo,
	engine *refresh.Engine,
	issuer *jwt.Issuer,
	provider keys.Provider,
	options ...SessionServiceOption,
) (*SessionService, error) {
	if userRepo == nil {
		return nil, errors.New("[NewSessionService] Users repo is required")
	}
	if engine == nil {
		return nil, errors.New("[NewSessionService] refresh engine is required")
	}
	if issuer == nil {
		return nil, errors.New("[NewSessionService] issuer is required")
	}
	if provider == nil {
		return nil, errors.New("[NewSessionService] key provider is required")
	}

	s := &SessionService{
		users:    userRepo,
		engine:   engine,
		issuer:   issuer,
		provider: provider,
		logger:   zerolog.Nop(),
		nowTime:  time.Now,

		userTimeout: refresh.DefaultStoreTimeout,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.userTimeout <= 0 {
		return nil, errors.New("[NewSessionService] user timeout must be positive")
	}
	return s, nil
}

var (
	dummyHashOnce sync.Once
	dummyHash     string
)

// burnPasswordCheck spends a bcrypt comparison so unknown emails cost the same as wrong passwords.
func burnPasswordCheck(password string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = users.HashPassword("unused-password-for-timing")
	})
	_ = users.CheckPasswordHash(password, dummyHash)
}

// SignIn verifies credentials, starts a new refresh token family and issues the first token pair.
// Every credential failure is ErrInvalidCredentials with no further detail.
func (s *SessionService) SignIn(ctx context.Context, email, password string) (*TokenPair, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		s.metrics.SignIn("invalid")
		return nil, fmt.Errorf("%w: email and password are required", apperrors.ErrValidationFailed)
	}

	logger := s.logger.With().Str("email", email).Logger()

	user, err := call(ctx, s.userTimeout, func(ctx context.Context) (*users.User, error) {
		return s.users.GetByEmail(ctx, email)
	})
	if errors.Is(err, apperrors.ErrNotFound) {
		burnPasswordCheck(password)
		logger.Info().Msg("sign in for unknown user")
		s.metrics.SignIn("invalid")
		return nil, apperrors.ErrInvalidCredentials
	}
	if err != nil {
		s.metrics.SignIn("error")
		return nil, apperrors.Upstream(err, "get user")
	}

	if !user.CheckPassword(password) || user.Blocked {
		logger.Info().Bool("blocked", user.Blocked).Msg("sign in rejected")
		s.metrics.SignIn("invalid")
		return nil, apperrors.ErrInvalidCredentials
	}

	record, err := s.engine.NewSession(ctx, user.ID)
	if err != nil {
		s.metrics.SignIn("error")
		return nil, err
	}

	access, err := s.issue(ctx, user)
	if err != nil {
		s.SignOut(context.WithoutCancel(ctx), record.Token)
		s.metrics.SignIn("error")
		return nil, err
	}

	if _, err := call(ctx, s.userTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.users.SetLastLogin(ctx, user.ID, s.nowTime())
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to record last login")
	}

	logger.Info().Str("user_id", user.ID).Msg("signed in")
	s.metrics.SignIn("success")
	return &TokenPair{
		AccessToken:    access,
		RefreshToken:   record.Token,
		RefreshExpires: record.Expires,
	}, nil
}

// Refresh rotates the presented refresh token and issues a fresh access token for its owner.
// Every denial is ErrAccessDenied; store or signing failures are ErrUpstreamUnavailable.
// Once the presented token has been exchanged, a failure still returns a pair carrying the
// successor refresh token (and no access token) so the caller can retry with it.
func (s *SessionService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	result, err := s.engine.Rotate(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if !result.Rotated() {
		s.logger.Debug().Str("reason", string(result.Reason)).Msg("refresh denied")
		return nil, apperrors.ErrAccessDenied
	}
	next := result.Token
	pair := &TokenPair{
		RefreshToken:   next.Token,
		RefreshExpires: next.Expires,
	}

	user, err := call(ctx, s.userTimeout, func(ctx context.Context) (*users.User, error) {
		return s.users.GetByID(ctx, next.UserID)
	})
	if errors.Is(err, apperrors.ErrNotFound) || (err == nil && user.Blocked) {
		s.logger.Info().Str("user_id", next.UserID).Msg("refresh for unavailable user, terminating session")
		s.SignOut(ctx, next.Token)
		return nil, apperrors.ErrAccessDenied
	}
	if err != nil {
		return pair, apperrors.Upstream(err, "get user")
	}

	access, err := s.issue(ctx, user)
	if err != nil {
		return pair, err
	}
	pair.AccessToken = access
	return pair, nil
}

// SignOut terminates the session the refresh token belongs to. It never fails visibly.
func (s *SessionService) SignOut(ctx context.Context, refreshToken string) {
	if err := s.engine.Terminate(ctx, refreshToken); err != nil {
		s.logger.Error().Err(err).Msg("sign out failed to terminate session")
	}
}

// JWKS returns the public keys access tokens can be verified with.
func (s *SessionService) JWKS(ctx context.Context) (*keys.JWKS, error) {
	ctx, cancel := context.WithTimeout(ctx, s.issuer.SigningTimeout())
	defer cancel()
	jwks, err := s.provider.PublicJWKS(ctx)
	if err != nil {
		return nil, apperrors.Upstream(err, "public jwks")
	}
	return jwks, nil
}

// AccessTokenExpiry is how long issued access tokens live.
func (s *SessionService) AccessTokenExpiry() time.Duration {
	return s.issuer.Expiry()
}

// call runs one user repo operation under its own deadline.
func call[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

func (s *SessionService) issue(ctx context.Context, user *users.User) (string, error) {
	access, err := s.issuer.Issue(ctx, user.ID, user.Email, string(user.Role))
	s.metrics.AccessTokenIssued(err)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("failed to issue access token")
		return "", err
	}
	return access, nil
}
