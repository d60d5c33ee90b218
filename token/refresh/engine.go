package refresh

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/jrsteele09/go-session-auth/events"
	apperrors "github.com/jrsteele09/go-session-auth/internal/errors"
	"github.com/jrsteele09/go-session-auth/internal/metrics"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TokenBytes is the amount of randomness in a refresh token value.
	TokenBytes = 64

	DefaultExpiry       = 7 * 24 * time.Hour
	DefaultStoreTimeout = 3 * time.Second
)

const tracerName = "github.com/jrsteele09/go-session-auth/token/refresh"

// Engine owns the refresh token state machine: issue, rotate, detect reuse, lock and terminate.
type Engine struct {
	store        Store
	expiry       time.Duration
	storeTimeout time.Duration
	publisher    events.Publisher
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	tracer       trace.Tracer
	nowTime      func() time.Time
	newToken     func() (string, error)
}

type EngineOption func(*Engine)

func WithExpiry(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.expiry = d
	}
}

// WithStoreTimeout bounds every individual store call.
func WithStoreTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.storeTimeout = d
	}
}

func WithPublisher(p events.Publisher) EngineOption {
	return func(e *Engine) {
		e.publisher = p
	}
}

func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithLogger(l zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) EngineOption {
	return func(e *Engine) {
		e.nowTime = nowFunc
	}
}

// WithTokenGenerator replaces the random token source (primarily for testing)
func WithTokenGenerator(gen func() (string, error)) EngineOption {
	return func(e *Engine) {
		e.newToken = gen
	}
}

func NewEngine(store Store, options ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, errors.New("[NewEngine] store is required")
	}
	e := &Engine{
		store:        store,
		expiry:       DefaultExpiry,
		storeTimeout: DefaultStoreTimeout,
		publisher:    events.NopPublisher{},
		logger:       zerolog.Nop(),
		tracer:       otel.Tracer(tracerName),
		nowTime:      time.Now,
		newToken:     GenerateToken,
	}
	for _, opt := range options {
		opt(e)
	}
	if e.expiry <= 0 || e.storeTimeout <= 0 {
		return nil, errors.New("[NewEngine] expiry and store timeout must be positive")
	}
	return e, nil
}

// GenerateToken returns 64 random bytes, base64 (standard alphabet) encoded.
func GenerateToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// NewSession creates an active family and its first token.
func (e *Engine) NewSession(ctx context.Context, userID string) (*Record, error) {
	ctx, span := e.tracer.Start(ctx, "refresh.NewSession")
	defer span.End()

	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", apperrors.ErrValidationFailed)
	}

	familyID, err := call(ctx, e.storeTimeout, func(ctx context.Context) (string, error) {
		return e.store.CreateFamily(ctx)
	})
	if err != nil {
		return nil, e.fail(span, apperrors.Upstream(err, "create family"))
	}

	record, err := e.mint(ctx, familyID, userID)
	if err != nil {
		return nil, e.fail(span, err)
	}

	span.SetAttributes(attribute.String("family_id", familyID))
	e.metrics.SessionStarted()
	return record, nil
}

// Rotate exchanges a presented token for its successor in the same family.
// Denials come back in the Result; the error is reserved for store or randomness failures,
// in which case the caller must not treat the token as valid.
func (e *Engine) Rotate(ctx context.Context, presented string) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "refresh.Rotate")
	defer span.End()

	result, err := e.rotate(ctx, presented)
	switch {
	case err != nil:
		e.metrics.RotationOutcome("error")
		return Result{}, e.fail(span, err)
	case result.Rotated():
		e.metrics.RotationOutcome("rotated")
	default:
		e.metrics.RotationOutcome(string(result.Reason))
	}
	span.SetAttributes(attribute.String("outcome", outcomeOf(result)))
	return result, nil
}

func (e *Engine) rotate(ctx context.Context, presented string) (Result, error) {
	if presented == "" {
		return denied(ReasonNotFound), nil
	}

	record, err := call(ctx, e.storeTimeout, func(ctx context.Context) (*Record, error) {
		return e.store.FindToken(ctx, presented)
	})
	if errors.Is(err, apperrors.ErrNotFound) {
		return denied(ReasonNotFound), nil
	}
	if err != nil {
		return Result{}, apperrors.Upstream(err, "find token")
	}

	logger := e.logger.With().Str("family_id", record.FamilyID).Logger()

	if record.Expires.Before(e.nowTime()) {
		logger.Debug().Msg("refresh token expired")
		return denied(ReasonExpired), nil
	}
	if record.Locked {
		logger.Debug().Msg("refresh token locked")
		return denied(ReasonLocked), nil
	}

	family, err := call(ctx, e.storeTimeout, func(ctx context.Context) (*Family, error) {
		return e.store.GetFamily(ctx, record.FamilyID)
	})
	if errors.Is(err, apperrors.ErrNotFound) {
		logger.Debug().Msg("refresh token family missing")
		return denied(ReasonLocked), nil
	}
	if err != nil {
		return Result{}, apperrors.Upstream(err, "get family")
	}
	if family.Locked {
		logger.Debug().Msg("refresh token family locked")
		return denied(ReasonLocked), nil
	}

	if record.HasRotated {
		return e.compromised(ctx, record)
	}

	won, err := call(ctx, e.storeTimeout, func(ctx context.Context) (bool, error) {
		return e.store.MarkRotated(ctx, record.Token)
	})
	if err != nil {
		return Result{}, apperrors.Upstream(err, "mark rotated")
	}
	if !won {
		// Another request exchanged this value between our read and the conditional write.
		return e.compromised(ctx, record)
	}

	next, err := e.mint(ctx, record.FamilyID, record.UserID)
	if errors.Is(err, apperrors.ErrNotFound) {
		logger.Debug().Msg("refresh token family removed during rotation")
		return denied(ReasonLocked), nil
	}
	if err != nil {
		return Result{}, err
	}
	logger.Debug().Msg("refresh token rotated")
	return rotated(next), nil
}

// compromised locks the whole family of a token that was presented after it had been exchanged.
func (e *Engine) compromised(ctx context.Context, record *Record) (Result, error) {
	_, err := call(ctx, e.storeTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.store.LockFamily(ctx, record.FamilyID)
	})
	if err != nil {
		return Result{}, apperrors.Upstream(err, "lock family")
	}

	e.logger.Warn().
		Str("family_id", record.FamilyID).
		Str("user_id", record.UserID).
		Msg("refresh token reuse detected, family locked")
	e.publish(ctx, events.TypeReuseDetected, record)
	return denied(ReasonCompromised), nil
}

// Terminate locks the presented token's family and removes its records.
// Unknown tokens succeed silently. Once the lock is in place, cleanup failures are only logged.
func (e *Engine) Terminate(ctx context.Context, presented string) error {
	ctx, span := e.tracer.Start(ctx, "refresh.Terminate")
	defer span.End()

	if presented == "" {
		return nil
	}

	record, err := call(ctx, e.storeTimeout, func(ctx context.Context) (*Record, error) {
		return e.store.FindToken(ctx, presented)
	})
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return e.fail(span, apperrors.Upstream(err, "find token"))
	}

	_, err = call(ctx, e.storeTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.store.LockFamily(ctx, record.FamilyID)
	})
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return e.fail(span, apperrors.Upstream(err, "lock family"))
	}

	logger := e.logger.With().Str("family_id", record.FamilyID).Logger()
	if err := e.cleanup(ctx, record.FamilyID); err != nil {
		logger.Warn().Err(err).Msg("family locked but cleanup failed")
	}

	logger.Info().Msg("session terminated")
	e.metrics.SessionTerminated()
	e.publish(ctx, events.TypeSessionTerminated, record)
	return nil
}

func (e *Engine) cleanup(ctx context.Context, familyID string) error {
	records, err := call(ctx, e.storeTimeout, func(ctx context.Context) ([]*Record, error) {
		return e.store.ListTokens(ctx, familyID)
	})
	if err != nil {
		return fmt.Errorf("list tokens: %w", err)
	}
	if _, err := call(ctx, e.storeTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.store.DeleteTokens(ctx, records)
	}); err != nil {
		return fmt.Errorf("delete tokens: %w", err)
	}
	if _, err := call(ctx, e.storeTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.store.DeleteFamily(ctx, familyID)
	}); err != nil {
		return fmt.Errorf("delete family: %w", err)
	}
	return nil
}

func (e *Engine) mint(ctx context.Context, familyID, userID string) (*Record, error) {
	value, err := e.newToken()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrInternal, err)
	}
	now := e.nowTime()
	record, err := call(ctx, e.storeTimeout, func(ctx context.Context) (*Record, error) {
		return e.store.CreateToken(ctx, &Record{
			Token:    value,
			FamilyID: familyID,
			UserID:   userID,
			Created:  now,
			Expires:  now.Add(e.expiry),
		})
	})
	if err != nil {
		return nil, apperrors.Upstream(err, "create token")
	}
	return record, nil
}

func (e *Engine) publish(ctx context.Context, t events.Type, record *Record) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.storeTimeout)
	defer cancel()
	err := e.publisher.Publish(ctx, events.SecurityEvent{
		Type:       t,
		FamilyID:   record.FamilyID,
		UserID:     record.UserID,
		OccurredAt: e.nowTime(),
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("event", string(t)).Msg("failed to publish security event")
	}
}

func (e *Engine) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.logger.Error().Err(err).Msg("refresh token store failure")
	return err
}

// call runs one store operation under its own deadline.
func call[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

func outcomeOf(r Result) string {
	if r.Rotated() {
		return "rotated"
	}
	return string(r.Reason)
}
