package refresh_test

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-session-auth/events"
	"github.com/jrsteele09/go-session-auth/events/eventsfake"
	apperrors "github.com/jrsteele09/go-session-auth/internal/errors"
	"github.com/jrsteele09/go-session-auth/token/refresh"
	refreshrepofake "github.com/jrsteele09/go-session-auth/token/refresh/repofake"
	"github.com/stretchr/testify/require"
)

const testUserID = "user-1"

type testFixture struct {
	store    *refreshrepofake.FakeRefreshStore
	events   *eventsfake.Recorder
	engine   *refresh.Engine
	now      time.Time
	nowMutex sync.Mutex
}

func (f *testFixture) nowTime() time.Time {
	f.nowMutex.Lock()
	defer f.nowMutex.Unlock()
	return f.now
}

func (f *testFixture) advance(d time.Duration) {
	f.nowMutex.Lock()
	defer f.nowMutex.Unlock()
	f.now = f.now.Add(d)
}

func setupTestFixture(t *testing.T, options ...refresh.EngineOption) *testFixture {
	t.Helper()

	f := &testFixture{
		store:  refreshrepofake.NewFakeRefreshStore(),
		events: eventsfake.NewRecorder(),
		now:    time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	opts := append([]refresh.EngineOption{
		refresh.WithNowTime(f.nowTime),
		refresh.WithPublisher(f.events),
		refresh.WithExpiry(time.Hour),
	}, options...)

	engine, err := refresh.NewEngine(f.store, opts...)
	require.NoError(t, err)
	f.engine = engine
	return f
}

func (f *testFixture) familyLocked(t *testing.T, familyID string) bool {
	t.Helper()
	family, err := f.store.GetFamily(context.Background(), familyID)
	require.NoError(t, err)
	return family.Locked
}

func TestGenerateToken(t *testing.T) {
	a, err := refresh.GenerateToken()
	require.NoError(t, err)
	b, err := refresh.GenerateToken()
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	raw, err := base64.StdEncoding.DecodeString(a)
	require.NoError(t, err)
	require.Len(t, raw, refresh.TokenBytes)
}

func TestNewSession(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	record, err := f.engine.NewSession(ctx, testUserID)
	require.NoError(t, err)
	require.Equal(t, testUserID, record.UserID)
	require.NotEmpty(t, record.FamilyID)
	require.False(t, record.HasRotated)
	require.False(t, record.Locked)
	require.Equal(t, f.now, record.Created)
	require.Equal(t, f.now.Add(time.Hour), record.Expires)
	require.False(t, f.familyLocked(t, record.FamilyID))

	_, err = f.engine.NewSession(ctx, "")
	require.ErrorIs(t, err, apperrors.ErrValidationFailed)
}

func TestRotateKeepsFamily(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	first, err := f.engine.NewSession(ctx, testUserID)
	require.NoError(t, err)

	result, err := f.engine.Rotate(ctx, first.Token)
	require.NoError(t, err)
	require.True(t, result.Rotated())
	require.Equal(t, refresh.ReasonNone, result.Reason)
	require.Equal(t, first.FamilyID, result.Token.FamilyID)
	require.Equal(t, testUserID, result.Token.UserID)
	require.NotEqual(t, first.Token, result.Token.Token)

	old, err := f.store.FindToken(ctx, first.Token)
	require.NoError(t, err)
	require.True(t, old.HasRotated)
}

func TestRotateReuseLocksFamily(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	tokenA, err := f.engine.NewSession(ctx, testUserID)
	require.NoError(t, err)

	resultB, err := f.engine.Rotate(ctx, tokenA.Token)
	require.NoError(t, err)
	require.True(t, resultB.Rotated())
	tokenB := resultB.Token

	reuse, err := f.engine.Rotate(ctx, tokenA.Token)
	require.NoError(t, err)
	require.False(t, reuse.Rotated())
	require.Equal(t, refresh.ReasonCompromised, reuse.Reason)
	require.ErrorIs(t, reuse.Reason.Err(), apperrors.ErrCompromised)
	require.True(t, f.familyLocked(t, tokenA.FamilyID))

	afterLock, err := f.engine.Rotate(ctx, tokenB.Token)
	require.NoError(t, err)
	require.False(t, afterLock.Rotated())
	require.Equal(t, refresh.ReasonLocked, afterLock.Reason)
	require.True(t, afterLock.Reason.Invalid())

	reported := f.events.OfType(events.TypeReuseDetected)
	require.Len(t, reported, 1)
	require.Equal(t, tokenA.FamilyID, reported[0].FamilyID)
	require.Equal(t, testUserID, reported[0].UserID)
}

func TestRotateLockedFamilyDeniesEveryRecordPermanently(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	first, err := f.engine.NewSession(ctx, testUserID)
	require.NoError(t, err)
	second, err := f.engine.Rotate(ctx, first.Token)
	require.NoError(t, err)

	require.NoError(t, f.store.LockFamily(ctx, first.FamilyID))

	for i := 0; i < 3; i++ {
		for _, token := range []string{first.Token, second.Token.Token} {
			result, err := f.engine.Rotate(ctx, token)
			require.NoError(t, err)
			require.False(t, result.Rotated())
			require.Equal(t, refresh.ReasonLocked, result.Reason)
		}
	}
}

func TestRotateExpiredDoesNotLock(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	record, err := f.engine.NewSession(ctx, testUserID)
	require.NoError(t, err)

	f.advance(time.Hour + time.Second)

	result, err := f.engine.Rotate(ctx, record.Token)
	require.NoError(t, err)
	require.False(t, result.Rotated())
	require.Equal(t, refresh.ReasonExpired, result.Reason)
	require.True(t, result.Reason.Invalid())
	require.False(t, f.familyLocked(t, record.FamilyID))
	require.Empty(t, f.events.Events())

	stored, err := f.store.FindToken(ctx, record.Token)
	require.NoError(t, err)
	require.False(t, stored.HasRotated)
}

func TestRotateAtExactExpiryIsStillValid(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	record, err := f.engine.NewSession(ctx, testUserID)
	require.NoError(t, err)
	f.advance(time.Hour)

	result, err := f.engine.Rotate(ctx, record.Token)
	require.NoError(t, err)
	require.True(t, result.Rotated())
}

func TestRotateUnknownToken(t *testing.T) {
	f := setupTestFixture(t)

	for _, token := range []string{"", "does-not-exist"} {
		result, err := f.engine.Rotate(context.Background(), token)
		require.NoError(t, err)
		require.False(t, result.Rotated())
		require.Equal(t, refresh.ReasonNotFound, result.Reason)
		require.False(t, result.Reason.Invalid())
	}
}

func TestTerminate(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	first, err := f.engine.NewSession(ctx, testUserID)
	require.NoError(t, err)
	second, err := f.engine.Rotate(ctx, first.Token)
	require.NoError(t, err)

	require.NoError(t, f.engine.Terminate(ctx, second.Token.Token))

	for _, token := range []string{first.Token, second.Token.Token} {
		result, err := f.engine.Rotate(ctx, token)
		require.NoError(t, err)
		require.False(t, result.Rotated())
	}

	records, err := f.store.ListTokens(ctx, first.FamilyID)
	require.NoError(t, err)
	require.Empty(t, records)
	_, err = f.store.GetFamily(ctx, first.FamilyID)
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	require.Len(t, f.events.OfType(events.TypeSessionTerminated), 1)
}

func TestTerminateIsIdempotent(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	record, err := f.engine.NewSession(ctx, testUserID)
	require.NoError(t, err)

	require.NoError(t, f.engine.Terminate(ctx, record.Token))
	require.NoError(t, f.engine.Terminate(ctx, record.Token))
	require.NoError(t, f.engine.Terminate(ctx, "never-issued"))
	require.NoError(t, f.engine.Terminate(ctx, ""))
}

func TestTerminateLocksEvenWhenCleanupFails(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	record, err := f.engine.NewSession(ctx, testUserID)
	require.NoError(t, err)

	f.store.FailWith = func(op string) error {
		if op == "DeleteTokens" {
			return errors.New("connection reset")
		}
		return nil
	}
	require.NoError(t, f.engine.Terminate(ctx, record.Token))
	require.True(t, f.familyLocked(t, record.FamilyID))

	result, err := f.engine.Rotate(ctx, record.Token)
	require.NoError(t, err)
	require.Equal(t, refresh.ReasonLocked, result.Reason)
}

func TestStoreFailuresAreErrorsNotDenials(t *testing.T) {
	for _, op := range []string{"FindToken", "GetFamily", "MarkRotated", "CreateToken"} {
		t.Run(op, func(t *testing.T) {
			f := setupTestFixture(t)
			ctx := context.Background()

			record, err := f.engine.NewSession(ctx, testUserID)
			require.NoError(t, err)

			f.store.FailWith = func(failing string) error {
				if failing == op {
					return errors.New("store offline")
				}
				return nil
			}

			result, err := f.engine.Rotate(ctx, record.Token)
			require.ErrorIs(t, err, apperrors.ErrUpstreamUnavailable)
			require.False(t, result.Rotated())
			require.Nil(t, result.Token)
		})
	}
}

func TestReuseWithLockFailureIsError(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	record, err := f.engine.NewSession(ctx, testUserID)
	require.NoError(t, err)
	_, err = f.engine.Rotate(ctx, record.Token)
	require.NoError(t, err)

	f.store.FailWith = func(op string) error {
		if op == "LockFamily" {
			return errors.New("store offline")
		}
		return nil
	}
	_, err = f.engine.Rotate(ctx, record.Token)
	require.ErrorIs(t, err, apperrors.ErrUpstreamUnavailable)
}

func TestPublisherFailureDoesNotChangeOutcome(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	f.events.Err = errors.New("nats down")

	record, err := f.engine.NewSession(ctx, testUserID)
	require.NoError(t, err)
	_, err = f.engine.Rotate(ctx, record.Token)
	require.NoError(t, err)

	result, err := f.engine.Rotate(ctx, record.Token)
	require.NoError(t, err)
	require.Equal(t, refresh.ReasonCompromised, result.Reason)
}

type slowStore struct {
	*refreshrepofake.FakeRefreshStore
}

func (s slowStore) FindToken(ctx context.Context, token string) (*refresh.Record, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStoreTimeoutFailsClosed(t *testing.T) {
	store := slowStore{refreshrepofake.NewFakeRefreshStore()}
	engine, err := refresh.NewEngine(store, refresh.WithStoreTimeout(20*time.Millisecond))
	require.NoError(t, err)

	record, err := engine.NewSession(context.Background(), testUserID)
	require.NoError(t, err)

	result, err := engine.Rotate(context.Background(), record.Token)
	require.ErrorIs(t, err, apperrors.ErrUpstreamUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, result.Rotated())
}

func TestConcurrentRotateHasExactlyOneWinner(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	record, err := f.engine.NewSession(ctx, testUserID)
	require.NoError(t, err)

	const workers = 16
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]refresh.Result, workers)
		errs    = make([]error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = f.engine.Rotate(ctx, record.Token)
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].Rotated() {
			winners++
			continue
		}
		require.Contains(t, []refresh.Reason{refresh.ReasonCompromised, refresh.ReasonLocked}, results[i].Reason)
	}
	require.Equal(t, 1, winners)
	require.True(t, f.familyLocked(t, record.FamilyID))

	records, err := f.store.ListTokens(ctx, record.FamilyID)
	require.NoError(t, err)
	require.Len(t, records, 2, "no forked lineage")
}

func TestNewEngineValidation(t *testing.T) {
	_, err := refresh.NewEngine(nil)
	require.Error(t, err)
	_, err = refresh.NewEngine(refreshrepofake.NewFakeRefreshStore(), refresh.WithExpiry(0))
	require.Error(t, err)
}

// signOutDuringRotate removes the family right after the conditional write, the way a
// concurrent Terminate landing between MarkRotated and the successor's creation would.
type signOutDuringRotate struct {
	*refreshrepofake.FakeRefreshStore
}

func (s *signOutDuringRotate) MarkRotated(ctx context.Context, token string) (bool, error) {
	won, err := s.FakeRefreshStore.MarkRotated(ctx, token)
	if err != nil || !won {
		return won, err
	}
	record, err := s.FakeRefreshStore.FindToken(ctx, token)
	if err != nil {
		return false, err
	}
	records, err := s.FakeRefreshStore.ListTokens(ctx, record.FamilyID)
	if err != nil {
		return false, err
	}
	if err := s.FakeRefreshStore.DeleteTokens(ctx, records); err != nil {
		return false, err
	}
	return true, s.FakeRefreshStore.DeleteFamily(ctx, record.FamilyID)
}

func TestRotateDuringSignOutIsDenied(t *testing.T) {
	ctx := context.Background()
	store := &signOutDuringRotate{FakeRefreshStore: refreshrepofake.NewFakeRefreshStore()}
	engine, err := refresh.NewEngine(store)
	require.NoError(t, err)

	first, err := engine.NewSession(ctx, testUserID)
	require.NoError(t, err)

	result, err := engine.Rotate(ctx, first.Token)
	require.NoError(t, err)
	require.False(t, result.Rotated())
	require.Equal(t, refresh.ReasonLocked, result.Reason)
}
