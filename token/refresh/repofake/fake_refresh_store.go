package refreshrepofake

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/jrsteele09/go-session-auth/internal/errors"
	"github.com/jrsteele09/go-session-auth/token/refresh"
)

var _ refresh.Store = (*FakeRefreshStore)(nil)

// FakeRefreshStore is an in-memory refresh.Store. A single mutex makes every
// operation atomic, which is enough for MarkRotated to be a true compare-and-set.
type FakeRefreshStore struct {
	families map[string]*refresh.Family
	tokens   map[string]*refresh.Record
	lock     sync.RWMutex

	// FailWith, when set, is consulted before each operation; a non-nil return is the operation's error.
	FailWith func(op string) error
}

func NewFakeRefreshStore() *FakeRefreshStore {
	return &FakeRefreshStore{
		families: make(map[string]*refresh.Family),
		tokens:   make(map[string]*refresh.Record),
	}
}

func (s *FakeRefreshStore) fail(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.FailWith != nil {
		return s.FailWith(op)
	}
	return nil
}

func (s *FakeRefreshStore) CreateFamily(ctx context.Context) (string, error) {
	if err := s.fail(ctx, "CreateFamily"); err != nil {
		return "", err
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	id := uuid.New().String()
	s.families[id] = &refresh.Family{ID: id, Created: time.Now()}
	return id, nil
}

func (s *FakeRefreshStore) GetFamily(ctx context.Context, familyID string) (*refresh.Family, error) {
	if err := s.fail(ctx, "GetFamily"); err != nil {
		return nil, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()

	f, ok := s.families[familyID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *FakeRefreshStore) LockFamily(ctx context.Context, familyID string) error {
	if err := s.fail(ctx, "LockFamily"); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	f, ok := s.families[familyID]
	if !ok {
		return apperrors.ErrNotFound
	}
	f.Locked = true
	for _, r := range s.tokens {
		if r.FamilyID == familyID {
			r.Locked = true
		}
	}
	return nil
}

func (s *FakeRefreshStore) CreateToken(ctx context.Context, record *refresh.Record) (*refresh.Record, error) {
	if err := s.fail(ctx, "CreateToken"); err != nil {
		return nil, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	f, ok := s.families[record.FamilyID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *record
	cp.Locked = cp.Locked || f.Locked
	s.tokens[record.Token] = &cp
	out := cp
	return &out, nil
}

func (s *FakeRefreshStore) FindToken(ctx context.Context, token string) (*refresh.Record, error) {
	if err := s.fail(ctx, "FindToken"); err != nil {
		return nil, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()

	r, ok := s.tokens[token]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *FakeRefreshStore) MarkRotated(ctx context.Context, token string) (bool, error) {
	if err := s.fail(ctx, "MarkRotated"); err != nil {
		return false, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	r, ok := s.tokens[token]
	if !ok || r.HasRotated {
		return false, nil
	}
	r.HasRotated = true
	return true, nil
}

func (s *FakeRefreshStore) ListTokens(ctx context.Context, familyID string) ([]*refresh.Record, error) {
	if err := s.fail(ctx, "ListTokens"); err != nil {
		return nil, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()

	out := make([]*refresh.Record, 0)
	for _, r := range s.tokens {
		if r.FamilyID == familyID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Created.Before(out[j].Created)
	})
	return out, nil
}

func (s *FakeRefreshStore) DeleteTokens(ctx context.Context, records []*refresh.Record) error {
	if err := s.fail(ctx, "DeleteTokens"); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, r := range records {
		delete(s.tokens, r.Token)
	}
	return nil
}

func (s *FakeRefreshStore) DeleteFamily(ctx context.Context, familyID string) error {
	if err := s.fail(ctx, "DeleteFamily"); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	delete(s.families, familyID)
	return nil
}
