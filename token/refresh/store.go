package refresh

import (
	"context"
	"time"
)

// Family is the lineage of refresh tokens descending from one sign-in.
// Locked only ever moves from false to true.
type Family struct {
	ID      string
	Locked  bool
	Created time.Time
}

// Record is the server side state of one refresh token value.
type Record struct {
	Token      string
	FamilyID   string
	UserID     string
	Created    time.Time
	Expires    time.Time
	HasRotated bool
	Locked     bool
}

// Store persists families and records. Implementations return ErrNotFound
// (internal/errors) for missing rows and must make MarkRotated a single
// conditional write so that exactly one concurrent caller wins.
type Store interface {
	CreateFamily(ctx context.Context) (string, error)
	GetFamily(ctx context.Context, familyID string) (*Family, error)
	// LockFamily locks the family and every record in it. Locking a locked family is a no-op.
	LockFamily(ctx context.Context, familyID string) error
	CreateToken(ctx context.Context, record *Record) (*Record, error)
	FindToken(ctx context.Context, token string) (*Record, error)
	// MarkRotated sets HasRotated where it is still false and reports whether this call did it.
	MarkRotated(ctx context.Context, token string) (bool, error)
	ListTokens(ctx context.Context, familyID string) ([]*Record, error)
	DeleteTokens(ctx context.Context, records []*Record) error
	DeleteFamily(ctx context.Context, familyID string) error
}
