package users

import (
	"context"
	"time"
)

// UserRepo is the credential lookup the session service signs users in against.
// Lookups of unknown users return errors.ErrNotFound.
type UserRepo interface {
	Upsert(ctx context.Context, user *User) error
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	SetLastLogin(ctx context.Context, id string, at time.Time) error
}
