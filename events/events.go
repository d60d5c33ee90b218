// Package events publishes security events raised by the session lifecycle.
// Publishing is best-effort: callers log failures and carry on.
package events

import (
	"context"
	"time"
)

type Type string

const (
	TypeReuseDetected     Type = "refresh_token.reuse_detected"
	TypeSessionTerminated Type = "session.terminated"
)

type SecurityEvent struct {
	Type       Type      `json:"type"`
	FamilyID   string    `json:"family_id"`
	UserID     string    `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event SecurityEvent) error
}

// NopPublisher discards every event.
type NopPublisher struct{}

var _ Publisher = NopPublisher{}

func (NopPublisher) Publish(context.Context, SecurityEvent) error {
	return nil
}
