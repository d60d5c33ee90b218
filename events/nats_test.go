package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subj)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestNATSPublisherEncodesEvent(t *testing.T) {
	conn := &fakeConn{}
	p := newNATSPublisher(conn, "auth.security")

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := p.Publish(context.Background(), SecurityEvent{
		Type:       TypeReuseDetected,
		FamilyID:   "fam-1",
		UserID:     "user-1",
		OccurredAt: at,
	})
	require.NoError(t, err)

	require.Equal(t, []string{"auth.security.refresh_token.reuse_detected"}, conn.subjects)

	var got SecurityEvent
	require.NoError(t, json.Unmarshal(conn.payloads[0], &got))
	require.Equal(t, TypeReuseDetected, got.Type)
	require.Equal(t, "fam-1", got.FamilyID)
	require.Equal(t, "user-1", got.UserID)
	require.True(t, at.Equal(got.OccurredAt))
}

func TestNATSPublisherErrors(t *testing.T) {
	conn := &fakeConn{err: errors.New("nats: connection closed")}
	p := newNATSPublisher(conn, "")
	require.Equal(t, "session.terminated", p.Subject(TypeSessionTerminated))

	err := p.Publish(context.Background(), SecurityEvent{Type: TypeSessionTerminated})
	require.ErrorContains(t, err, "connection closed")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Publish(ctx, SecurityEvent{}), context.Canceled)

	var nilPublisher *NATSPublisher
	require.Error(t, nilPublisher.Publish(context.Background(), SecurityEvent{}))
	nilPublisher.Close()
}
