package eventsfake

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-session-auth/events"
)

var _ events.Publisher = (*Recorder)(nil)

// Recorder keeps every published event in memory.
type Recorder struct {
	lock   sync.Mutex
	events []events.SecurityEvent
	Err    error
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, event events.SecurityEvent) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []events.SecurityEvent {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]events.SecurityEvent(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(t events.Type) []events.SecurityEvent {
	var out []events.SecurityEvent
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
