package activity

import (
	"context"
	"slices"
	"sync"
)

// Recorder is a Hook that keeps every event it receives. Notify returns
// Err, so tests can simulate a failing sink.
type Recorder struct {
	Err error

	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event.Normalize())
	return r.Err
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Verbs returns the verbs of the recorded events in order.
func (r *Recorder) Verbs() []Verb {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Verb, len(r.events))
	for i, e := range r.events {
		out[i] = e.Verb
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
