package agent

import (
	"context"
	"slices"
	"sync"

	"github.com/fiasco-engine/ipc/pkg/events"
	"github.com/fiasco-engine/ipc/pkg/types"
)

// Recorder keeps every event it is handed and lets callers wait for one
type Recorder struct {
	mu      sync.Mutex
	events  []types.Event
	changed chan struct{} // closed and replaced on every batch
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{changed: make(chan struct{})}
}

// Consume implements events.Consumer
func (r *Recorder) Consume(_ context.Context, batch *events.Batch) {
	if batch.Len() == 0 {
		return
	}
	r.mu.Lock()
	for _, ev := range batch.All() {
		r.events = append(r.events, ev)
	}
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far
func (r *Recorder) Events() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Count returns how many recorded events match pred
func (r *Recorder) Count(pred events.Predicate) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if pred(ev) {
			n++
		}
	}
	return n
}

// WaitFor blocks until an event matching pred has been recorded or ctx ends
func (r *Recorder) WaitFor(ctx context.Context, pred events.Predicate) (types.Event, error) {
	for {
		r.mu.Lock()
		for _, ev := range r.events {
			if pred(ev) {
				r.mu.Unlock()
				return ev, nil
			}
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, types.WrapError(types.ErrCodeCanceled, "wait for event abandoned", ctx.Err())
		}
	}
}

// Reset forgets everything recorded so far
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
