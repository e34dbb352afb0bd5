package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rickgao/rtlink/internal/codec"
)

type entry struct {
	handle    Handle
	eventType string
	handler   Handler
	active    atomic.Bool
}

// Registry maps event types to ordered handler lists.
//
// The entry slice is copy-on-write: Dispatch iterates a snapshot, so
// Subscribe and Unsubscribe may be called from inside a handler.
type Registry struct {
	mu      sync.Mutex
	entries []*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Subscribe registers h for eventType (or Wildcard). Handlers run in
// subscription order. A nil handler is ignored and yields the zero Handle.
func (r *Registry) Subscribe(eventType string, h Handler) Handle {
	if h == nil || eventType == "" {
		return Handle{}
	}

	e := &entry{
		handle:    Handle{id: uuid.New()},
		eventType: eventType,
		handler:   h,
	}
	e.active.Store(true)

	r.mu.Lock()
	next := make([]*entry, len(r.entries), len(r.entries)+1)
	copy(next, r.entries)
	r.entries = append(next, e)
	r.mu.Unlock()

	return e.handle
}

// SubscribeAll registers bindings in order and returns their handles.
func (r *Registry) SubscribeAll(bindings []Binding) []Handle {
	handles := make([]Handle, 0, len(bindings))
	for _, b := range bindings {
		handles = append(handles, r.Subscribe(b.Type, b.Handler))
	}
	return handles
}

// Unsubscribe removes a subscription. It reports whether the handle was
// registered. Once it returns the handler is not invoked again, including
// later in a dispatch pass already in progress.
func (r *Registry) Unsubscribe(h Handle) bool {
	if h.IsZero() {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.handle != h {
			continue
		}
		e.active.Store(false)
		next := make([]*entry, 0, len(r.entries)-1)
		next = append(next, r.entries[:i]...)
		next = append(next, r.entries[i+1:]...)
		r.entries = next
		return true
	}
	return false
}

// Len returns the number of active subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Reset removes every subscription.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.active.Store(false)
	}
	r.entries = nil
}

// Dispatch invokes every handler registered for ev.Type or Wildcard, in
// subscription order. Failing handlers do not stop the pass; their errors
// are returned. Dispatch stops early once ctx is done.
func (r *Registry) Dispatch(ctx context.Context, ev codec.Event) []error {
	r.mu.Lock()
	snapshot := r.entries
	r.mu.Unlock()

	var errs []error
	for _, e := range snapshot {
		if ctx.Err() != nil {
			return errs
		}
		if e.eventType != ev.Type && e.eventType != Wildcard {
			continue
		}
		if !e.active.Load() {
			continue
		}
		if err := invoke(ctx, e, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func invoke(ctx context.Context, e *entry, ev codec.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &HandlerError{
				Handle:    e.handle,
				EventType: ev.Type,
				Panicked:  true,
				Err:       fmt.Errorf("%v", p),
			}
		}
	}()

	if herr := e.handler(ctx, ev); herr != nil {
		return &HandlerError{
			Handle:    e.handle,
			EventType: ev.Type,
			Err:       herr,
		}
	}
	return nil
}
