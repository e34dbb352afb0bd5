package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/rickgao/rtlink/internal/codec"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Handler consumes one dispatched event. A returned error or a panic is
// isolated to this handler.
type Handler func(ctx context.Context, ev codec.Event) error

// Handle identifies a subscription. The zero Handle is never issued.
type Handle struct {
	id uuid.UUID
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool {
	return h.id == uuid.Nil
}

func (h Handle) String() string {
	return h.id.String()
}

// Binding pairs an event type with a handler for bulk registration.
type Binding struct {
	Type    string
	Handler Handler
}

// HandlerError reports a handler that failed during dispatch.
type HandlerError struct {
	Handle    Handle
	EventType string
	Panicked  bool
	Err       error
}

func (e *HandlerError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("handler %s for %q panicked: %v", e.Handle, e.EventType, e.Err)
	}
	return fmt.Sprintf("handler %s for %q failed: %v", e.Handle, e.EventType, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
