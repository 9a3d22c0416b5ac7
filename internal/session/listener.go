package session

import (
	"context"
	"encoding/json"
)

// Listener receives the events delivered for one session.
type Listener interface {
	Handle(ctx context.Context, name string, payload json.RawMessage) error
}

// ListenerFunc adapts a plain function to the Listener interface.
type ListenerFunc func(ctx context.Context, name string, payload json.RawMessage) error

// Handle calls f(ctx, name, payload).
func (f ListenerFunc) Handle(ctx context.Context, name string, payload json.RawMessage) error {
	return f(ctx, name, payload)
}
