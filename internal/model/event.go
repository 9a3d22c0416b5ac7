package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MaxPayloadSize bounds one POST body or socket frame. Coverage payloads are large.
const MaxPayloadSize = 32 << 20

// Event is a test-lifecycle event emitted by a remote client.
// ID is the client-assigned sequence number, contiguous per session from 0.
type Event struct {
	SessionID string          `json:"sessionId"`
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data,omitempty"`
	Cancelled bool            `json:"cancelled,omitempty"`
}

// Validate checks the fields every transport relies on.
func (e *Event) Validate() error {
	if e.SessionID == "" {
		return fmt.Errorf("%w: missing sessionId", ErrMalformedPayload)
	}
	if e.ID < 0 {
		return fmt.Errorf("%w: negative sequence %d", ErrMalformedPayload, e.ID)
	}
	return nil
}

// Ack is the frame sent back over a socket once an event has been processed.
type Ack struct {
	ID int64 `json:"id"`
}

// ParseEvent decodes a single JSON event object.
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// ParseBatch decodes a POST body. The body is either a single event object or
// an array whose items are event objects or JSON strings holding event objects.
func ParseBatch(body []byte) ([]*Event, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}

	if trimmed[0] != '[' {
		ev, err := ParseEvent([]byte(trimmed))
		if err != nil {
			return nil, err
		}
		return []*Event{ev}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	events := make([]*Event, 0, len(items))
	for i, item := range items {
		raw := []byte(item)
		// Clients may send each event pre-encoded as a string.
		var encoded string
		if err := json.Unmarshal(item, &encoded); err == nil {
			raw = []byte(encoded)
		}
		ev, err := ParseEvent(raw)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		events = append(events, ev)
	}
	return events, nil
}
