package model

import (
	"encoding/json"
	"time"
)

// JournalEntry is one delivered event as persisted in the event journal.
// Position counts deliveries within the session, starting at 0.
type JournalEntry struct {
	ID          int64           `json:"id"`
	SessionID   string          `json:"sessionId"`
	Position    int64           `json:"position"`
	Name        string          `json:"name"`
	Data        json.RawMessage `json:"data,omitempty"`
	DeliveredAt time.Time       `json:"deliveredAt"`
}
