package repository

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/remote-test-proxy/backend/internal/model"
)

// Journal is a session listener that appends every delivered event to the
// repository.
type Journal struct {
	repo      *EventRepository
	sessionID string

	mu       sync.Mutex
	position int64
}

// NewJournal creates a Journal for one session.
func NewJournal(repo *EventRepository, sessionID string) *Journal {
	return &Journal{repo: repo, sessionID: sessionID}
}

// Handle records the event at the next position.
func (j *Journal) Handle(ctx context.Context, name string, payload json.RawMessage) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry := &model.JournalEntry{
		SessionID: j.sessionID,
		Position:  j.position,
		Name:      name,
		Data:      payload,
	}
	if err := j.repo.Append(ctx, entry); err != nil {
		return err
	}

	j.position++
	return nil
}
