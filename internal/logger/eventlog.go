// Package logger records delivered events as JSON lines: a header object
// followed by one [offset, sessionId, name, data] array per event.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/remote-test-proxy/backend/internal/session"
)

// Header is the first line of an event log.
type Header struct {
	Version   int   `json:"version"`
	Timestamp int64 `json:"timestamp"`
}

// Record is one delivered event. Format: [offset, sessionId, name, data]
type Record struct {
	Offset    float64
	SessionID string
	Name      string
	Data      json.RawMessage
}

// MarshalJSON implements custom JSON marshaling for Record.
func (r Record) MarshalJSON() ([]byte, error) {
	data := r.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Marshal([]interface{}{r.Offset, r.SessionID, r.Name, data})
}

// UnmarshalJSON implements custom JSON unmarshaling for Record.
func (r *Record) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 4 {
		return fmt.Errorf("invalid record format: expected 4 elements, got %d", len(arr))
	}

	if err := json.Unmarshal(arr[0], &r.Offset); err != nil {
		return fmt.Errorf("invalid offset: %w", err)
	}
	if err := json.Unmarshal(arr[1], &r.SessionID); err != nil {
		return fmt.Errorf("invalid session id: %w", err)
	}
	if err := json.Unmarshal(arr[2], &r.Name); err != nil {
		return fmt.Errorf("invalid event name: %w", err)
	}

	r.Data = nil
	if string(arr[3]) != "null" {
		r.Data = arr[3]
	}

	return nil
}

// EventLog appends records for every session to one writer.
type EventLog struct {
	writer    io.Writer
	file      *os.File // only set if we own the file
	startTime time.Time
	mu        sync.Mutex
}

// NewEventLog creates the file at filePath and writes the header.
func NewEventLog(filePath string) (*EventLog, error) {
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}

	l := &EventLog{
		writer:    file,
		file:      file,
		startTime: time.Now(),
	}
	if err := l.writeHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return l, nil
}

// NewEventLogWithWriter writes the header and records to w.
func NewEventLogWithWriter(w io.Writer) (*EventLog, error) {
	l := &EventLog{
		writer:    w,
		startTime: time.Now(),
	}
	if err := l.writeHeader(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *EventLog) writeHeader() error {
	data, err := json.Marshal(Header{Version: 1, Timestamp: l.startTime.Unix()})
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// Write appends one record.
func (l *EventLog) Write(sessionID, name string, data json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	line, err := json.Marshal(Record{
		Offset:    time.Since(l.startTime).Seconds(),
		SessionID: sessionID,
		Name:      name,
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if _, err := l.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	return nil
}

// For returns a listener writing the session's events to the log.
func (l *EventLog) For(sessionID string) session.Listener {
	return session.ListenerFunc(func(_ context.Context, name string, payload json.RawMessage) error {
		return l.Write(sessionID, name, payload)
	})
}

// Close closes the log file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// StartTime returns the time the log was opened.
func (l *EventLog) StartTime() time.Time {
	return l.startTime
}
