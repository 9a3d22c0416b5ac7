package db

import (
	"path/filepath"
	"testing"
)

func TestOpen_MigratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	conn, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO events (session_id, position, name) VALUES ('S1', 0, 'runStart')`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	conn.Close()

	// Reopening must not re-run migrations or lose rows.
	conn, err = Open(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer conn.Close()

	version, err := SchemaVersion(conn)
	if err != nil {
		t.Fatalf("SchemaVersion() error: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("version = %d, want %d", version, len(migrations))
	}

	var count int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 row after reopen, got %d", count)
	}
}

func TestInitDB_Singleton(t *testing.T) {
	ResetDB()
	t.Cleanup(ResetDB)

	dir := t.TempDir()
	first, err := InitDB(filepath.Join(dir, "a.db"))
	if err != nil {
		t.Fatalf("InitDB() error: %v", err)
	}
	second, err := InitDB(filepath.Join(dir, "b.db"))
	if err != nil {
		t.Fatalf("InitDB() error: %v", err)
	}
	if first != second || GetDB() != first {
		t.Error("InitDB should return the same connection until reset")
	}
}

func TestNewTestDB(t *testing.T) {
	conn, err := NewTestDB()
	if err != nil {
		t.Fatalf("NewTestDB() error: %v", err)
	}
	defer conn.Close()

	version, err := SchemaVersion(conn)
	if err != nil || version != len(migrations) {
		t.Errorf("SchemaVersion() = %d, %v", version, err)
	}
}
