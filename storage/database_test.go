package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesDatabaseAndAppliesMigrations(t *testing.T) {
	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	if dbPath != filepath.Join(dataDir, DefaultDBFileName) {
		t.Fatalf("unexpected db path: got %q", dbPath)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file not created: %v", err)
	}

	var version int
	if err := store.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), version)
	}

	var journalMode string
	if err := store.db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Fatalf("expected journal_mode wal, got %q", journalMode)
	}

	var count int
	if err := store.db.QueryRow(
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name = 'history'",
	).Scan(&count); err != nil {
		t.Fatalf("check history table: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected history table to exist")
	}
}

func TestReopenKeepsDataAndSkipsMigrations(t *testing.T) {
	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.RecordConnection(testDevice("192.168.1.20", "desk")); err != nil {
		t.Fatalf("RecordConnection failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	reopened, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	entry, err := reopened.GetHistoryEntry("192.168.1.20")
	if err != nil {
		t.Fatalf("GetHistoryEntry after reopen failed: %v", err)
	}
	if entry.DeviceName != "desk" {
		t.Fatalf("unexpected entry after reopen: %+v", entry)
	}
}
