package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// NewTestDB creates a new in-memory SQLite database for testing
func NewTestDB(t *testing.T) (*sql.DB, Store) {
	t.Helper()

	db, err := sql.Open("sqlite3", "file::memory:?mode=memory&_foreign_keys=on")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// Single connection so every query sees the same in-memory database
	db.SetMaxOpenConns(1)

	store := NewStoreFromDB(db)
	if err := store.(*SQLStore).SetupSchema(); err != nil {
		db.Close()
		t.Fatalf("failed to setup test database schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db, store
}

// SeedTestKey creates a test key in the database
func SeedTestKey(t *testing.T, store Store, uuid, name string) Key {
	t.Helper()

	key, err := store.CreateKey(context.Background(), CreateKeyParams{
		UUID:      uuid,
		Name:      sql.NullString{String: name, Valid: name != ""},
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("failed to seed test key: %v", err)
	}

	return key
}
