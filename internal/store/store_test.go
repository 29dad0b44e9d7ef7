package store

import "testing"

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenCreatesBuckets(t *testing.T) {
	db := openTestDB(t)
	if db.Path() == "" {
		t.Fatalf("expected non-empty path")
	}
}

func TestOpenRejectsEmptyDatadir(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatalf("expected error for empty datadir")
	}
}
