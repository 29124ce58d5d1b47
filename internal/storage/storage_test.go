package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/deemix-relay/backend/internal/queue"
)

func setupStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleItems() []*queue.Item {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return []*queue.Item{
		{UUID: "b", URL: "https://x/2", Bitrate: 9, Status: queue.Running, Progress: 55, Position: 1, CreatedAt: created},
		{UUID: "a", URL: "https://x/1", Bitrate: 3, Status: queue.Errored, Error: "not found", Position: 0, CreatedAt: created},
		{UUID: "c", URL: "https://x/3", Bitrate: 1, Status: queue.Queued, Position: 2, Restored: true, CreatedAt: created},
	}
}

func TestSQLiteStoreEmpty(t *testing.T) {
	s := setupStore(t)
	items, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("Load() = %d items, want 0", len(items))
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s := setupStore(t)
	if err := s.Save(sampleItems()); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	items, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("Load() = %d items, want 3", len(items))
	}

	for i, want := range []string{"a", "b", "c"} {
		if items[i].UUID != want {
			t.Errorf("items[%d] = %s, want %s (position order)", i, items[i].UUID, want)
		}
	}
	if items[0].Status != queue.Errored || items[0].Error != "not found" {
		t.Errorf("errored item = %+v", items[0])
	}
	if items[1].Status != queue.Running || items[1].Progress != 55 || items[1].Bitrate != 9 {
		t.Errorf("running item = %+v", items[1])
	}
	if !items[2].Restored {
		t.Error("restored flag lost")
	}
	if !items[0].CreatedAt.Equal(sampleItems()[1].CreatedAt) {
		t.Errorf("CreatedAt = %v", items[0].CreatedAt)
	}
}

func TestSQLiteStoreSaveReplaces(t *testing.T) {
	s := setupStore(t)
	if err := s.Save(sampleItems()); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(sampleItems()[:1]); err != nil {
		t.Fatal(err)
	}
	items, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].UUID != "b" {
		t.Errorf("after replace got %+v, want only b", items)
	}
}

func TestSQLiteStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(sampleItems()); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer s.Close()
	items, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Errorf("reopened store has %d items, want 3", len(items))
	}
}

func TestMigrationsRollback(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := RunMigrations(db); err != nil {
		t.Fatalf("re-running migrations should be a no-op: %v", err)
	}
	applied, err := RollbackLatest(db)
	if err != nil {
		t.Fatalf("RollbackLatest() error: %v", err)
	}
	if applied != 1 {
		t.Errorf("RollbackLatest() reverted %d, want 1", applied)
	}
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name = 'queue_items'").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Error("queue_items still exists after rollback")
	}
	if _, err := RollbackLatest(db); err == nil {
		t.Error("rollback with nothing applied should fail")
	}
}

func TestSQLiteStoreAsPersistence(t *testing.T) {
	var _ queue.Persistence = (*SQLiteStore)(nil)
}
