package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"anyrun/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "seen.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func task(t *testing.T, uuid string) domain.Task {
	t.Helper()
	tk, err := domain.NewTask(json.RawMessage(`{"uuid":"` + uuid + `","public":{"objects":{"runType":"url","mainObject":{"names":{"url":"http://` + uuid + `"}}}}}`))
	if err != nil {
		t.Fatal(err)
	}
	return tk
}

func uuids(tasks []domain.Task) []string {
	out := make([]string, len(tasks))
	for i, tk := range tasks {
		out[i] = tk.UUID()
	}
	return out
}

func TestMarkSeenReturnsOnlyNewTasks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fresh, err := store.MarkSeen(ctx, []domain.Task{task(t, "a"), task(t, "b")})
	if err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if got := uuids(fresh); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("first pass = %v, want [a b]", got)
	}

	fresh, err = store.MarkSeen(ctx, []domain.Task{task(t, "b"), task(t, "c"), task(t, "a")})
	if err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if got := uuids(fresh); len(got) != 1 || got[0] != "c" {
		t.Errorf("second pass = %v, want [c]", got)
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}
}

func TestMarkSeenSkipsTasksWithoutUUID(t *testing.T) {
	store := newTestStore(t)
	empty, _ := domain.NewTask(json.RawMessage(`{}`))

	fresh, err := store.MarkSeen(context.Background(), []domain.Task{empty})
	if err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if len(fresh) != 0 {
		t.Errorf("fresh = %v, want none", uuids(fresh))
	}
}

func seen(t *testing.T, store *SQLiteStore, uuid string) bool {
	t.Helper()
	var n int
	if err := store.db.QueryRow("SELECT COUNT(*) FROM seen_tasks WHERE uuid = ?", uuid).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n > 0
}

func TestPrune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.MarkSeen(ctx, []domain.Task{task(t, "old")}); err != nil {
		t.Fatal(err)
	}

	n, err := store.Prune(ctx, time.Now().Add(-time.Hour))
	if err != nil || n != 0 {
		t.Errorf("Prune(past) = %d, %v; want 0", n, err)
	}
	n, err = store.Prune(ctx, time.Now().Add(time.Hour))
	if err != nil || n != 1 {
		t.Errorf("Prune(future) = %d, %v; want 1", n, err)
	}
	if seen(t, store, "old") {
		t.Error("pruned task still recorded")
	}
}

func TestPruneWithinOneSecond(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	store.now = func() time.Time { return t0 }
	if _, err := store.MarkSeen(ctx, []domain.Task{task(t, "a")}); err != nil {
		t.Fatal(err)
	}
	store.now = func() time.Time { return t0.Add(100 * time.Millisecond) }
	if _, err := store.MarkSeen(ctx, []domain.Task{task(t, "b")}); err != nil {
		t.Fatal(err)
	}

	n, err := store.Prune(ctx, t0.Add(50*time.Millisecond))
	if err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v; want 1", n, err)
	}
	if seen(t, store, "a") {
		t.Error("a should be pruned")
	}
	if !seen(t, store, "b") {
		t.Error("b should survive")
	}
}

func TestMigratesTextTimestamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seen.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	for _, stmt := range []string{
		`CREATE TABLE seen_tasks (uuid TEXT PRIMARY KEY, name TEXT NOT NULL DEFAULT '', verdict TEXT NOT NULL DEFAULT '', first_seen TEXT NOT NULL)`,
		`INSERT INTO seen_tasks VALUES ('legacy', 'x', 'Malicious activity', '2024-01-02T03:04:05.123456789Z')`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatal(err)
		}
	}
	db.Close()

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	if n, err := store.Count(ctx); err != nil || n != 1 {
		t.Fatalf("Count = %d, %v; want 1", n, err)
	}
	legacy := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if n, _ := store.Prune(ctx, legacy); n != 0 {
		t.Errorf("Prune(at legacy second) = %d, want 0", n)
	}
	if n, _ := store.Prune(ctx, legacy.Add(time.Second)); n != 1 {
		t.Errorf("Prune(after legacy) = %d, want 1", n)
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seen.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.MarkSeen(context.Background(), []domain.Task{task(t, "p")}); err != nil {
		t.Fatal(err)
	}
	store.Close()

	store, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	fresh, err := store.MarkSeen(context.Background(), []domain.Task{task(t, "p")})
	if err != nil {
		t.Fatal(err)
	}
	if len(fresh) != 0 {
		t.Errorf("task reported again after reopen: %v", uuids(fresh))
	}
}
