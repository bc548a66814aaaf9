package drivesync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLStore("sqlite", filepath.Join(t.TempDir(), "drivesync.db"))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewSQLStoreValidatesInput(t *testing.T) {
	if _, err := NewSQLStore("mysql", "dsn"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unsupported driver, got %v", err)
	}
	if _, err := NewSQLStore("postgres", "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty dsn, got %v", err)
	}
}

func TestSQLStoreRebind(t *testing.T) {
	pg := &SQLStore{driver: "postgres"}
	if got := pg.rebind("SELECT ? WHERE a = ? AND b = ?"); got != "SELECT $1 WHERE a = $2 AND b = $3" {
		t.Fatalf("unexpected postgres rebind: %s", got)
	}
	lite := &SQLStore{driver: "sqlite"}
	if got := lite.rebind("SELECT ?"); got != "SELECT ?" {
		t.Fatalf("sqlite queries must keep ? placeholders: %s", got)
	}
}

func TestSQLStoreCursorRoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	if _, err := store.GetCursor(ctx, "scope-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	cursor := SyncCursor{ScopeID: "scope-1", Cursor: "token-1", ScopeType: ScopeSharedDrive, LastSyncAt: at}
	if err := store.SaveCursor(ctx, cursor); err != nil {
		t.Fatalf("save cursor: %v", err)
	}
	cursor.Cursor = "token-2"
	if err := store.SaveCursor(ctx, cursor); err != nil {
		t.Fatalf("upsert cursor: %v", err)
	}

	got, err := store.GetCursor(ctx, "scope-1")
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if got.Cursor != "token-2" || got.ScopeType != ScopeSharedDrive || !got.LastSyncAt.Equal(at) {
		t.Fatalf("unexpected cursor: %+v", got)
	}
}

func TestSQLStoreChannelRoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	channel := WatchChannel{ID: "ch-1", ResourceID: "res-1", ResourceURI: "https://example.com", Expiration: expires}
	if err := store.SaveChannel(ctx, channel); err != nil {
		t.Fatalf("save channel: %v", err)
	}
	channels, err := store.ListChannels(ctx)
	if err != nil {
		t.Fatalf("list channels: %v", err)
	}
	if len(channels) != 1 || channels[0].ResourceID != "res-1" || !channels[0].Expiration.Equal(expires) {
		t.Fatalf("unexpected channels: %+v", channels)
	}

	if err := store.DeleteChannel(ctx, "ch-1"); err != nil {
		t.Fatalf("delete channel: %v", err)
	}
	channels, _ = store.ListChannels(ctx)
	if len(channels) != 0 {
		t.Fatalf("expected no channels after delete, got %+v", channels)
	}
}

func TestSQLStoreFileLifecycle(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	created, err := store.UpsertFile(ctx, FileRecord{
		ID: "f1", Hash: "h1", FileName: "a.pdf", FileSize: 5,
		Status: StatusPending, CreatedAt: at, ModifiedAt: at,
	})
	if err != nil || !created {
		t.Fatalf("first upsert: created=%v err=%v", created, err)
	}
	if err := store.UpdateFileStatus(ctx, "h1", StatusProcessed); err != nil {
		t.Fatalf("update status: %v", err)
	}

	created, err = store.UpsertFile(ctx, FileRecord{
		ID: "f2", Hash: "h1", FileName: "b.pdf", FileSize: 5,
		Status: StatusPending, CreatedAt: at.Add(time.Hour), ModifiedAt: at.Add(time.Hour),
	})
	if err != nil || created {
		t.Fatalf("second upsert: created=%v err=%v", created, err)
	}

	record, err := store.GetFileByHash(ctx, "h1")
	if err != nil {
		t.Fatalf("get file: %v", err)
	}
	if record.ID != "f2" || record.FileName != "b.pdf" {
		t.Fatalf("expected refreshed metadata, got %+v", record)
	}
	if record.Status != StatusProcessed {
		t.Fatalf("status must survive re-upsert, got %s", record.Status)
	}
	if !record.CreatedAt.Equal(at) {
		t.Fatalf("created time must survive re-upsert, got %s", record.CreatedAt)
	}

	if _, err := store.UpsertFile(ctx, FileRecord{
		ID: "f9", Hash: "h9", FileName: "c.pdf", Status: StatusPending, CreatedAt: at, ModifiedAt: at,
	}); err != nil {
		t.Fatalf("third upsert: %v", err)
	}
	processed, err := store.ListFilesByStatus(ctx, StatusProcessed)
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(processed) != 1 || processed[0].Hash != "h1" {
		t.Fatalf("expected only the processed row, got %+v", processed)
	}

	if err := store.DeleteFileByID(ctx, "f2"); err != nil {
		t.Fatalf("delete file: %v", err)
	}
	if _, err := store.GetFileByHash(ctx, "h1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.UpdateFileStatus(ctx, "h1", StatusFailed); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing row, got %v", err)
	}
}

func TestSQLStoreTaskLifecycle(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	task := Task{
		ID:   "t1",
		Name: TaskProcessFile,
		Tags: []string{TagQueue},
		Metadata: map[string]any{
			MetaFileID:   "f1",
			MetaFileHash: "h1",
		},
	}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := store.CreateTask(ctx, Task{ID: "t2", Name: "OTHER", Tags: []string{"misc"}}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	queued, err := store.ListTasks(ctx, []string{TagQueue})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(queued) != 1 || queued[0].Metadata[MetaFileID] != "f1" {
		t.Fatalf("expected queue task with metadata, got %+v", queued)
	}

	byName, err := store.GetTaskByName(ctx, TaskProcessFile)
	if err != nil || byName.ID != "t1" {
		t.Fatalf("get by name: got %+v err %v", byName, err)
	}
	if _, err := store.GetTaskByName(ctx, "NOPE"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.UpdateTaskMetadata(ctx, "t1", map[string]any{MetaUpdatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("update metadata: %v", err)
	}
	byName, _ = store.GetTaskByName(ctx, TaskProcessFile)
	if byName.Metadata[MetaUpdatedAt] != "2026-01-01T00:00:00Z" {
		t.Fatalf("expected updated metadata, got %+v", byName.Metadata)
	}
	if err := store.UpdateTaskMetadata(ctx, "missing", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.DeleteTask(ctx, "t1"); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	if _, err := store.GetTaskByName(ctx, TaskProcessFile); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

// Postgres coverage runs only when a disposable database is provided, e.g.
// DRIVESYNC_TEST_POSTGRES_DSN=postgres://localhost/drivesync_test?sslmode=disable
func TestSQLStorePostgresIntegration(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("DRIVESYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("DRIVESYNC_TEST_POSTGRES_DSN not set")
	}
	store, err := NewSQLStore("postgres", dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	cursor := SyncCursor{ScopeID: "itest-scope", Cursor: "1", ScopeType: ScopeSingleFolder, LastSyncAt: time.Now().UTC()}
	if err := store.SaveCursor(ctx, cursor); err != nil {
		t.Fatalf("save cursor: %v", err)
	}
	cursor.Cursor = "2"
	if err := store.SaveCursor(ctx, cursor); err != nil {
		t.Fatalf("upsert cursor: %v", err)
	}
	got, err := store.GetCursor(ctx, "itest-scope")
	if err != nil || got.Cursor != "2" {
		t.Fatalf("get cursor: got %+v err %v", got, err)
	}

	created, err := store.UpsertFile(ctx, FileRecord{ID: "itest-file", Hash: "itest-hash", FileName: "x.pdf", Status: StatusPending, CreatedAt: time.Now().UTC(), ModifiedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("upsert file: %v", err)
	}
	if created {
		if _, err := store.UpsertFile(ctx, FileRecord{ID: "itest-file", Hash: "itest-hash", FileName: "y.pdf"}); err != nil {
			t.Fatalf("re-upsert file: %v", err)
		}
	}
	if err := store.DeleteFileByID(ctx, "itest-file"); err != nil {
		t.Fatalf("cleanup file: %v", err)
	}
}
