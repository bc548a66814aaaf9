package localdrive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/biograph/drivesync/internal/drivesync"
)

type testLogger struct{}

func (testLogger) Printf(string, ...any) {}

func newTestProvider(t *testing.T) (*Provider, string) {
	t.Helper()
	dir := t.TempDir()
	provider, err := New(dir, testLogger{})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	t.Cleanup(func() { _ = provider.Close() })
	return provider, dir
}

// waitForChanges polls until the journal yields at least want entries.
func waitForChanges(t *testing.T, provider *Provider, cursor string, want int) drivesync.ChangePage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		page, err := provider.Changes(context.Background(), cursor, drivesync.ChangeQuery{})
		if err != nil {
			t.Fatalf("changes: %v", err)
		}
		if len(page.Changes) >= want {
			return page
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d changes, got %d", want, len(page.Changes))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestNewRejectsMissingDirectory(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "missing"), testLogger{}); err == nil {
		t.Fatalf("expected error for missing directory")
	}
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := New(file, testLogger{}); !errors.Is(err, drivesync.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for non-directory, got %v", err)
	}
}

func TestListFilesDescribesDirectory(t *testing.T) {
	provider, dir := newTestProvider(t)
	if err := os.WriteFile(filepath.Join(dir, "b.pdf"), []byte("content-b"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.pdf"), []byte("content-a"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	files, err := provider.ListFiles(context.Background(), drivesync.ListQuery{})
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if files[0].Name != "a.pdf" || files[1].Name != "b.pdf" {
		t.Fatalf("expected name-sorted listing, got %+v", files)
	}
	if files[0].MimeType != "application/pdf" {
		t.Fatalf("expected pdf mime type, got %s", files[0].MimeType)
	}
	if files[0].Hash == "" || files[0].Hash == files[1].Hash {
		t.Fatalf("expected distinct content hashes, got %q and %q", files[0].Hash, files[1].Hash)
	}
	if files[0].Size != int64(len("content-a")) {
		t.Fatalf("unexpected size: %d", files[0].Size)
	}
}

func TestChangesJournalsWritesAndDeletes(t *testing.T) {
	provider, dir := newTestProvider(t)
	cursor, err := provider.GetStartCursor(context.Background(), drivesync.StartCursorParams{})
	if err != nil {
		t.Fatalf("start cursor: %v", err)
	}

	path := filepath.Join(dir, "doc.pdf")
	if err := os.WriteFile(path, []byte("first"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	page := waitForChanges(t, provider, cursor, 1)
	entry := page.Changes[0]
	if entry.FileID != "doc.pdf" || entry.File == nil || entry.File.Trashed {
		t.Fatalf("unexpected create entry: %+v", entry)
	}
	if entry.File.MimeType != "application/pdf" {
		t.Fatalf("expected pdf mime type, got %s", entry.File.MimeType)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		page, err = provider.Changes(context.Background(), cursor, drivesync.ChangeQuery{})
		if err != nil {
			t.Fatalf("changes: %v", err)
		}
		last := page.Changes[len(page.Changes)-1]
		if last.File != nil && last.File.Trashed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for delete entry, got %+v", page.Changes)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Resuming from the returned cursor yields nothing new.
	empty, err := provider.Changes(context.Background(), page.NewCursor, drivesync.ChangeQuery{})
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(empty.Changes) != 0 {
		t.Fatalf("expected empty page at head, got %+v", empty.Changes)
	}
}

func TestChangesRejectsBadCursors(t *testing.T) {
	provider, _ := newTestProvider(t)
	ctx := context.Background()

	if _, err := provider.Changes(ctx, "not-a-number", drivesync.ChangeQuery{}); !errors.Is(err, drivesync.ErrInvalidCursor) {
		t.Fatalf("expected ErrInvalidCursor, got %v", err)
	}
	if _, err := provider.Changes(ctx, "0", drivesync.ChangeQuery{}); !errors.Is(err, drivesync.ErrInvalidCursor) {
		t.Fatalf("expected ErrInvalidCursor for pre-window cursor, got %v", err)
	}
	if _, err := provider.Changes(ctx, "99999", drivesync.ChangeQuery{}); !errors.Is(err, drivesync.ErrInvalidCursor) {
		t.Fatalf("expected ErrInvalidCursor for future cursor, got %v", err)
	}
}

func TestDownloadGuardsAgainstTraversal(t *testing.T) {
	provider, dir := newTestProvider(t)
	if err := os.WriteFile(filepath.Join(dir, "doc.pdf"), []byte("bytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	content, err := provider.Download(context.Background(), "doc.pdf")
	if err != nil || string(content) != "bytes" {
		t.Fatalf("download: %q err %v", content, err)
	}

	// Clean strips the traversal, so the read stays inside the root.
	if _, err := provider.Download(context.Background(), "../../etc/passwd"); !errors.Is(err, drivesync.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for escaped path, got %v", err)
	}
	if _, err := provider.Download(context.Background(), "missing.pdf"); !errors.Is(err, drivesync.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := provider.Download(context.Background(), "  "); !errors.Is(err, drivesync.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty id, got %v", err)
	}
}

func TestWatchIsNotImplemented(t *testing.T) {
	provider, _ := newTestProvider(t)
	if _, err := provider.Watch(context.Background(), drivesync.WatchRequest{}); !errors.Is(err, drivesync.ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
	if err := provider.StopWatch(context.Background(), "a", "b"); !errors.Is(err, drivesync.ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}

func TestJournalTrimInvalidatesOldCursors(t *testing.T) {
	provider, _ := newTestProvider(t)
	// Inject entries directly; driving >4096 real filesystem events is slow.
	for i := 0; i < maxJournal+10; i++ {
		provider.append(drivesync.Change{FileID: fmt.Sprintf("f-%d", i)})
	}
	if _, err := provider.Changes(context.Background(), "1", drivesync.ChangeQuery{}); !errors.Is(err, drivesync.ErrInvalidCursor) {
		t.Fatalf("expected trimmed cursor to be invalid, got %v", err)
	}
	page, err := provider.Changes(context.Background(), fmt.Sprintf("%d", 11), drivesync.ChangeQuery{})
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(page.Changes) != maxJournal {
		t.Fatalf("expected full retained window, got %d", len(page.Changes))
	}
}
