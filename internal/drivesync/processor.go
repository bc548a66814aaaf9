package drivesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskProcessFile is queued once per newly seen content hash.
const TaskProcessFile = "PROCESS_FILE"

// TagQueue marks tasks owned by the scheduler loop.
const TagQueue = "queue"

// SyncResult reports one sync pass. Changes counts every feed entry received;
// Processed counts the entries acted on (removed, trashed, accepted uploads).
type SyncResult struct {
	Changes   int `json:"changes"`
	Processed int `json:"processed"`
}

func (r SyncResult) add(other SyncResult) SyncResult {
	return SyncResult{Changes: r.Changes + other.Changes, Processed: r.Processed + other.Processed}
}

// ChangeProcessor consumes the provider change feed for one scope and keeps
// the file registry and task queue consistent with it.
type ChangeProcessor struct {
	provider Provider
	cursors  CursorStore
	files    FileStore
	tasks    TaskStore
	scope    Scope
	logger   Logger

	// mu serializes sync passes: the webhook handler, the manual endpoint
	// and the background loop may all fire at once.
	mu    sync.Mutex
	now   func() time.Time
	newID func() string
}

func NewChangeProcessor(provider Provider, cursors CursorStore, files FileStore, tasks TaskStore, scope Scope, logger Logger) *ChangeProcessor {
	return &ChangeProcessor{
		provider: provider,
		cursors:  cursors,
		files:    files,
		tasks:    tasks,
		scope:    scope,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Initialize registers every file already present in the scope and persists a
// baseline cursor. Safe to call repeatedly: an existing cursor makes it a
// no-op, and the hash-keyed registry absorbs re-listing.
func (p *ChangeProcessor) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.cursors.GetCursor(ctx, p.scope.ScopeID())
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	files, err := p.provider.ListFiles(ctx, p.scope.ListQuery())
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}
	var errs []error
	for _, file := range files {
		if strings.TrimSpace(file.Hash) == "" {
			continue
		}
		if err := p.registerFile(ctx, file); err != nil {
			errs = append(errs, fmt.Errorf("file %s: %w", file.ID, err))
		}
	}
	if err := p.baseline(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SyncOnce consumes a single page of the change feed and advances the cursor.
// A missing or invalidated cursor is replaced with a fresh baseline, yielding
// a zero result for that pass.
func (p *ChangeProcessor) SyncOnce(ctx context.Context) (SyncResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.syncOnceLocked(ctx)
}

// SyncAll drains the feed, accumulating page results until a pass reports
// zero changes.
func (p *ChangeProcessor) SyncAll(ctx context.Context) (SyncResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var total SyncResult
	for {
		result, err := p.syncOnceLocked(ctx)
		total = total.add(result)
		if err != nil {
			return total, err
		}
		if result.Changes == 0 {
			return total, nil
		}
	}
}

func (p *ChangeProcessor) syncOnceLocked(ctx context.Context) (SyncResult, error) {
	cursor, err := p.cursors.GetCursor(ctx, p.scope.ScopeID())
	if errors.Is(err, ErrNotFound) {
		return SyncResult{}, p.baseline(ctx)
	}
	if err != nil {
		return SyncResult{}, err
	}

	page, err := p.provider.Changes(ctx, cursor.Cursor, p.scope.ChangeQuery())
	if errors.Is(err, ErrInvalidCursor) {
		p.logger.Printf("scope %s: cursor invalidated, re-baselining", p.scope.ScopeID())
		return SyncResult{}, p.baseline(ctx)
	}
	if err != nil {
		return SyncResult{}, fmt.Errorf("fetch changes: %w", err)
	}

	result := SyncResult{Changes: len(page.Changes)}
	var errs []error
	for _, change := range page.Changes {
		processed, err := p.apply(ctx, change)
		if err != nil {
			errs = append(errs, fmt.Errorf("change %s: %w", change.FileID, err))
			continue
		}
		if processed {
			result.Processed++
		}
	}

	// The cursor advances even when individual entries failed: every entry
	// was attempted, and replaying the page would double-apply the rest.
	cursor.Cursor = page.NewCursor
	cursor.LastSyncAt = p.now()
	if err := p.cursors.SaveCursor(ctx, cursor); err != nil {
		errs = append(errs, fmt.Errorf("save cursor: %w", err))
	}
	return result, errors.Join(errs...)
}

// apply reports whether the entry counted as processed. Entries outside the
// accepted type, or lacking the fields needed to act, are skipped.
func (p *ChangeProcessor) apply(ctx context.Context, change Change) (bool, error) {
	if strings.TrimSpace(change.FileID) == "" {
		return false, nil
	}
	if change.Removed || change.File == nil {
		// Permanently removed: the registry row (if any) stays, keyed on
		// content, so re-shared identical bytes are still recognized.
		return true, nil
	}
	if change.File.Trashed {
		if err := p.files.DeleteFileByID(ctx, change.FileID); err != nil {
			return false, err
		}
		return true, nil
	}
	if change.File.MimeType != p.scope.MimeType() {
		return false, nil
	}
	if strings.TrimSpace(change.File.Hash) == "" {
		return false, nil
	}
	if err := p.registerFile(ctx, *change.File); err != nil {
		return false, err
	}
	return true, nil
}

// registerFile upserts the registry row keyed on content hash and queues a
// processing task only when the hash is new.
func (p *ChangeProcessor) registerFile(ctx context.Context, file File) error {
	now := p.now()
	created, err := p.files.UpsertFile(ctx, FileRecord{
		ID:         file.ID,
		Hash:       file.Hash,
		FileName:   file.Name,
		FileSize:   file.Size,
		Status:     StatusPending,
		CreatedAt:  now,
		ModifiedAt: now,
	})
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	return p.tasks.CreateTask(ctx, Task{
		ID:   p.newID(),
		Name: TaskProcessFile,
		Tags: []string{TagQueue},
		Metadata: map[string]any{
			MetaFileID:   file.ID,
			MetaFileName: file.Name,
			MetaFileHash: file.Hash,
		},
	})
}

func (p *ChangeProcessor) baseline(ctx context.Context) error {
	start, err := p.provider.GetStartCursor(ctx, p.scope.StartCursorParams())
	if err != nil {
		return fmt.Errorf("get start cursor: %w", err)
	}
	return p.cursors.SaveCursor(ctx, SyncCursor{
		ScopeID:    p.scope.ScopeID(),
		Cursor:     start,
		ScopeType:  p.scope.ScopeType(),
		LastSyncAt: p.now(),
	})
}
