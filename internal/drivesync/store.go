package drivesync

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

type FileStatus string

const (
	StatusPending   FileStatus = "pending"
	StatusProcessed FileStatus = "processed"
	StatusFailed    FileStatus = "failed"
)

// SyncCursor is the persisted change-feed position for one watched scope.
type SyncCursor struct {
	ScopeID    string
	Cursor     string
	ScopeType  ScopeType
	LastSyncAt time.Time
}

// WatchChannel is one persisted push-notification subscription.
type WatchChannel struct {
	ID          string
	ResourceID  string
	ResourceURI string
	Expiration  time.Time
}

func (c WatchChannel) Expired(now time.Time) bool {
	return !c.Expiration.After(now)
}

// FileRecord is the content-addressed registry row. Hash is the true identity
// of "have we processed this content"; ID is the mutable provider file id.
type FileRecord struct {
	ID         string
	Hash       string
	FileName   string
	FileSize   int64
	Status     FileStatus
	CreatedAt  time.Time
	ModifiedAt time.Time
}

type CursorStore interface {
	GetCursor(ctx context.Context, scopeID string) (SyncCursor, error)
	SaveCursor(ctx context.Context, cursor SyncCursor) error
}

type ChannelStore interface {
	ListChannels(ctx context.Context) ([]WatchChannel, error)
	SaveChannel(ctx context.Context, channel WatchChannel) error
	DeleteChannel(ctx context.Context, id string) error
}

type FileStore interface {
	GetFileByHash(ctx context.Context, hash string) (FileRecord, error)
	// UpsertFile is keyed on Hash. A missing row is inserted as given and
	// reported created; an existing row only has its mutable metadata (id,
	// name, size, modified time) refreshed.
	UpsertFile(ctx context.Context, record FileRecord) (created bool, err error)
	DeleteFileByID(ctx context.Context, id string) error
	UpdateFileStatus(ctx context.Context, hash string, status FileStatus) error
	ListFilesByStatus(ctx context.Context, status FileStatus) ([]FileRecord, error)
}

type TaskStore interface {
	CreateTask(ctx context.Context, task Task) error
	GetTaskByName(ctx context.Context, name string) (Task, error)
	// ListTasks returns tasks carrying at least one of the given tags;
	// an empty filter returns everything.
	ListTasks(ctx context.Context, tags []string) ([]Task, error)
	UpdateTaskMetadata(ctx context.Context, id string, metadata map[string]any) error
	DeleteTask(ctx context.Context, id string) error
}

// Store is the full persistence surface shared by the sync subsystem and the
// scheduler.
type Store interface {
	CursorStore
	ChannelStore
	FileStore
	TaskStore
	Close() error
}

// BuildStoreFromDSN selects a backend by DSN scheme: postgres:// and
// postgresql:// use lib/pq, sqlite:// uses modernc.org/sqlite, memory://
// (and an empty scheme) stay in process.
func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "", "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewSQLStore("postgres", dsn)
	case "sqlite":
		path := parsed.Opaque
		if path == "" {
			path = parsed.Host + parsed.Path
		}
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("%w: sqlite dsn has no path", ErrInvalidInput)
		}
		return NewSQLStore("sqlite", path)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", parsed.Scheme)
	}
}

type MemoryStore struct {
	mu       sync.Mutex
	cursors  map[string]SyncCursor
	channels map[string]WatchChannel
	files    map[string]FileRecord
	tasks    map[string]Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cursors:  map[string]SyncCursor{},
		channels: map[string]WatchChannel{},
		files:    map[string]FileRecord{},
		tasks:    map[string]Task{},
	}
}

func (s *MemoryStore) GetCursor(_ context.Context, scopeID string) (SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor, ok := s.cursors[scopeID]
	if !ok {
		return SyncCursor{}, ErrNotFound
	}
	return cursor, nil
}

func (s *MemoryStore) SaveCursor(_ context.Context, cursor SyncCursor) error {
	if strings.TrimSpace(cursor.ScopeID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[cursor.ScopeID] = cursor
	return nil
}

func (s *MemoryStore) ListChannels(_ context.Context) ([]WatchChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	channels := make([]WatchChannel, 0, len(s.channels))
	for _, channel := range s.channels {
		channels = append(channels, channel)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].ID < channels[j].ID })
	return channels, nil
}

func (s *MemoryStore) SaveChannel(_ context.Context, channel WatchChannel) error {
	if strings.TrimSpace(channel.ID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[channel.ID] = channel
	return nil
}

func (s *MemoryStore) DeleteChannel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, id)
	return nil
}

func (s *MemoryStore) GetFileByHash(_ context.Context, hash string) (FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.files[hash]
	if !ok {
		return FileRecord{}, ErrNotFound
	}
	return record, nil
}

func (s *MemoryStore) UpsertFile(_ context.Context, record FileRecord) (bool, error) {
	if strings.TrimSpace(record.Hash) == "" {
		return false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.files[record.Hash]
	if !ok {
		s.files[record.Hash] = record
		return true, nil
	}
	existing.ID = record.ID
	existing.FileName = record.FileName
	existing.FileSize = record.FileSize
	existing.ModifiedAt = record.ModifiedAt
	s.files[record.Hash] = existing
	return false, nil
}

func (s *MemoryStore) DeleteFileByID(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, record := range s.files {
		if record.ID == id {
			delete(s.files, hash)
		}
	}
	return nil
}

func (s *MemoryStore) UpdateFileStatus(_ context.Context, hash string, status FileStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.files[hash]
	if !ok {
		return ErrNotFound
	}
	record.Status = status
	s.files[hash] = record
	return nil
}

func (s *MemoryStore) ListFilesByStatus(_ context.Context, status FileStatus) ([]FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]FileRecord, 0)
	for _, record := range s.files {
		if record.Status == status {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Hash < records[j].Hash })
	return records, nil
}

func (s *MemoryStore) CreateTask(_ context.Context, task Task) error {
	if strings.TrimSpace(task.ID) == "" || strings.TrimSpace(task.Name) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.clone()
	return nil
}

func (s *MemoryStore) GetTaskByName(_ context.Context, name string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.tasks {
		if task.Name == name {
			return task.clone(), nil
		}
	}
	return Task{}, ErrNotFound
}

func (s *MemoryStore) ListTasks(_ context.Context, tags []string) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if task.matchesTags(tags) {
			tasks = append(tasks, task.clone())
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (s *MemoryStore) UpdateTaskMetadata(_ context.Context, id string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	task.Metadata = cloneMetadata(metadata)
	s.tasks[id] = task
	return nil
}

func (s *MemoryStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
