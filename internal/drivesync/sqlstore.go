package drivesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// SQLStore implements Store on top of database/sql. The same statements drive
// Postgres (lib/pq, $N placeholders) and SQLite (modernc.org/sqlite, ?
// placeholders) through rebind.
type SQLStore struct {
	driver string
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	driver = strings.TrimSpace(driver)
	if driver != "postgres" && driver != "sqlite" {
		return nil, fmt.Errorf("%w: unsupported sql driver %q", ErrInvalidInput, driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%w: empty dsn", ErrInvalidInput)
	}
	return &SQLStore{driver: driver, dsn: dsn, openDB: sql.Open}, nil
}

var sqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS drive_sync (
		id TEXT PRIMARY KEY,
		cursor TEXT NOT NULL,
		scope_type TEXT NOT NULL,
		last_sync_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS watch_channels (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL,
		resource_uri TEXT,
		expiration TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS file_metadata (
		id TEXT NOT NULL,
		hash TEXT PRIMARY KEY,
		file_name TEXT NOT NULL,
		file_size BIGINT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		modified_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		tags TEXT NOT NULL,
		metadata TEXT NOT NULL
	)`,
}

func (s *SQLStore) ensureReady(ctx context.Context) error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		for _, stmt := range sqlSchema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

// rebind converts ?-style placeholders to the $N form lib/pq expects.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) GetCursor(ctx context.Context, scopeID string) (SyncCursor, error) {
	if err := s.ensureReady(ctx); err != nil {
		return SyncCursor{}, err
	}
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, cursor, scope_type, last_sync_at FROM drive_sync WHERE id = ?`), scopeID)
	var cursor SyncCursor
	var scopeType, lastSyncAt string
	err := row.Scan(&cursor.ScopeID, &cursor.Cursor, &scopeType, &lastSyncAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncCursor{}, ErrNotFound
	}
	if err != nil {
		return SyncCursor{}, err
	}
	cursor.ScopeType = ScopeType(scopeType)
	cursor.LastSyncAt = parseStoredTime(lastSyncAt)
	return cursor, nil
}

func (s *SQLStore) SaveCursor(ctx context.Context, cursor SyncCursor) error {
	if strings.TrimSpace(cursor.ScopeID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO drive_sync (id, cursor, scope_type, last_sync_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id)
		DO UPDATE SET cursor = EXCLUDED.cursor, scope_type = EXCLUDED.scope_type, last_sync_at = EXCLUDED.last_sync_at`),
		cursor.ScopeID, cursor.Cursor, string(cursor.ScopeType), formatStoredTime(cursor.LastSyncAt))
	return err
}

func (s *SQLStore) ListChannels(ctx context.Context) ([]WatchChannel, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, resource_id, resource_uri, expiration FROM watch_channels ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	channels := make([]WatchChannel, 0)
	for rows.Next() {
		var channel WatchChannel
		var resourceURI sql.NullString
		var expiration string
		if err := rows.Scan(&channel.ID, &channel.ResourceID, &resourceURI, &expiration); err != nil {
			return nil, err
		}
		channel.ResourceURI = resourceURI.String
		channel.Expiration = parseStoredTime(expiration)
		channels = append(channels, channel)
	}
	return channels, rows.Err()
}

func (s *SQLStore) SaveChannel(ctx context.Context, channel WatchChannel) error {
	if strings.TrimSpace(channel.ID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO watch_channels (id, resource_id, resource_uri, expiration)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id)
		DO UPDATE SET resource_id = EXCLUDED.resource_id, resource_uri = EXCLUDED.resource_uri, expiration = EXCLUDED.expiration`),
		channel.ID, channel.ResourceID, channel.ResourceURI, formatStoredTime(channel.Expiration))
	return err
}

func (s *SQLStore) DeleteChannel(ctx context.Context, id string) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM watch_channels WHERE id = ?`), id)
	return err
}

func (s *SQLStore) GetFileByHash(ctx context.Context, hash string) (FileRecord, error) {
	if err := s.ensureReady(ctx); err != nil {
		return FileRecord{}, err
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, hash, file_name, file_size, status, created_at, modified_at
		FROM file_metadata WHERE hash = ?`), hash)
	return scanFileRecord(row)
}

func (s *SQLStore) UpsertFile(ctx context.Context, record FileRecord) (bool, error) {
	if strings.TrimSpace(record.Hash) == "" {
		return false, ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var existingHash string
	err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT hash FROM file_metadata WHERE hash = ?`), record.Hash).Scan(&existingHash)
	created := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created = true
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO file_metadata (id, hash, file_name, file_size, status, created_at, modified_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			record.ID, record.Hash, record.FileName, record.FileSize, string(record.Status),
			formatStoredTime(record.CreatedAt), formatStoredTime(record.ModifiedAt))
	case err == nil:
		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE file_metadata SET id = ?, file_name = ?, file_size = ?, modified_at = ?
			WHERE hash = ?`),
			record.ID, record.FileName, record.FileSize, formatStoredTime(record.ModifiedAt), record.Hash)
	}
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	committed = true
	return created, nil
}

func (s *SQLStore) DeleteFileByID(ctx context.Context, id string) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM file_metadata WHERE id = ?`), id)
	return err
}

func (s *SQLStore) UpdateFileStatus(ctx context.Context, hash string, status FileStatus) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE file_metadata SET status = ? WHERE hash = ?`), string(status), hash)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListFilesByStatus(ctx context.Context, status FileStatus) ([]FileRecord, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, hash, file_name, file_size, status, created_at, modified_at
		FROM file_metadata WHERE status = ? ORDER BY hash`), string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]FileRecord, 0)
	for rows.Next() {
		record, err := scanFileRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *SQLStore) CreateTask(ctx context.Context, task Task) error {
	if strings.TrimSpace(task.ID) == "" || strings.TrimSpace(task.Name) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	tags, err := json.Marshal(task.Tags)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(task.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO tasks (id, name, tags, metadata) VALUES (?, ?, ?, ?)`),
		task.ID, task.Name, string(tags), string(metadata))
	return err
}

func (s *SQLStore) GetTaskByName(ctx context.Context, name string) (Task, error) {
	if err := s.ensureReady(ctx); err != nil {
		return Task{}, err
	}
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, name, tags, metadata FROM tasks WHERE name = ? ORDER BY id LIMIT 1`), name)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return task, err
}

func (s *SQLStore) ListTasks(ctx context.Context, tags []string) ([]Task, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, tags, metadata FROM tasks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if task.matchesTags(tags) {
			tasks = append(tasks, task)
		}
	}
	return tasks, rows.Err()
}

func (s *SQLStore) UpdateTaskMetadata(ctx context.Context, id string, metadata map[string]any) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE tasks SET metadata = ? WHERE id = ?`), string(payload), id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) DeleteTask(ctx context.Context, id string) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM tasks WHERE id = ?`), id)
	return err
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFileRecord(row rowScanner) (FileRecord, error) {
	var record FileRecord
	var status, createdAt, modifiedAt string
	err := row.Scan(&record.ID, &record.Hash, &record.FileName, &record.FileSize, &status, &createdAt, &modifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, ErrNotFound
	}
	if err != nil {
		return FileRecord{}, err
	}
	record.Status = FileStatus(status)
	record.CreatedAt = parseStoredTime(createdAt)
	record.ModifiedAt = parseStoredTime(modifiedAt)
	return record, nil
}

func scanTask(row rowScanner) (Task, error) {
	var task Task
	var tags, metadata string
	if err := row.Scan(&task.ID, &task.Name, &tags, &metadata); err != nil {
		return Task{}, err
	}
	if err := json.Unmarshal([]byte(tags), &task.Tags); err != nil {
		return Task{}, err
	}
	if err := json.Unmarshal([]byte(metadata), &task.Metadata); err != nil {
		return Task{}, err
	}
	return task, nil
}

func formatStoredTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseStoredTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
