package drivesync

import (
	"context"
	"time"
)

// File is the minimal projection of a remote file the sync core cares about.
type File struct {
	ID       string
	Name     string
	Hash     string
	Size     int64
	Trashed  bool
	MimeType string
}

// Change is one entry from the provider change feed. File is nil for
// permanently removed entries.
type Change struct {
	FileID  string
	Removed bool
	File    *File
}

// ChangePage is one page of the change feed. NewCursor is the position to
// resume from on the next call.
type ChangePage struct {
	Changes   []Change
	NewCursor string
}

type ListQuery struct {
	Query     string
	Fields    string
	OrderBy   string
	DriveID   string
	AllDrives bool
	Corpora   string
}

type ChangeQuery struct {
	Fields            string
	IncludeRemoved    bool
	DriveID           string
	AllDrives         bool
	Spaces            string
	RestrictToMyDrive bool
	Query             string
}

type StartCursorParams struct {
	DriveID   string
	AllDrives bool
}

// WatchRequest registers a push-notification channel. PageToken may be left
// empty; providers that require one fetch a fresh start cursor themselves.
type WatchRequest struct {
	ChannelID  string
	Address    string
	Expiration time.Time
	PageToken  string
	DriveID    string
	AllDrives  bool
}

// Channel is a provider-assigned push-notification subscription.
type Channel struct {
	ID          string
	ResourceID  string
	ResourceURI string
	Expiration  time.Time
}

// Provider is the remote file-store boundary. Changes must return an error
// wrapping ErrInvalidCursor when the provider reports the cursor itself as
// stale or expired, so callers can re-baseline instead of wedging.
type Provider interface {
	ListFiles(ctx context.Context, query ListQuery) ([]File, error)
	Changes(ctx context.Context, cursor string, query ChangeQuery) (ChangePage, error)
	GetStartCursor(ctx context.Context, params StartCursorParams) (string, error)
	Watch(ctx context.Context, req WatchRequest) (Channel, error)
	StopWatch(ctx context.Context, channelID, resourceID string) error
}

// Downloader fetches file bytes. It is separate from Provider because only
// the ingest worker needs it.
type Downloader interface {
	Download(ctx context.Context, fileID string) ([]byte, error)
}
