package drivesync

import (
	"fmt"
	"log"
	"strings"
)

type ScopeType string

const (
	ScopeSingleFolder ScopeType = "single-folder"
	ScopeSharedDrive  ScopeType = "shared-drive"
)

const DefaultMimeType = "application/pdf"

const changeFields = "newStartPageToken, nextPageToken, changes(fileId, removed, file(id, name, md5Checksum, size, trashed, mimeType))"

// Scope resolves which part of the remote store is watched and shapes the
// provider queries accordingly. Implementations are pure and stateless.
type Scope interface {
	ScopeType() ScopeType
	ScopeID() string
	MimeType() string
	ListQuery() ListQuery
	ChangeQuery() ChangeQuery
	StartCursorParams() StartCursorParams
	WatchParams() WatchRequest
}

type ScopeConfig struct {
	FolderID      string
	SharedDriveID string
	MimeType      string
}

// fatalf terminates the process on unrecoverable configuration errors.
// Overridable in tests.
var fatalf = log.Fatalf

// NewScope selects the folder or shared-drive strategy. Supplying both ids or
// neither is a fatal configuration error: the system cannot function without
// a resolved scope.
func NewScope(cfg ScopeConfig) Scope {
	folderID := strings.TrimSpace(cfg.FolderID)
	sharedDriveID := strings.TrimSpace(cfg.SharedDriveID)
	mimeType := strings.TrimSpace(cfg.MimeType)
	if mimeType == "" {
		mimeType = DefaultMimeType
	}
	switch {
	case folderID != "" && sharedDriveID != "":
		fatalf("drivesync: folder id and shared drive id are mutually exclusive")
		return nil
	case sharedDriveID != "":
		return sharedDriveScope{driveID: sharedDriveID, mimeType: mimeType}
	case folderID != "":
		return folderScope{folderID: folderID, mimeType: mimeType}
	default:
		fatalf("drivesync: either a folder id or a shared drive id must be configured")
		return nil
	}
}

type folderScope struct {
	folderID string
	mimeType string
}

func (s folderScope) ScopeType() ScopeType { return ScopeSingleFolder }
func (s folderScope) ScopeID() string      { return s.folderID }
func (s folderScope) MimeType() string     { return s.mimeType }

func (s folderScope) ListQuery() ListQuery {
	return ListQuery{
		Query:   fmt.Sprintf("'%s' in parents and mimeType='%s' and trashed=false", s.folderID, s.mimeType),
		Fields:  "files(id, name, md5Checksum, size)",
		OrderBy: "name",
	}
}

func (s folderScope) ChangeQuery() ChangeQuery {
	return ChangeQuery{
		Fields:            changeFields,
		IncludeRemoved:    true,
		Spaces:            "drive",
		RestrictToMyDrive: false,
		Query:             fmt.Sprintf("'%s' in parents", s.folderID),
	}
}

func (s folderScope) StartCursorParams() StartCursorParams {
	return StartCursorParams{}
}

func (s folderScope) WatchParams() WatchRequest {
	return WatchRequest{}
}

type sharedDriveScope struct {
	driveID  string
	mimeType string
}

func (s sharedDriveScope) ScopeType() ScopeType { return ScopeSharedDrive }
func (s sharedDriveScope) ScopeID() string      { return s.driveID }
func (s sharedDriveScope) MimeType() string     { return s.mimeType }

func (s sharedDriveScope) ListQuery() ListQuery {
	return ListQuery{
		Query:     fmt.Sprintf("'%s' in parents and mimeType='%s' and trashed=false", s.driveID, s.mimeType),
		Fields:    "files(id, name, md5Checksum, size)",
		OrderBy:   "name",
		DriveID:   s.driveID,
		AllDrives: true,
		Corpora:   "drive",
	}
}

func (s sharedDriveScope) ChangeQuery() ChangeQuery {
	return ChangeQuery{
		Fields:         changeFields,
		IncludeRemoved: true,
		DriveID:        s.driveID,
		AllDrives:      true,
	}
}

func (s sharedDriveScope) StartCursorParams() StartCursorParams {
	return StartCursorParams{DriveID: s.driveID, AllDrives: true}
}

func (s sharedDriveScope) WatchParams() WatchRequest {
	return WatchRequest{DriveID: s.driveID, AllDrives: true}
}
