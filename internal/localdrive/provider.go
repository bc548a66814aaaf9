// Package localdrive is a development provider backed by a local directory.
// Filesystem events feed an in-memory change journal, giving the sync core a
// realistic cursor-based feed without any remote credentials.
package localdrive

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/biograph/drivesync/internal/drivesync"
)

// maxJournal bounds the in-memory feed. Clients whose cursor falls off the
// retained window get ErrInvalidCursor and re-baseline, the same contract the
// remote provider exposes for expired page tokens.
const maxJournal = 4096

type journalEntry struct {
	seq    int64
	change drivesync.Change
}

type Provider struct {
	root    string
	logger  drivesync.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	journal []journalEntry
	nextSeq int64
	baseSeq int64
}

// New watches dir (non-recursively) and journals every file event under it.
func New(dir string, logger drivesync.Logger) (*Provider, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", drivesync.ErrInvalidInput, dir)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(root); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	p := &Provider{root: root, logger: logger, watcher: watcher, nextSeq: 1, baseSeq: 1}
	go p.loop()
	return p, nil
}

func (p *Provider) Close() error {
	return p.watcher.Close()
}

func (p *Provider) loop() {
	for {
		select {
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			p.handle(event)
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Printf("localdrive: watcher: %v", err)
		}
	}
}

func (p *Provider) handle(event fsnotify.Event) {
	id, err := p.fileID(event.Name)
	if err != nil {
		return
	}
	switch {
	case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
		file, err := p.describe(event.Name)
		if err != nil {
			// A burst of writes often ends with the file gone again.
			return
		}
		p.append(drivesync.Change{FileID: id, File: &file})
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		p.append(drivesync.Change{
			FileID: id,
			File:   &drivesync.File{ID: id, Trashed: true},
		})
	}
}

func (p *Provider) append(change drivesync.Change) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.journal = append(p.journal, journalEntry{seq: p.nextSeq, change: change})
	p.nextSeq++
	if len(p.journal) > maxJournal {
		drop := len(p.journal) - maxJournal
		p.journal = append([]journalEntry(nil), p.journal[drop:]...)
		p.baseSeq = p.journal[0].seq
	}
}

func (p *Provider) ListFiles(_ context.Context, _ drivesync.ListQuery) ([]drivesync.File, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return nil, err
	}
	var files []drivesync.File
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		file, err := p.describe(filepath.Join(p.root, entry.Name()))
		if err != nil {
			continue
		}
		files = append(files, file)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (p *Provider) Changes(_ context.Context, cursor string, _ drivesync.ChangeQuery) (drivesync.ChangePage, error) {
	seq, err := strconv.ParseInt(strings.TrimSpace(cursor), 10, 64)
	if err != nil {
		return drivesync.ChangePage{}, fmt.Errorf("%w: %q", drivesync.ErrInvalidCursor, cursor)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq < p.baseSeq || seq > p.nextSeq {
		return drivesync.ChangePage{}, fmt.Errorf("%w: %q outside retained window", drivesync.ErrInvalidCursor, cursor)
	}
	page := drivesync.ChangePage{NewCursor: strconv.FormatInt(p.nextSeq, 10)}
	for _, entry := range p.journal {
		if entry.seq >= seq {
			page.Changes = append(page.Changes, entry.change)
		}
	}
	return page, nil
}

func (p *Provider) GetStartCursor(context.Context, drivesync.StartCursorParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strconv.FormatInt(p.nextSeq, 10), nil
}

func (p *Provider) Watch(context.Context, drivesync.WatchRequest) (drivesync.Channel, error) {
	return drivesync.Channel{}, fmt.Errorf("%w: localdrive has no push channels", drivesync.ErrNotImplemented)
}

func (p *Provider) StopWatch(context.Context, string, string) error {
	return fmt.Errorf("%w: localdrive has no push channels", drivesync.ErrNotImplemented)
}

func (p *Provider) Download(_ context.Context, fileID string) ([]byte, error) {
	path, err := p.resolve(fileID)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, drivesync.ErrNotFound
	}
	return content, err
}

// resolve maps a file id back to a path under root, rejecting traversal.
func (p *Provider) resolve(fileID string) (string, error) {
	if strings.TrimSpace(fileID) == "" {
		return "", drivesync.ErrInvalidInput
	}
	path := filepath.Join(p.root, filepath.Clean("/"+fileID))
	if path != p.root && !strings.HasPrefix(path, p.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes the drive root", drivesync.ErrInvalidInput, fileID)
	}
	return path, nil
}

func (p *Provider) fileID(path string) (string, error) {
	rel, err := filepath.Rel(p.root, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

func (p *Provider) describe(path string) (drivesync.File, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return drivesync.File{}, err
	}
	id, err := p.fileID(path)
	if err != nil {
		return drivesync.File{}, err
	}
	sum := md5.Sum(content)
	return drivesync.File{
		ID:       id,
		Name:     filepath.Base(path),
		Hash:     hex.EncodeToString(sum[:]),
		Size:     int64(len(content)),
		MimeType: mimeType(path),
	}, nil
}

func mimeType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".pdf" {
		return "application/pdf"
	}
	if byExt := mime.TypeByExtension(ext); byExt != "" {
		if base, _, err := mime.ParseMediaType(byExt); err == nil {
			return base
		}
		return byExt
	}
	return "application/octet-stream"
}
