package drivesync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Pipeline receives downloaded file content for domain processing.
type Pipeline interface {
	ProcessDocument(ctx context.Context, fileID, fileName string, content []byte) error
}

// IngestWorker executes PROCESS_FILE tasks: download the file, hand it to the
// pipeline, mark the registry row, and retire the task. Failures leave the
// task in place so the scheduler retries it.
type IngestWorker struct {
	files    FileStore
	tasks    TaskStore
	download Downloader
	pipeline Pipeline
	logger   Logger
}

func NewIngestWorker(files FileStore, tasks TaskStore, download Downloader, pipeline Pipeline, logger Logger) *IngestWorker {
	return &IngestWorker{files: files, tasks: tasks, download: download, pipeline: pipeline, logger: logger}
}

func (w *IngestWorker) Run(ctx context.Context, task Task) error {
	fileID := task.metadataString(MetaFileID)
	hash := task.metadataString(MetaFileHash)
	if fileID == "" || hash == "" {
		// Malformed task, unrunnable forever. Drop it.
		w.logger.Printf("ingest: task %s missing file metadata, dropping", task.ID)
		return w.tasks.DeleteTask(ctx, task.ID)
	}
	fileName := task.metadataString(MetaFileName)

	content, err := w.download.Download(ctx, fileID)
	if err != nil {
		return fmt.Errorf("download %s: %w", fileID, err)
	}
	if err := w.pipeline.ProcessDocument(ctx, fileID, fileName, content); err != nil {
		if statusErr := w.files.UpdateFileStatus(ctx, hash, StatusFailed); statusErr != nil {
			w.logger.Printf("ingest: file %s: mark failed: %v", fileID, statusErr)
		}
		return fmt.Errorf("process %s: %w", fileID, err)
	}
	if err := w.files.UpdateFileStatus(ctx, hash, StatusProcessed); err != nil {
		w.logger.Printf("ingest: file %s: mark processed: %v", fileID, err)
	}
	w.logger.Printf("ingest: processed %s (%s)", fileName, fileID)
	return w.tasks.DeleteTask(ctx, task.ID)
}

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// DirPipeline is the default pipeline: it writes each document into a local
// directory under a sanitized name.
type DirPipeline struct {
	Dir string
}

func (p DirPipeline) ProcessDocument(_ context.Context, fileID, fileName string, content []byte) error {
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return err
	}
	name := strings.TrimSpace(fileName)
	if name == "" {
		name = fileID
	}
	name = unsafeFileChars.ReplaceAllString(name, "_")
	return os.WriteFile(filepath.Join(p.Dir, name), content, 0o644)
}
