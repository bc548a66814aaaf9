package drivesync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// TaskGenerationLoop is the recurring task driving the downstream generation
// pass over ingested documents.
const TaskGenerationLoop = "GENERATION_LOOP"

// DefaultGenerationInterval is the cadence the generation loop is seeded with.
const DefaultGenerationInterval = 150 * time.Second

// Generator is the external collaborator behind the generation loop. Each
// pass receives every document the pipeline has processed so far.
type Generator interface {
	GeneratePass(ctx context.Context, records []FileRecord) error
}

// GenerationWorker runs the generation loop: when the set of processed
// documents has grown since the last successful pass, the full set is handed
// to the Generator. A failed pass leaves the set unmarked so the next due
// tick retries it.
type GenerationWorker struct {
	files     FileStore
	generator Generator
	logger    Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewGenerationWorker(files FileStore, generator Generator, logger Logger) *GenerationWorker {
	return &GenerationWorker{
		files:     files,
		generator: generator,
		logger:    logger,
		seen:      map[string]struct{}{},
	}
}

func (w *GenerationWorker) Run(ctx context.Context, _ Task) error {
	records, err := w.files.ListFilesByStatus(ctx, StatusProcessed)
	if err != nil {
		return fmt.Errorf("list processed files: %w", err)
	}
	w.mu.Lock()
	fresh := 0
	for _, record := range records {
		if _, ok := w.seen[record.Hash]; !ok {
			fresh++
		}
	}
	w.mu.Unlock()
	if fresh == 0 {
		return nil
	}

	if err := w.generator.GeneratePass(ctx, records); err != nil {
		return fmt.Errorf("generation pass: %w", err)
	}
	w.mu.Lock()
	for _, record := range records {
		w.seen[record.Hash] = struct{}{}
	}
	w.mu.Unlock()
	w.logger.Printf("generation: pass over %d documents (%d new)", len(records), fresh)
	return nil
}

// ManifestGenerator is the default generator: it rewrites a JSON manifest of
// processed documents next to the downloaded files.
type ManifestGenerator struct {
	Dir string
}

type manifestEntry struct {
	ID         string `json:"id"`
	Hash       string `json:"hash"`
	FileName   string `json:"fileName"`
	ModifiedAt string `json:"modifiedAt"`
}

func (g ManifestGenerator) GeneratePass(_ context.Context, records []FileRecord) error {
	entries := make([]manifestEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, manifestEntry{
			ID:         record.ID,
			Hash:       record.Hash,
			FileName:   record.FileName,
			ModifiedAt: record.ModifiedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].FileName < entries[j].FileName })
	payload, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(g.Dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(g.Dir, "manifest.json"), payload, 0o644)
}
