package importer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/momohq/momo/internal/storage"
	"github.com/momohq/momo/pkg/types"
)

// Stats summarizes one import run.
type Stats struct {
	Scanned  int
	Created  int
	Requeued int
	Skipped  int
}

// Importer walks a note tree and stores each Markdown file as a
// document, queued for the processing pipeline.
type Importer struct {
	store storage.DocumentStore
}

// New creates an importer writing into store.
func New(store storage.DocumentStore) *Importer {
	return &Importer{store: store}
}

// Run imports every .md file under dir into containerTag. Re-running is
// idempotent: unchanged notes are skipped, edited notes are requeued
// for reprocessing. Per-file failures are logged and the walk continues.
func (imp *Importer) Run(ctx context.Context, dir, containerTag string) (Stats, error) {
	var stats Stats

	root, err := filepath.Abs(dir)
	if err != nil {
		return stats, fmt.Errorf("resolve import root: %w", err)
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if d.IsDir() {
			// hidden directories hold vault internals (.obsidian, .git)
			if strings.HasPrefix(name, ".") && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !strings.EqualFold(filepath.Ext(name), ".md") {
			return nil
		}

		stats.Scanned++
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		switch outcome, err := imp.importFile(ctx, path, rel, containerTag); {
		case err != nil:
			log.Printf("importer: %s: %v", rel, err)
			stats.Skipped++
		case outcome == outcomeCreated:
			stats.Created++
		case outcome == outcomeRequeued:
			stats.Requeued++
		default:
			stats.Skipped++
		}
		return nil
	})
	return stats, err
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCreated
	outcomeRequeued
)

func (imp *Importer) importFile(ctx context.Context, path, rel, containerTag string) (outcome, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return outcomeSkipped, err
	}
	note, err := ParseNote(raw, rel)
	if err != nil {
		return outcomeSkipped, err
	}
	if note.Body == "" {
		return outcomeSkipped, nil
	}

	customID := "import:" + filepath.ToSlash(rel)

	existing, err := imp.store.GetDocumentByCustomID(ctx, customID)
	if err == nil {
		return imp.requeue(ctx, existing, note)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return outcomeSkipped, err
	}

	doc := types.NewDocument(note.Body, types.DocMarkdown, containerTag)
	doc.CustomID = customID
	doc.Title = note.Title
	doc.Metadata = noteMetadata(note)
	if !note.CreatedAt.IsZero() {
		doc.CreatedAt = note.CreatedAt.UTC()
	}
	if err := imp.store.CreateDocument(ctx, doc); err != nil {
		return outcomeSkipped, err
	}
	return outcomeCreated, nil
}

// requeue refreshes an already imported note. Unchanged content is a
// no-op so repeated imports stay cheap.
func (imp *Importer) requeue(ctx context.Context, doc *types.Document, note *Note) (outcome, error) {
	if doc.Content == note.Body && doc.Title == note.Title {
		return outcomeSkipped, nil
	}

	doc.Content = note.Body
	doc.Title = note.Title
	doc.Metadata = noteMetadata(note)
	if err := imp.store.UpdateDocument(ctx, doc); err != nil {
		return outcomeSkipped, err
	}
	if doc.Status != types.StatusQueued {
		if err := imp.store.UpdateDocumentStatus(ctx, doc.ID, types.StatusQueued, ""); err != nil {
			return outcomeSkipped, err
		}
	}
	return outcomeRequeued, nil
}

func noteMetadata(note *Note) types.Metadata {
	md := types.Metadata{"source": "markdown-import"}
	if len(note.Tags) > 0 {
		md["tags"] = note.Tags
	}
	if len(note.Links) > 0 {
		md["links"] = note.Links
	}
	return md
}
