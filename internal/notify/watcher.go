// Package notify ingests files dropped into a watched directory. Each
// file becomes a queued document, so the watch folder behaves like a
// drop box in front of the processing pipeline.
package notify

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/momohq/momo/internal/processing"
	"github.com/momohq/momo/internal/storage"
	"github.com/momohq/momo/pkg/types"
)

const (
	// maxWatchFileBytes caps how large a dropped file may be.
	maxWatchFileBytes = 32 << 20
	// settleDelay lets editors and copies finish writing before the file
	// is read. Write events fire repeatedly while a copy is in flight.
	settleDelay = 200 * time.Millisecond
)

// DirWatcher watches a directory and queues every dropped file as a
// document. Re-dropping a file with the same name requeues the existing
// document with the new content instead of creating a duplicate.
type DirWatcher struct {
	dir          string
	containerTag string
	store        storage.DocumentStore
	watcher      *fsnotify.Watcher
	done         chan struct{}

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewDirWatcher creates a watcher over dir. Documents are filed under
// containerTag.
func NewDirWatcher(dir, containerTag string, store storage.DocumentStore) *DirWatcher {
	return &DirWatcher{
		dir:          dir,
		containerTag: containerTag,
		store:        store,
		done:         make(chan struct{}),
		pending:      map[string]*time.Timer{},
	}
}

// Start ingests any files already present, then watches for new ones.
// Call Stop to clean up.
func (dw *DirWatcher) Start() error {
	if err := os.MkdirAll(dw.dir, 0o700); err != nil {
		return err
	}

	dw.drainExisting()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(dw.dir); err != nil {
		_ = w.Close()
		return err
	}
	dw.watcher = w

	go dw.loop()
	log.Printf("notify: watching %s for documents", dw.dir)
	return nil
}

// Stop shuts down the watcher and cancels any pending ingests.
func (dw *DirWatcher) Stop() {
	if dw.watcher != nil {
		_ = dw.watcher.Close()
	}
	<-dw.done

	dw.mu.Lock()
	for path, timer := range dw.pending {
		timer.Stop()
		delete(dw.pending, path)
	}
	dw.mu.Unlock()
}

func (dw *DirWatcher) loop() {
	defer close(dw.done)
	for {
		select {
		case evt, ok := <-dw.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				dw.schedule(evt.Name)
			}
		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("notify: watcher error: %v", err)
		}
	}
}

// schedule delays ingestion until the file has been quiet for
// settleDelay, collapsing the event burst a single copy produces.
func (dw *DirWatcher) schedule(path string) {
	if !ingestible(path) {
		return
	}
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if timer, ok := dw.pending[path]; ok {
		timer.Reset(settleDelay)
		return
	}
	dw.pending[path] = time.AfterFunc(settleDelay, func() {
		dw.mu.Lock()
		delete(dw.pending, path)
		dw.mu.Unlock()
		dw.ingestFile(path)
	})
}

func (dw *DirWatcher) drainExisting() {
	entries, err := os.ReadDir(dw.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dw.dir, entry.Name())
		if ingestible(path) {
			dw.ingestFile(path)
		}
	}
}

// ingestible filters out hidden files and editor temp files.
func ingestible(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") {
		return false
	}
	switch filepath.Ext(name) {
	case ".tmp", ".swp", ".part":
		return false
	}
	return true
}

func (dw *DirWatcher) ingestFile(path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	if info.Size() > maxWatchFileBytes {
		log.Printf("notify: skipping %s: %d bytes exceeds limit", filepath.Base(path), info.Size())
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("notify: read %s: %v", filepath.Base(path), err)
		return
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return
	}

	ctx := context.Background()
	name := filepath.Base(path)
	customID := "watch:" + name

	existing, err := dw.store.GetDocumentByCustomID(ctx, customID)
	switch {
	case err == nil:
		dw.requeue(ctx, existing, string(data), path)
	case errors.Is(err, storage.ErrNotFound):
		dw.create(ctx, customID, name, string(data), path)
	default:
		log.Printf("notify: lookup %s: %v", name, err)
	}
}

func (dw *DirWatcher) create(ctx context.Context, customID, name, content, path string) {
	doc := types.NewDocument(content, processing.DocTypeForFile(name), dw.containerTag)
	doc.Title = name
	doc.CustomID = customID
	doc.Metadata["source_path"] = path

	if err := dw.store.CreateDocument(ctx, doc); err != nil {
		log.Printf("notify: queue %s: %v", name, err)
		return
	}
	log.Printf("notify: queued %s as document %s", name, doc.ID)
}

// requeue replaces the stored content and sends the document back
// through the pipeline. A no-op when the content has not changed.
func (dw *DirWatcher) requeue(ctx context.Context, doc *types.Document, content, path string) {
	if doc.Content == content {
		return
	}
	doc.Content = content
	doc.Metadata["source_path"] = path
	if err := dw.store.UpdateDocument(ctx, doc); err != nil {
		log.Printf("notify: update %s: %v", doc.Title, err)
		return
	}
	if doc.Status != types.StatusQueued {
		if err := dw.store.UpdateDocumentStatus(ctx, doc.ID, types.StatusQueued, ""); err != nil {
			log.Printf("notify: requeue %s: %v", doc.Title, err)
			return
		}
	}
	log.Printf("notify: requeued document %s for %s", doc.ID, doc.Title)
}
