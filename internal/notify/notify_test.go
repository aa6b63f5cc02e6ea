package notify

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momohq/momo/internal/storage"
	"github.com/momohq/momo/internal/storage/sqlite"
	"github.com/momohq/momo/pkg/types"
)

func newTestWatcher(t *testing.T) (*DirWatcher, *sqlite.Store, string) {
	t.Helper()
	store, err := sqlite.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dir := t.TempDir()
	return NewDirWatcher(dir, "watch", store), store, dir
}

func listDocs(t *testing.T, store *sqlite.Store) []*types.Document {
	t.Helper()
	page, err := store.ListDocuments(context.Background(), storage.ListOptions{Limit: 100})
	require.NoError(t, err)
	return page.Items
}

func TestWatcherDrainsExistingFiles(t *testing.T) {
	w, store, dir := newTestWatcher(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte("# Notes\n\nhello"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("skip me"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "draft.tmp"), []byte("skip me"), 0o600))

	require.NoError(t, w.Start())
	defer w.Stop()

	docs := listDocs(t, store)
	require.Len(t, docs, 1)
	assert.Equal(t, "notes.md", docs[0].Title)
	assert.Equal(t, "watch:notes.md", docs[0].CustomID)
	assert.Equal(t, types.DocMarkdown, docs[0].DocType)
	assert.Equal(t, []string{"watch"}, docs[0].ContainerTags)
	assert.Equal(t, types.StatusQueued, docs[0].Status)
	assert.Contains(t, docs[0].Metadata.GetString("source_path"), "notes.md")
}

func TestWatcherIngestsDroppedFile(t *testing.T) {
	w, store, dir := newTestWatcher(t)

	require.NoError(t, w.Start())
	defer w.Stop()

	// give fsnotify a moment to register
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o600))

	require.Eventually(t, func() bool {
		return len(listDocs(t, store)) == 1
	}, 3*time.Second, 25*time.Millisecond)

	docs := listDocs(t, store)
	assert.Equal(t, types.DocCode, docs[0].DocType)
	assert.Equal(t, "main.go", docs[0].Title)
}

func TestWatcherRequeuesChangedFile(t *testing.T) {
	w, store, dir := newTestWatcher(t)
	ctx := context.Background()

	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("first version"), 0o600))
	require.NoError(t, w.Start())
	defer w.Stop()

	docs := listDocs(t, store)
	require.Len(t, docs, 1)
	id := docs[0].ID

	// simulate the pipeline finishing
	for _, status := range []types.ProcessingStatus{
		types.StatusExtracting, types.StatusChunking, types.StatusEmbedding,
		types.StatusIndexing, types.StatusDone,
	} {
		require.NoError(t, store.UpdateDocumentStatus(ctx, id, status, ""))
	}

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("second version"), 0o600))

	require.Eventually(t, func() bool {
		doc, err := store.GetDocument(ctx, id)
		return err == nil && doc.Status == types.StatusQueued && doc.Content == "second version"
	}, 3*time.Second, 25*time.Millisecond)

	// still one document, not a duplicate
	assert.Len(t, listDocs(t, store), 1)
}

func TestWatcherIgnoresUnchangedRedrop(t *testing.T) {
	w, store, dir := newTestWatcher(t)

	path := filepath.Join(dir, "same.txt")
	require.NoError(t, os.WriteFile(path, []byte("stable content"), 0o600))
	require.NoError(t, w.Start())
	defer w.Stop()

	docs := listDocs(t, store)
	require.Len(t, docs, 1)

	// rewriting identical bytes must not touch the document
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("stable content"), 0o600))
	time.Sleep(settleDelay + 100*time.Millisecond)

	after := listDocs(t, store)
	require.Len(t, after, 1)
	assert.Equal(t, docs[0].UpdatedAt, after[0].UpdatedAt)
}

func TestIngestible(t *testing.T) {
	assert.True(t, ingestible("/drop/readme.md"))
	assert.True(t, ingestible("/drop/data.csv"))
	assert.False(t, ingestible("/drop/.DS_Store"))
	assert.False(t, ingestible("/drop/file.swp"))
	assert.False(t, ingestible("/drop/download.part"))
	assert.False(t, ingestible("/drop/backup~"))
}
