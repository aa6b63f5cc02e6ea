package backup

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

// newTestDB creates a real database file with one document in it.
func newTestDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "momo.db")
	store, err := sqlite.Open(path)
	require.NoError(t, err)
	defer store.Close()

	doc := types.NewDocument("backup me", types.DocText, "u1")
	require.NoError(t, store.CreateDocument(context.Background(), doc))
	return path
}

func TestBackupAndRestore(t *testing.T) {
	ctx := context.Background()
	dbPath := newTestDB(t)
	m := &Manager{DBPath: dbPath, Dir: t.TempDir(), Keep: 5}

	snap, err := m.Run(ctx)
	require.NoError(t, err)
	require.FileExists(t, snap)
	require.NoError(t, Verify(ctx, snap))

	restored := filepath.Join(t.TempDir(), "restored.db")
	require.NoError(t, Restore(ctx, snap, restored))

	store, err := sqlite.Open(restored)
	require.NoError(t, err)
	defer store.Close()

	page, err := store.ListDocuments(ctx, storage.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "backup me", page.Items[0].Content)
}

func TestPruneKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	m := &Manager{Dir: dir, Keep: 2}

	// fabricate timestamped snapshots; names order chronologically
	for _, name := range []string{
		"momo-20240101-000000.db",
		"momo-20240102-000000.db",
		"momo-20240103-000000.db",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}

	require.NoError(t, m.prune())

	paths, err := m.List()
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Contains(t, paths[0], "20240103")
	assert.Contains(t, paths[1], "20240102")
}

func TestVerifyRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.db")
	require.NoError(t, os.WriteFile(path, []byte("not a database"), 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, Verify(ctx, path))
}

func TestListEmptyDir(t *testing.T) {
	m := &Manager{Dir: filepath.Join(t.TempDir(), "missing")}
	paths, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, paths)
}
