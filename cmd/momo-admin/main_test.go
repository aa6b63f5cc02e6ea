package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momohq/momo/internal/config"
	"github.com/momohq/momo/internal/storage/sqlite"
	"github.com/momohq/momo/pkg/types"
)

func testConfig(t *testing.T) (*config.Config, *sqlite.Store) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Memory.EpisodeDecayDays = 7
	cfg.Memory.EpisodeDecayFactor = 0.5
	cfg.Memory.EpisodeDecayThreshold = 0.1
	cfg.Memory.EpisodeForgetGraceDays = 7

	store, err := sqlite.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return cfg, store
}

func TestRunCommandUnknown(t *testing.T) {
	cfg, store := testConfig(t)
	err := runCommand(context.Background(), []string{"bogus"}, cfg, store)
	assert.ErrorContains(t, err, "unknown command")
}

func TestRunCommandReprocess(t *testing.T) {
	cfg, store := testConfig(t)
	ctx := context.Background()

	doc := types.NewDocument("content", types.DocText, "u1")
	require.NoError(t, store.CreateDocument(ctx, doc))
	require.NoError(t, store.UpdateDocumentStatus(ctx, doc.ID, types.StatusExtracting, ""))

	require.NoError(t, runCommand(ctx, []string{"reprocess"}, cfg, store))

	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, got.Status)
}

func TestRunCommandForgetSweep(t *testing.T) {
	cfg, store := testConfig(t)
	require.NoError(t, runCommand(context.Background(), []string{"forget"}, cfg, store))
}

func TestOpenStoreSelectsSQLite(t *testing.T) {
	cfg := &config.Config{}
	cfg.Database.URL = filepath.Join(t.TempDir(), "admin.db")

	store, err := openStore(cfg)
	require.NoError(t, err)
	defer store.Close()

	assert.False(t, cfg.IsPostgres())
}
