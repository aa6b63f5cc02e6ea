// Command momo runs the memory server: HTTP API, document processing
// pipeline, background maintenance jobs, and the optional watch folder.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/momohq/momo/internal/config"
	"github.com/momohq/momo/internal/engine"
	"github.com/momohq/momo/internal/llm"
	"github.com/momohq/momo/internal/notify"
	"github.com/momohq/momo/internal/processing"
	"github.com/momohq/momo/internal/scheduler"
	"github.com/momohq/momo/internal/search"
	"github.com/momohq/momo/internal/server"
	"github.com/momohq/momo/internal/storage"
	"github.com/momohq/momo/internal/storage/postgres"
	"github.com/momohq/momo/internal/storage/sqlite"
	"github.com/momohq/momo/pkg/types"
)

// Exit codes: 0 clean shutdown, 1 initialization or runtime failure,
// 2 configuration error.
const (
	exitOK     = 0
	exitInit   = 1
	exitConfig = 2
)

func main() {
	rebuild := flag.Bool("rebuild-embeddings", false, "drop stored embeddings and re-embed on dimension or model change")
	migrateOnly := flag.Bool("migrate", false, "apply schema migrations and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Printf("momo: configuration error: %v", err)
		os.Exit(exitConfig)
	}

	os.Exit(run(cfg, *rebuild, *migrateOnly))
}

func run(cfg *config.Config, rebuild, migrateOnly bool) int {
	store, err := openStore(cfg)
	if err != nil {
		log.Printf("momo: open storage: %v", err)
		return exitInit
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := storage.EnsureDimensions(ctx, store, cfg.Embedding.Dimensions, cfg.Embedding.Model, rebuild); err != nil {
		log.Printf("momo: embedding check: %v", err)
		return exitInit
	}
	if migrateOnly {
		log.Printf("momo: schema up to date")
		return exitOK
	}

	embedder, err := llm.NewEmbeddingGenerator(cfg.Embedding)
	if err != nil {
		log.Printf("momo: embedding provider: %v", err)
		return exitConfig
	}
	generator, err := llm.NewTextGenerator(cfg.LLM)
	if err != nil {
		log.Printf("momo: llm provider: %v", err)
		return exitConfig
	}
	reranker, err := llm.NewReranker(cfg.Rerank)
	if err != nil {
		log.Printf("momo: reranker: %v", err)
		return exitConfig
	}
	if generator == nil {
		log.Printf("momo: no LLM configured, extraction and profiles run in degraded mode")
	}

	if rebuild {
		n, err := engine.RebuildMemoryEmbeddings(ctx, store, embedder)
		if err != nil {
			log.Printf("momo: re-embed memories: %v", err)
			return exitInit
		}
		log.Printf("momo: re-embedded %d memories", n)
	}

	memEngine := engine.NewMemoryEngine(store, embedder, generator, cfg)
	searchSvc := search.NewService(store, embedder, generator, reranker, cfg)
	profiles := engine.NewProfileService(store, embedder, generator)
	forgetting := engine.NewForgettingManager(store, engine.DecayParamsFromConfig(cfg.Memory))
	inference := engine.NewInferenceEngine(store, embedder, generator, cfg.Inference)

	var extractor *engine.MemoryExtractor
	if generator != nil {
		extractor = engine.NewMemoryExtractor(memEngine, store, embedder, generator)
	}

	srv := server.NewServer(cfg, store, memEngine, searchSvc, profiles, forgetting, inference, extractor, nil)

	pipeline := processing.NewPipeline(store, embedder, generator, extractor, cfg.Processing, cfg.Embedding.BatchSize)
	pipeline.SetNotifier(func(doc *types.Document) {
		srv.Events().Broadcast(server.EventDocumentStatus, server.DocumentStatusEvent{
			DocumentID: doc.ID,
			Status:     doc.Status,
			Error:      doc.ErrorMessage,
		})
	})
	if err := pipeline.Start(ctx); err != nil {
		log.Printf("momo: start pipeline: %v", err)
		return exitInit
	}
	defer pipeline.Stop()

	jobs := scheduler.New(cfg, forgetting, inference, profiles)
	jobs.Start()
	defer jobs.Stop()

	if cfg.Server.WatchDir != "" {
		watcher := notify.NewDirWatcher(cfg.Server.WatchDir, "default", store)
		if err := watcher.Start(); err != nil {
			log.Printf("momo: watch folder: %v", err)
			return exitInit
		}
		defer watcher.Stop()
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("momo: listening on http://%s", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("momo: server: %v", err)
			return exitInit
		}
	case <-ctx.Done():
		log.Printf("momo: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("momo: shutdown: %v", err)
		}
	}
	return exitOK
}

// openStore selects the backend from the database URL. Anything that is
// not a postgres URL is treated as a SQLite file path.
func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.IsPostgres() {
		s, err := postgres.Open(cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		log.Printf("momo: using postgres backend")
		return s, nil
	}
	s, err := sqlite.Open(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("sqlite %s: %w", cfg.Database.URL, err)
	}
	log.Printf("momo: using sqlite database %s", cfg.Database.URL)
	return s, nil
}
