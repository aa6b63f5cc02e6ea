// Command momo-admin runs maintenance tasks against a Momo database
// without the HTTP server: requeueing documents, forgetting sweeps,
// inference runs, and profile refresh.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/momohq/momo/internal/backup"
	"github.com/momohq/momo/internal/config"
	"github.com/momohq/momo/internal/engine"
	"github.com/momohq/momo/internal/importer"
	"github.com/momohq/momo/internal/llm"
	"github.com/momohq/momo/internal/storage"
	"github.com/momohq/momo/internal/storage/postgres"
	"github.com/momohq/momo/internal/storage/sqlite"
)

const usage = `usage: momo-admin <command>

Commands:
  reprocess            requeue every document for a full processing pass
  forget               run one forgetting sweep (expiry + episode decay)
  infer                run one inference pass (requires an LLM and inference enabled)
  profiles             recompute cached profiles for all active containers
  import <dir> [tag]   import a folder of Markdown notes as documents
  backup <dir>         snapshot the SQLite database into <dir> (keeps 10)
  restore <snapshot>   restore a snapshot over the configured database
  stats                print document and memory counts

Configuration is read from MOMO_* environment variables and MOMO_CONFIG,
the same as the server.`

func main() {
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Printf("momo-admin: configuration error: %v", err)
		os.Exit(2)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Printf("momo-admin: open storage: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runCommand(ctx, flag.Args(), cfg, store); err != nil {
		log.Printf("momo-admin: %s: %v", flag.Arg(0), err)
		os.Exit(1)
	}
}

func runCommand(ctx context.Context, args []string, cfg *config.Config, store storage.Store) error {
	switch command := args[0]; command {
	case "reprocess":
		n, err := store.RequeueAllDocuments(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("requeued %d documents\n", n)
		return nil

	case "forget":
		forgetting := engine.NewForgettingManager(store, engine.DecayParamsFromConfig(cfg.Memory))
		stats, err := forgetting.RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("evaluated %d, forgotten %d, scheduled %d, errors %d\n",
			stats.Evaluated, stats.Forgotten, stats.Scheduled, stats.Errors)
		return nil

	case "infer":
		embedder, err := llm.NewEmbeddingGenerator(cfg.Embedding)
		if err != nil {
			return err
		}
		generator, err := llm.NewTextGenerator(cfg.LLM)
		if err != nil {
			return err
		}
		inference := engine.NewInferenceEngine(store, embedder, generator, cfg.Inference)
		stats, err := inference.RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("seeds %d, created %d, duplicates %d, low-confidence %d, errors %d\n",
			stats.SeedsProcessed, stats.InferencesCreated, stats.DuplicatesSkipped,
			stats.LowConfidenceSkipped, stats.Errors)
		return nil

	case "profiles":
		embedder, err := llm.NewEmbeddingGenerator(cfg.Embedding)
		if err != nil {
			return err
		}
		generator, err := llm.NewTextGenerator(cfg.LLM)
		if err != nil {
			return err
		}
		profiles := engine.NewProfileService(store, embedder, generator)
		return profiles.RefreshAll(ctx)

	case "import":
		if len(args) < 2 {
			return fmt.Errorf("import requires a directory argument")
		}
		containerTag := "default"
		if len(args) > 2 {
			containerTag = args[2]
		}
		stats, err := importer.New(store).Run(ctx, args[1], containerTag)
		if err != nil {
			return err
		}
		fmt.Printf("scanned %d, created %d, requeued %d, skipped %d\n",
			stats.Scanned, stats.Created, stats.Requeued, stats.Skipped)
		return nil

	case "backup":
		if cfg.IsPostgres() {
			return fmt.Errorf("backup supports the SQLite backend only, use pg_dump for postgres")
		}
		if len(args) < 2 {
			return fmt.Errorf("backup requires a directory argument")
		}
		m := &backup.Manager{DBPath: cfg.Database.URL, Dir: args[1], Keep: 10}
		snap, err := m.Run(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", snap)
		return nil

	case "restore":
		if cfg.IsPostgres() {
			return fmt.Errorf("restore supports the SQLite backend only")
		}
		if len(args) < 2 {
			return fmt.Errorf("restore requires a snapshot argument")
		}
		// the open handle must not observe the overwrite
		if err := store.Close(); err != nil {
			return err
		}
		if err := backup.Restore(ctx, args[1], cfg.Database.URL); err != nil {
			return err
		}
		fmt.Printf("restored %s\n", cfg.Database.URL)
		return nil

	case "stats":
		return printStats(ctx, store)

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func printStats(ctx context.Context, store storage.Store) error {
	tags, err := store.GetActiveContainerTags(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("containers: %d\n", len(tags))
	for _, tag := range tags {
		memories, err := countPages(func(cursor string) (int, string, error) {
			page, err := store.ListMemories(ctx, storage.ListOptions{
				ContainerTag: tag, Limit: storage.MaxListLimit, LatestOnly: true, Cursor: cursor,
			})
			if err != nil {
				return 0, "", err
			}
			return len(page.Items), page.NextCursor, nil
		})
		if err != nil {
			return err
		}
		docs, err := countPages(func(cursor string) (int, string, error) {
			page, err := store.ListDocuments(ctx, storage.ListOptions{
				ContainerTag: tag, Limit: storage.MaxListLimit, Cursor: cursor,
			})
			if err != nil {
				return 0, "", err
			}
			return len(page.Items), page.NextCursor, nil
		})
		if err != nil {
			return err
		}
		fmt.Printf("  %s: %d memories, %d documents\n", tag, memories, docs)
	}
	return nil
}

// countPages walks a cursor-paginated listing to its end and returns the
// total item count.
func countPages(list func(cursor string) (count int, next string, err error)) (int, error) {
	var total int
	var cursor string
	for {
		n, next, err := list(cursor)
		if err != nil {
			return 0, err
		}
		total += n
		if next == "" {
			return total, nil
		}
		cursor = next
	}
}

func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.IsPostgres() {
		return postgres.Open(cfg.Database.URL)
	}
	return sqlite.Open(cfg.Database.URL)
}
