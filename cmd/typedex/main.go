package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/scrypster/typedex/internal/config"
	"github.com/scrypster/typedex/internal/importer"
	"github.com/scrypster/typedex/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (environment variables still apply)")
	importPath := flag.String("import", "", "Path to a JSONL file of entity records to bulk-import")
	importRate := flag.Float64("import-rate", 0, "Throttle bulk import to N records per second (0 = unthrottled)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string (overrides TYPEDEX_POSTGRES_DSN)")
	dataPath := flag.String("data-path", "", "Directory for embedded database files (overrides TYPEDEX_DATA_PATH)")
	showStats := flag.Bool("stats", false, "Print aggregate counts after startup")
	flag.Parse()

	// .env is optional; missing is fine.
	_ = godotenv.Load()

	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			log.Fatalf("typedex: failed to load config %s: %v", *configPath, err)
		}
		cfg = loaded
	} else {
		cfg = config.Load()
	}
	if *postgresDSN != "" {
		cfg.Storage.PostgresDSN = *postgresDSN
	}
	if *dataPath != "" {
		cfg.Storage.DataPath = *dataPath
	}

	if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
		log.Fatalf("typedex: failed to create data directory %s: %v", cfg.Storage.DataPath, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := store.New(cfg)
	if err := st.Initialize(ctx); err != nil {
		log.Fatalf("typedex: initialization failed: %v", err)
	}
	defer st.Close()
	fmt.Printf("typedex: %s backend ready\n", st.Engine())

	if *importPath != "" {
		f, err := os.Open(*importPath)
		if err != nil {
			log.Fatalf("typedex: failed to open import file: %v", err)
		}
		im := importer.New(st, importer.WithRateLimit(*importRate))
		result, err := im.Run(ctx, f)
		f.Close()
		if err != nil {
			log.Fatalf("typedex: import failed: %v", err)
		}
		fmt.Printf("typedex: imported %d entities (%d ratings, %d rejected)\n",
			result.Imported, result.Ratings, result.Failed)
	}

	if *showStats {
		stats, err := st.Stats(ctx)
		if err != nil {
			log.Fatalf("typedex: stats failed: %v", err)
		}
		fmt.Printf("entities: %d\nusers: %d\ntype codes: %d\nratings: %d\ncomments: %d\n",
			stats.Entities, stats.Users, stats.TypeCodes, stats.Ratings, stats.Comments)
	}
}
