package store

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/scrypster/typedex/internal/config"
	"github.com/scrypster/typedex/internal/storage"
	"github.com/scrypster/typedex/internal/storage/fallback"
	"github.com/scrypster/typedex/internal/storage/postgres"
	"github.com/scrypster/typedex/internal/storage/sqlite"
)

// Engine identifies the live backend variant.
type Engine string

const (
	EnginePostgres Engine = "postgres"
	EngineSQLite   Engine = "sqlite"
	EngineFallback Engine = "fallback"
)

// Backend is the handle produced by the capability prober: the selected
// engine with its record and embedding stores, plus a native vector searcher
// when the engine provides one. Exactly one Backend is live per process.
type Backend struct {
	Engine     Engine
	Records    storage.RecordStore
	Embeddings storage.EmbeddingStore

	// Searcher is non-nil when the backend performs cosine search
	// natively (postgres with pgvector). Nil means the facade's
	// in-process index serves searches.
	Searcher storage.VectorSearcher

	// ensureSchema runs the engine's idempotent schema step.
	ensureSchema func(ctx context.Context) error
}

// selectBackend attempts backend acquisition in fixed preference order:
// postgres, sqlite, fallback. Each failed attempt is side-effect free and
// logged as a warning; the first success wins. The fallback cannot fail to
// acquire (a corrupt snapshot resets to empty inside its constructor), so
// selection always succeeds unless the filesystem itself is unusable.
func selectBackend(ctx context.Context, cfg *config.Config) (*Backend, error) {
	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		pg, err := postgres.NewStore(ctx, dsn)
		if err == nil {
			return &Backend{
				Engine:  EnginePostgres,
				Records: pg,
				ensureSchema: func(ctx context.Context) error {
					return pg.EnsureSchema(ctx)
				},
			}, nil
		}
		log.Printf("store: postgres backend unavailable, trying sqlite: %v", err)
	}

	sqlitePath := filepath.Join(cfg.Storage.DataPath, "typedex.sqlite")
	sl, err := sqlite.NewStore(sqlitePath)
	if err == nil {
		return &Backend{
			Engine:     EngineSQLite,
			Records:    sl,
			Embeddings: sqlite.NewEmbeddingStore(sl.DB()),
			ensureSchema: func(ctx context.Context) error {
				return sl.EnsureSchema(ctx)
			},
		}, nil
	}
	log.Printf("store: sqlite backend unavailable, using fallback snapshot store: %v", err)

	snapshotPath := filepath.Join(cfg.Storage.DataPath, "typedex.json")
	fb, err := fallback.NewStore(snapshotPath)
	if err != nil {
		return nil, fmt.Errorf("store: failed to initialize fallback store: %w", err)
	}
	return &Backend{
		Engine:     EngineFallback,
		Records:    fb,
		Embeddings: fb,
		ensureSchema: func(ctx context.Context) error {
			return fb.EnsureSchema(ctx)
		},
	}, nil
}

// finishPostgres completes postgres acquisition after schema creation:
// pgvector detection needs the embeddings table to exist, so the embedding
// store is attached here rather than inside selectBackend.
func finishPostgres(ctx context.Context, b *Backend, dimension int) {
	pg, ok := b.Records.(*postgres.Store)
	if !ok {
		return
	}

	native := pg.EnsureVectorColumn(ctx, dimension)
	emb := postgres.NewEmbeddingStore(pg.DB(), native)
	b.Embeddings = emb
	if native {
		b.Searcher = emb
	} else {
		log.Printf("store: pgvector not available, vector search uses the in-process index")
	}
}
