package store

import (
	"context"
	"errors"
	"testing"

	"github.com/scrypster/typedex/internal/config"
	"github.com/scrypster/typedex/internal/storage"
	"github.com/scrypster/typedex/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Storage: config.StorageConfig{DataPath: t.TempDir()},
		Vector:  config.VectorConfig{Dimension: 3, IndexCapacity: 100},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st := New(testConfig(t))
	if err := st.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOperationsBeforeInitialize(t *testing.T) {
	st := New(testConfig(t))
	ctx := context.Background()

	if _, err := st.CreateEntity(ctx, &types.Entity{Name: "x"}); !errors.Is(err, storage.ErrNotInitialized) {
		t.Errorf("CreateEntity: got %v, want ErrNotInitialized", err)
	}
	if _, err := st.GetEntity(ctx, "id"); !errors.Is(err, storage.ErrNotInitialized) {
		t.Errorf("GetEntity: got %v, want ErrNotInitialized", err)
	}
	if _, err := st.ListEntities(ctx, storage.ListOptions{}); !errors.Is(err, storage.ErrNotInitialized) {
		t.Errorf("ListEntities: got %v, want ErrNotInitialized", err)
	}
	if err := st.AddEmbedding(ctx, "id", []float32{1, 2, 3}); !errors.Is(err, storage.ErrNotInitialized) {
		t.Errorf("AddEmbedding: got %v, want ErrNotInitialized", err)
	}
	if _, err := st.VectorSearch(ctx, []float32{1, 2, 3}, 5); !errors.Is(err, storage.ErrNotInitialized) {
		t.Errorf("VectorSearch: got %v, want ErrNotInitialized", err)
	}
	if _, err := st.Stats(ctx); !errors.Is(err, storage.ErrNotInitialized) {
		t.Errorf("Stats: got %v, want ErrNotInitialized", err)
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	st := New(testConfig(t))
	ctx := context.Background()

	if err := st.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	defer st.Close()

	engine := st.Engine()
	if err := st.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() second call failed: %v", err)
	}
	if st.Engine() != engine {
		t.Errorf("engine changed across Initialize calls: %q then %q", engine, st.Engine())
	}
}

func TestSelectsSQLiteWithoutPostgres(t *testing.T) {
	st := newTestStore(t)
	if st.Engine() != EngineSQLite {
		t.Errorf("Engine: got %q, want %q", st.Engine(), EngineSQLite)
	}
}

func TestRatingWorkflow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.CreateUser(ctx, &types.User{ID: "rater", DisplayName: "Rater"}); err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}

	entity, err := st.CreateEntity(ctx, &types.Entity{
		Name:     "Ada Lovelace",
		Kind:     types.KindPerson,
		Category: "scientist",
	})
	if err != nil {
		t.Fatalf("CreateEntity() failed: %v", err)
	}

	if _, err := st.AddRating(ctx, &types.Rating{
		EntityID:   entity.ID,
		UserID:     "rater",
		System:     "mbti",
		TypeCode:   "INTJ",
		Confidence: 0.8,
		Rationale:  "systematic, future-oriented",
	}); err != nil {
		t.Fatalf("AddRating() failed: %v", err)
	}

	listed, err := st.ListEntities(ctx, storage.ListOptions{Category: "scientist"})
	if err != nil {
		t.Fatalf("ListEntities() failed: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("got %d entities, want 1", len(listed))
	}
	if len(listed[0].Assignments) != 1 {
		t.Fatalf("got %d assignments, want 1", len(listed[0].Assignments))
	}
	a := listed[0].Assignments[0]
	if a.System != "mbti" || a.TypeCode != "INTJ" || a.Votes != 1 {
		t.Errorf("assignment: %+v", a)
	}
}

func TestEditHistoryThroughFacade(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	entity, err := st.CreateEntity(ctx, &types.Entity{Name: "Ada Lovelace"})
	if err != nil {
		t.Fatalf("CreateEntity() failed: %v", err)
	}

	if _, err := st.UpdateEntity(ctx, entity.ID, map[string]string{"notes": "pioneer"}, "editor"); err != nil {
		t.Fatalf("UpdateEntity() failed: %v", err)
	}

	history, err := st.ListEditHistory(ctx, entity.ID)
	if err != nil {
		t.Fatalf("ListEditHistory() failed: %v", err)
	}
	if len(history) != 1 || history[0].Field != "notes" {
		t.Errorf("history: %+v", history)
	}
}

func TestAddEmbeddingValidation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	entity, err := st.CreateEntity(ctx, &types.Entity{Name: "Ada Lovelace"})
	if err != nil {
		t.Fatalf("CreateEntity() failed: %v", err)
	}

	if err := st.AddEmbedding(ctx, entity.ID, []float32{1, 2}); !errors.Is(err, storage.ErrDimensionMismatch) {
		t.Errorf("wrong dimension: got %v, want ErrDimensionMismatch", err)
	}
	if err := st.AddEmbedding(ctx, "missing", []float32{1, 2, 3}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing entity: got %v, want ErrNotFound", err)
	}
	if err := st.AddEmbedding(ctx, entity.ID, []float32{1, 2, 3}); err != nil {
		t.Errorf("valid embedding: got %v", err)
	}
	if st.IndexSize() != 1 {
		t.Errorf("IndexSize: got %d, want 1", st.IndexSize())
	}
}

func TestVectorSearchRanksEntities(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	vectors := map[string][]float32{
		"Ada Lovelace":    {1, 0, 0},
		"Grace Hopper":    {0.9, 0.1, 0},
		"Sherlock Holmes": {0, 0, 1},
	}

	ids := map[string]string{}
	for name, vec := range vectors {
		entity, err := st.CreateEntity(ctx, &types.Entity{Name: name})
		if err != nil {
			t.Fatalf("CreateEntity(%q) failed: %v", name, err)
		}
		if err := st.AddEmbedding(ctx, entity.ID, vec); err != nil {
			t.Fatalf("AddEmbedding(%q) failed: %v", name, err)
		}
		ids[name] = entity.ID
	}

	results, err := st.VectorSearch(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("VectorSearch() failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].EntityID != ids["Ada Lovelace"] {
		t.Errorf("best match: got %q, want Ada Lovelace", results[0].EntityID)
	}
	if results[1].EntityID != ids["Grace Hopper"] {
		t.Errorf("second match: got %q, want Grace Hopper", results[1].EntityID)
	}

	// Wrong-dimension queries are rejected, k=0 yields an empty result.
	if _, err := st.VectorSearch(ctx, []float32{1, 0}, 2); !errors.Is(err, storage.ErrDimensionMismatch) {
		t.Errorf("wrong dimension: got %v, want ErrDimensionMismatch", err)
	}
	empty, err := st.VectorSearch(ctx, []float32{1, 0, 0}, 0)
	if err != nil {
		t.Fatalf("VectorSearch(k=0) failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("k=0: got %d results, want 0", len(empty))
	}
}

func TestEmbeddingReplaceThroughFacade(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	entity, err := st.CreateEntity(ctx, &types.Entity{Name: "Ada Lovelace"})
	if err != nil {
		t.Fatalf("CreateEntity() failed: %v", err)
	}

	if err := st.AddEmbedding(ctx, entity.ID, []float32{1, 0, 0}); err != nil {
		t.Fatalf("AddEmbedding() failed: %v", err)
	}
	if err := st.AddEmbedding(ctx, entity.ID, []float32{0, 1, 0}); err != nil {
		t.Fatalf("AddEmbedding() replace failed: %v", err)
	}
	if st.IndexSize() != 1 {
		t.Errorf("IndexSize after replace: got %d, want 1", st.IndexSize())
	}

	results, err := st.VectorSearch(ctx, []float32{0, 1, 0}, 1)
	if err != nil {
		t.Fatalf("VectorSearch() failed: %v", err)
	}
	if len(results) != 1 || results[0].Similarity < 0.999 {
		t.Errorf("replaced vector not found: %+v", results)
	}
}

func TestIndexRebuildAcrossRestart(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	st := New(cfg)
	if err := st.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	entity, err := st.CreateEntity(ctx, &types.Entity{Name: "Ada Lovelace"})
	if err != nil {
		t.Fatalf("CreateEntity() failed: %v", err)
	}
	if err := st.AddEmbedding(ctx, entity.ID, []float32{0, 0, 1}); err != nil {
		t.Fatalf("AddEmbedding() failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	// A fresh facade over the same data path rebuilds the index from the
	// persisted embeddings.
	st2 := New(cfg)
	if err := st2.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() after restart failed: %v", err)
	}
	defer st2.Close()

	if st2.IndexSize() != 1 {
		t.Fatalf("IndexSize after restart: got %d, want 1", st2.IndexSize())
	}

	results, err := st2.VectorSearch(ctx, []float32{0, 0, 1}, 1)
	if err != nil {
		t.Fatalf("VectorSearch() after restart failed: %v", err)
	}
	if len(results) != 1 || results[0].EntityID != entity.ID {
		t.Errorf("search after restart: %+v", results)
	}
}

func TestCloseReturnsToUninitialized(t *testing.T) {
	st := New(testConfig(t))
	ctx := context.Background()

	if err := st.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	if _, err := st.GetEntity(ctx, "id"); !errors.Is(err, storage.ErrNotInitialized) {
		t.Errorf("GetEntity after Close: got %v, want ErrNotInitialized", err)
	}

	// Close on an uninitialized store is a no-op.
	if err := st.Close(); err != nil {
		t.Errorf("Close() second call failed: %v", err)
	}
}
