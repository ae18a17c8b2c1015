// Package store is the persistence facade: the single entry point through
// which the application reads and writes Typedex data. It probes for the
// most capable backend at startup, binds it for the process lifetime, and
// layers the vector index on top of whichever backend won.
package store

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/scrypster/typedex/internal/config"
	"github.com/scrypster/typedex/internal/storage"
	"github.com/scrypster/typedex/internal/vector"
	"github.com/scrypster/typedex/pkg/types"
)

// Lifecycle states of the facade. Transitions only move forward:
// uninitialized -> probing -> schemaReady -> operational. A failed
// Initialize leaves the facade uninitialized so it can be retried.
type state int

const (
	stateUninitialized state = iota
	stateProbing
	stateSchemaReady
	stateOperational
)

// Store is the persistence facade. All public operations return
// ErrNotInitialized until Initialize has completed; afterwards they delegate
// to the bound backend. The in-process vector index owns the entity-to-slot
// mapping; the facade never tracks slots itself.
type Store struct {
	cfg *config.Config

	mu      sync.RWMutex
	state   state
	backend *Backend
	index   *vector.Index
}

// New creates an uninitialized facade. Initialize must be called before any
// data operation.
func New(cfg *config.Config) *Store {
	return &Store{cfg: cfg}
}

// Initialize selects a backend, runs its schema step, and rebuilds the
// vector index from persisted embeddings. It is idempotent: a second call on
// an operational store is a no-op. Acquisition failures are absorbed by the
// prober (it falls through to the next candidate); schema failures on the
// selected backend are fatal and returned to the caller.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateOperational {
		return nil
	}

	s.state = stateProbing
	backend, err := selectBackend(ctx, s.cfg)
	if err != nil {
		s.state = stateUninitialized
		return err
	}

	if err := backend.ensureSchema(ctx); err != nil {
		backend.Records.Close()
		s.state = stateUninitialized
		return fmt.Errorf("store: schema setup failed on %s: %w", backend.Engine, err)
	}
	s.state = stateSchemaReady

	if backend.Engine == EnginePostgres {
		finishPostgres(ctx, backend, s.cfg.Vector.Dimension)
	}

	idx, err := vector.New(s.cfg.Vector.Dimension, s.cfg.Vector.IndexCapacity)
	if err != nil {
		backend.Records.Close()
		s.state = stateUninitialized
		return err
	}
	// When the backend searches natively the in-process index stays empty;
	// it is only rebuilt from persisted vectors when queries run locally.
	if backend.Searcher == nil {
		if err := rebuildIndex(ctx, backend.Embeddings, idx); err != nil {
			backend.Records.Close()
			s.state = stateUninitialized
			return err
		}
	}

	s.backend = backend
	s.index = idx
	s.state = stateOperational
	log.Printf("store: initialized with %s backend, %d vectors indexed", backend.Engine, idx.Len())
	return nil
}

// rebuildIndex loads every persisted embedding into the index in ascending
// entity-ID order so slot assignment is deterministic across restarts.
func rebuildIndex(ctx context.Context, emb storage.EmbeddingStore, idx *vector.Index) error {
	all, err := emb.AllEmbeddings(ctx)
	if err != nil {
		return fmt.Errorf("store: failed to load persisted embeddings: %w", err)
	}

	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		vec := all[id]
		if len(vec) != idx.Dimension() {
			log.Printf("store: skipping embedding for %s: stored dimension %d, index dimension %d",
				id, len(vec), idx.Dimension())
			continue
		}
		if _, err := idx.Add(id, vec); err != nil {
			return fmt.Errorf("store: failed to index embedding for %s: %w", id, err)
		}
	}
	return nil
}

// Engine reports which backend the prober selected. Empty until initialized.
func (s *Store) Engine() Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != stateOperational {
		return ""
	}
	return s.backend.Engine
}

// ready returns the live backend, or ErrNotInitialized.
func (s *Store) ready() (*Backend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != stateOperational {
		return nil, storage.ErrNotInitialized
	}
	return s.backend, nil
}

// readyVector returns the live backend and the in-process index together so
// neither can be swapped out between the check and its use.
func (s *Store) readyVector() (*Backend, *vector.Index, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != stateOperational {
		return nil, nil, storage.ErrNotInitialized
	}
	return s.backend, s.index, nil
}

func (s *Store) CreateEntity(ctx context.Context, entity *types.Entity) (*types.Entity, error) {
	b, err := s.ready()
	if err != nil {
		return nil, err
	}
	return b.Records.CreateEntity(ctx, entity)
}

func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	b, err := s.ready()
	if err != nil {
		return nil, err
	}
	return b.Records.GetEntity(ctx, id)
}

func (s *Store) ListEntities(ctx context.Context, opts storage.ListOptions) ([]types.Entity, error) {
	b, err := s.ready()
	if err != nil {
		return nil, err
	}
	return b.Records.ListEntities(ctx, opts)
}

func (s *Store) UpdateEntity(ctx context.Context, id string, fields map[string]string, actingUser string) (*types.Entity, error) {
	b, err := s.ready()
	if err != nil {
		return nil, err
	}
	return b.Records.UpdateEntity(ctx, id, fields, actingUser)
}

func (s *Store) CreateUser(ctx context.Context, user *types.User) (*types.User, error) {
	b, err := s.ready()
	if err != nil {
		return nil, err
	}
	return b.Records.CreateUser(ctx, user)
}

func (s *Store) GetUser(ctx context.Context, id string) (*types.User, error) {
	b, err := s.ready()
	if err != nil {
		return nil, err
	}
	return b.Records.GetUser(ctx, id)
}

func (s *Store) AddRating(ctx context.Context, rating *types.Rating) (string, error) {
	b, err := s.ready()
	if err != nil {
		return "", err
	}
	return b.Records.AddRating(ctx, rating)
}

func (s *Store) ListRatings(ctx context.Context, entityID string) ([]types.Rating, error) {
	b, err := s.ready()
	if err != nil {
		return nil, err
	}
	return b.Records.ListRatings(ctx, entityID)
}

func (s *Store) AddComment(ctx context.Context, comment *types.Comment) (string, error) {
	b, err := s.ready()
	if err != nil {
		return "", err
	}
	return b.Records.AddComment(ctx, comment)
}

func (s *Store) ListComments(ctx context.Context, entityID string) ([]types.Comment, error) {
	b, err := s.ready()
	if err != nil {
		return nil, err
	}
	return b.Records.ListComments(ctx, entityID)
}

func (s *Store) ListEditHistory(ctx context.Context, entityID string) ([]types.EditRecord, error) {
	b, err := s.ready()
	if err != nil {
		return nil, err
	}
	return b.Records.ListEditHistory(ctx, entityID)
}

func (s *Store) TypingSystems(ctx context.Context) ([]types.TypingSystem, error) {
	b, err := s.ready()
	if err != nil {
		return nil, err
	}
	return b.Records.TypingSystems(ctx)
}

func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	b, err := s.ready()
	if err != nil {
		return nil, err
	}
	return b.Records.Stats(ctx)
}

// AddEmbedding validates and persists the embedding for an existing entity,
// then updates the in-process index. Persistence happens first: if the index
// insert fails the durable state is still consistent and the next Initialize
// will pick the vector up.
func (s *Store) AddEmbedding(ctx context.Context, entityID string, vec []float32) error {
	b, idx, err := s.readyVector()
	if err != nil {
		return err
	}

	if len(vec) != s.cfg.Vector.Dimension {
		return fmt.Errorf("%w: got %d, configured dimension is %d",
			storage.ErrDimensionMismatch, len(vec), s.cfg.Vector.Dimension)
	}
	if _, err := b.Records.GetEntity(ctx, entityID); err != nil {
		return err
	}
	if err := b.Embeddings.StoreEmbedding(ctx, entityID, vec); err != nil {
		return err
	}

	if b.Searcher != nil {
		return nil
	}

	_, err = idx.Add(entityID, vec)
	return err
}

// GetEmbedding returns the persisted embedding for an entity.
func (s *Store) GetEmbedding(ctx context.Context, entityID string) ([]float32, error) {
	b, err := s.ready()
	if err != nil {
		return nil, err
	}
	return b.Embeddings.GetEmbedding(ctx, entityID)
}

// VectorSearch returns up to k nearest neighbors of query, descending
// similarity with entity ID ascending on ties. The native searcher serves
// the query when the backend has one; otherwise the in-process index does.
func (s *Store) VectorSearch(ctx context.Context, query []float32, k int) ([]storage.Neighbor, error) {
	b, idx, err := s.readyVector()
	if err != nil {
		return nil, err
	}

	if len(query) != s.cfg.Vector.Dimension {
		return nil, fmt.Errorf("%w: got %d, configured dimension is %d",
			storage.ErrDimensionMismatch, len(query), s.cfg.Vector.Dimension)
	}
	if k <= 0 {
		return []storage.Neighbor{}, nil
	}

	if b.Searcher != nil {
		return b.Searcher.SearchEmbeddings(ctx, query, k)
	}
	return idx.Search(query, k)
}

// IndexSize reports how many vectors the in-process index holds. Zero when
// the backend searches natively.
func (s *Store) IndexSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != stateOperational {
		return 0
	}
	return s.index.Len()
}

// Close releases the backend. The facade returns to the uninitialized state
// and can be initialized again.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateOperational {
		return nil
	}
	err := s.backend.Records.Close()
	s.backend = nil
	s.index = nil
	s.state = stateUninitialized
	return err
}
