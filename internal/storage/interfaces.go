// Package storage defines the backend-neutral persistence contract for
// Typedex. Three implementations exist — postgres, sqlite, and the
// file-persisted fallback — all selected at startup by the capability prober
// and bound for the lifetime of the process.
package storage

import (
	"context"

	"github.com/scrypster/typedex/pkg/types"
)

// RecordStore provides CRUD operations over entities, users, ratings,
// comments, and edit history. Implementations translate the ListOptions
// contract into their own query execution; user-supplied values are always
// bound as parameters, never interpolated into query text.
type RecordStore interface {
	// CreateEntity inserts an entity, assigning an identifier if absent,
	// and returns the stored row. Returns ErrInvalidInput for an empty name.
	CreateEntity(ctx context.Context, entity *types.Entity) (*types.Entity, error)

	// GetEntity retrieves an entity by ID. Returns ErrNotFound if missing.
	GetEntity(ctx context.Context, id string) (*types.Entity, error)

	// ListEntities retrieves entities matching opts, each with its
	// aggregated typing assignments attached.
	ListEntities(ctx context.Context, opts ListOptions) ([]types.Entity, error)

	// UpdateEntity applies the allowed subset of fields, appending one
	// EditRecord per changed field, and returns the refreshed entity.
	// Unknown fields are silently ignored. Returns ErrNotFound if the
	// entity does not exist.
	UpdateEntity(ctx context.Context, id string, fields map[string]string, actingUser string) (*types.Entity, error)

	// CreateUser upserts a user by ID (assigning one if absent) and
	// returns the stored row.
	CreateUser(ctx context.Context, user *types.User) (*types.User, error)

	// GetUser retrieves a user by ID. Returns ErrNotFound if missing.
	GetUser(ctx context.Context, id string) (*types.User, error)

	// AddRating validates the rating against the typing-system catalog and
	// inserts it. Ratings are immutable. Returns the assigned rating ID.
	AddRating(ctx context.Context, rating *types.Rating) (string, error)

	// ListRatings returns the ratings for an entity, newest first.
	ListRatings(ctx context.Context, entityID string) ([]types.Rating, error)

	// AddComment inserts a comment. Returns the assigned comment ID.
	AddComment(ctx context.Context, comment *types.Comment) (string, error)

	// ListComments returns the comments for an entity, newest first, each
	// joined with the commenting user's display name.
	ListComments(ctx context.Context, entityID string) ([]types.Comment, error)

	// ListEditHistory returns the edit records for an entity, newest first.
	ListEditHistory(ctx context.Context, entityID string) ([]types.EditRecord, error)

	// TypingSystems returns the reference catalog.
	TypingSystems(ctx context.Context) ([]types.TypingSystem, error)

	// Stats returns live aggregate counts.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases any resources held by the store.
	Close() error
}

// EmbeddingStore persists raw embedding vectors alongside the relational
// record set so the in-process vector index can be rebuilt after a restart.
// At most one embedding exists per entity; storing again replaces it.
type EmbeddingStore interface {
	// StoreEmbedding upserts the embedding for an entity.
	StoreEmbedding(ctx context.Context, entityID string, vector []float32) error

	// GetEmbedding returns the embedding for an entity, or ErrNotFound.
	GetEmbedding(ctx context.Context, entityID string) ([]float32, error)

	// AllEmbeddings returns every persisted (entityID, vector) pair. Map
	// iteration order is not meaningful; callers that need determinism
	// sort the keys themselves.
	AllEmbeddings(ctx context.Context) (map[string][]float32, error)
}

// Neighbor is one vector search result.
type Neighbor struct {
	EntityID   string  `json:"entity_id"`
	Similarity float64 `json:"similarity"` // 1 - cosine distance
	Distance   float64 `json:"distance"`   // cosine distance
}

// VectorSearcher is implemented by backends with native nearest-neighbor
// support (postgres with pgvector). The ordering contract is identical to
// the in-process index: descending similarity, entity ID ascending on ties.
type VectorSearcher interface {
	// SearchEmbeddings returns up to k nearest neighbors of query by
	// cosine distance. An empty index yields an empty slice, not an error.
	SearchEmbeddings(ctx context.Context, query []float32, k int) ([]Neighbor, error)
}
