package postgres

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log"
	"math"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/typedex/internal/storage"
)

// EmbeddingStore implements storage.EmbeddingStore using PostgreSQL. The raw
// vector is always written to the BYTEA column; when pgvector is available it
// is also written to embedding_vec, which enables native cosine search.
type EmbeddingStore struct {
	db                *sql.DB
	pgvectorAvailable bool
}

// NewEmbeddingStore creates a PostgreSQL embedding store sharing the record
// store's connection. pgvectorAvailable comes from Store.EnsureVectorColumn.
func NewEmbeddingStore(db *sql.DB, pgvectorAvailable bool) *EmbeddingStore {
	return &EmbeddingStore{db: db, pgvectorAvailable: pgvectorAvailable}
}

// NativeSearch reports whether SearchEmbeddings executes inside the backend.
func (p *EmbeddingStore) NativeSearch() bool {
	return p.pgvectorAvailable
}

// StoreEmbedding upserts the embedding for an entity.
func (p *EmbeddingStore) StoreEmbedding(ctx context.Context, entityID string, vector []float32) error {
	if entityID == "" {
		return fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: embedding vector cannot be empty", storage.ErrInvalidInput)
	}

	raw := serializeVector(vector)

	if p.pgvectorAvailable {
		query := `
			INSERT INTO embeddings (entity_id, embedding, dimension, embedding_vec, created_at, updated_at)
			VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(entity_id) DO UPDATE SET
				embedding = excluded.embedding,
				dimension = excluded.dimension,
				embedding_vec = excluded.embedding_vec,
				updated_at = CURRENT_TIMESTAMP
		`
		_, err := p.db.ExecContext(ctx, query, entityID, raw, len(vector), pgvector.NewVector(vector))
		if err == nil {
			return nil
		}
		// The BYTEA path below still satisfies the persistence contract.
		log.Printf("postgres: failed to store embedding_vec for %s (falling back to BYTEA only): %v", entityID, err)
	}

	query := `
		INSERT INTO embeddings (entity_id, embedding, dimension, created_at, updated_at)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(entity_id) DO UPDATE SET
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := p.db.ExecContext(ctx, query, entityID, raw, len(vector)); err != nil {
		return fmt.Errorf("postgres: failed to store embedding for %s: %w", entityID, err)
	}
	return nil
}

// GetEmbedding retrieves the embedding for an entity.
func (p *EmbeddingStore) GetEmbedding(ctx context.Context, entityID string) ([]float32, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	var buf []byte
	var dimension int
	err := p.db.QueryRowContext(ctx,
		"SELECT embedding, dimension FROM embeddings WHERE entity_id = $1", entityID,
	).Scan(&buf, &dimension)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get embedding for %s: %w", entityID, err)
	}

	vector, err := deserializeVector(buf, dimension)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to deserialize embedding for %s: %w", entityID, err)
	}
	return vector, nil
}

// AllEmbeddings returns every persisted embedding keyed by entity ID.
func (p *EmbeddingStore) AllEmbeddings(ctx context.Context) (map[string][]float32, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT entity_id, embedding, dimension FROM embeddings ORDER BY entity_id ASC")
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list embeddings: %w", err)
	}
	defer rows.Close()

	all := map[string][]float32{}
	for rows.Next() {
		var entityID string
		var buf []byte
		var dimension int
		if err := rows.Scan(&entityID, &buf, &dimension); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan embedding: %w", err)
		}
		vector, err := deserializeVector(buf, dimension)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to deserialize embedding for %s: %w", entityID, err)
		}
		all[entityID] = vector
	}
	return all, rows.Err()
}

// SearchEmbeddings performs native cosine-distance search via pgvector.
// The ordering matches the in-process index exactly: distance ascending with
// entity ID ascending as the tie-break. Only valid when NativeSearch is true.
func (p *EmbeddingStore) SearchEmbeddings(ctx context.Context, query []float32, k int) ([]storage.Neighbor, error) {
	if !p.pgvectorAvailable {
		return nil, fmt.Errorf("postgres: native vector search requires pgvector")
	}
	if k <= 0 {
		return []storage.Neighbor{}, nil
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT entity_id, embedding_vec <=> $1 AS distance
		FROM embeddings
		WHERE embedding_vec IS NOT NULL
		ORDER BY distance ASC, entity_id ASC
		LIMIT $2`, pgvector.NewVector(query), k)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search failed: %w", err)
	}
	defer rows.Close()

	neighbors := []storage.Neighbor{}
	for rows.Next() {
		var n storage.Neighbor
		if err := rows.Scan(&n.EntityID, &n.Distance); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan neighbor: %w", err)
		}
		n.Similarity = 1 - n.Distance
		neighbors = append(neighbors, n)
	}
	return neighbors, rows.Err()
}

// serializeVector converts a float32 slice to little-endian bytes.
func serializeVector(vector []float32) []byte {
	buf := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// deserializeVector converts little-endian bytes back to a float32 slice.
func deserializeVector(buf []byte, dimension int) ([]float32, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", dimension)
	}
	if len(buf) != dimension*4 {
		return nil, fmt.Errorf("buffer size mismatch: expected %d bytes, got %d", dimension*4, len(buf))
	}

	vector := make([]float32, dimension)
	for i := 0; i < dimension; i++ {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vector, nil
}
