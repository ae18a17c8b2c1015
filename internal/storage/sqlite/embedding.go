package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/scrypster/typedex/internal/storage"
)

// EmbeddingStore implements storage.EmbeddingStore using SQLite. Vectors are
// serialized as little-endian float32 BLOBs.
type EmbeddingStore struct {
	db *sql.DB
}

// NewEmbeddingStore creates a SQLite embedding store sharing the record
// store's connection.
func NewEmbeddingStore(db *sql.DB) *EmbeddingStore {
	return &EmbeddingStore{db: db}
}

// StoreEmbedding upserts the embedding for an entity.
func (p *EmbeddingStore) StoreEmbedding(ctx context.Context, entityID string, vector []float32) error {
	if entityID == "" {
		return fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: embedding vector cannot be empty", storage.ErrInvalidInput)
	}

	query := `
		INSERT INTO embeddings (entity_id, embedding, dimension, created_at, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(entity_id) DO UPDATE SET
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			updated_at = CURRENT_TIMESTAMP
	`

	if _, err := p.db.ExecContext(ctx, query, entityID, serializeVector(vector), len(vector)); err != nil {
		return fmt.Errorf("sqlite: failed to store embedding for %s: %w", entityID, err)
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
		"SELECT embedding, dimension FROM embeddings WHERE entity_id = ?", entityID,
	).Scan(&buf, &dimension)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get embedding for %s: %w", entityID, err)
	}

	vector, err := deserializeVector(buf, dimension)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to deserialize embedding for %s: %w", entityID, err)
	}
	return vector, nil
}

// AllEmbeddings returns every persisted embedding keyed by entity ID.
func (p *EmbeddingStore) AllEmbeddings(ctx context.Context) (map[string][]float32, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT entity_id, embedding, dimension FROM embeddings ORDER BY entity_id ASC")
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list embeddings: %w", err)
	}
	defer rows.Close()

	all := map[string][]float32{}
	for rows.Next() {
		var entityID string
		var buf []byte
		var dimension int
		if err := rows.Scan(&entityID, &buf, &dimension); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan embedding: %w", err)
		}
		vector, err := deserializeVector(buf, dimension)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to deserialize embedding for %s: %w", entityID, err)
		}
		all[entityID] = vector
	}
	return all, rows.Err()
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
// dimension validates the buffer size.
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
