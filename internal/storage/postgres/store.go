package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/sony/gobreaker"

	"github.com/scrypster/typedex/internal/storage"
	"github.com/scrypster/typedex/pkg/types"
)

// acquireTimeout bounds the initial ping so a missing server fails the probe
// quickly instead of hanging startup.
const acquireTimeout = 3 * time.Second

// Store implements storage.RecordStore using PostgreSQL. All database calls
// go through a circuit breaker so that a server that vanishes mid-process
// fails fast instead of stalling every operation on TCP timeouts.
type Store struct {
	db      *sql.DB
	breaker *gobreaker.CircuitBreaker
}

// NewStore connects to PostgreSQL and verifies the connection. EnsureSchema
// must run before the first data operation. A connection failure returns
// storage.ErrBackendUnavailable so the prober can move on.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres open: %v", storage.ErrBackendUnavailable, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: postgres ping: %v", storage.ErrBackendUnavailable, err)
	}

	s := &Store{
		db: db,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "postgres",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			// Domain errors (not found, bad input) are not connection
			// failures and must not trip the breaker.
			IsSuccessful: func(err error) bool {
				return err == nil ||
					errors.Is(err, storage.ErrNotFound) ||
					errors.Is(err, storage.ErrInvalidInput)
			},
		}),
	}

	return s, nil
}

// EnsureSchema creates the relation set and seeds the reference catalog.
// Idempotent: safe to call on an existing schema on every startup. A DDL
// rejection propagates; nothing here is retried or swallowed.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: failed to create schema: %w", err)
	}

	for _, system := range types.SeedTypingSystems() {
		if _, err := s.db.ExecContext(ctx,
			"INSERT INTO typing_systems (name) VALUES ($1) ON CONFLICT DO NOTHING", system.Name,
		); err != nil {
			return fmt.Errorf("postgres: failed to seed typing system %s: %w", system.Name, err)
		}
		for _, code := range system.Codes {
			if _, err := s.db.ExecContext(ctx,
				"INSERT INTO type_codes (system, code) VALUES ($1, $2) ON CONFLICT DO NOTHING",
				system.Name, code,
			); err != nil {
				return fmt.Errorf("postgres: failed to seed type code %s/%s: %w", system.Name, code, err)
			}
		}
	}

	return nil
}

// EnsureVectorColumn checks for the pgvector extension and, when present,
// adds the embedding_vec column and its cosine index. Returns whether native
// vector search is available. Failures here are never fatal; the BYTEA path
// keeps working without the extension.
func (s *Store) EnsureVectorColumn(ctx context.Context, dimension int) bool {
	if _, err := s.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		log.Printf("postgres: pgvector extension not installable (continuing with BYTEA only): %v", err)
	}

	var available bool
	if err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'vector')",
	).Scan(&available); err != nil || !available {
		return false
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"ALTER TABLE embeddings ADD COLUMN IF NOT EXISTS embedding_vec vector(%d)", dimension,
	)); err != nil {
		log.Printf("postgres: failed to add embedding_vec column: %v", err)
		return false
	}

	if _, err := s.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_embeddings_vec ON embeddings
		USING hnsw (embedding_vec vector_cosine_ops)`,
	); err != nil {
		// Index creation can fail on older pgvector versions; sequential
		// scan search still honors the contract.
		log.Printf("postgres: failed to create hnsw index (search falls back to seq scan): %v", err)
	}

	if err := s.backfillVectorColumn(ctx, dimension); err != nil {
		log.Printf("postgres: embedding_vec backfill incomplete (rows stay BYTEA-only until next startup): %v", err)
	}

	return true
}

// backfillVectorColumn populates embedding_vec for rows written while pgvector
// was unavailable. Without this, BYTEA-only rows would never appear in native
// search, which filters on embedding_vec IS NOT NULL. Idempotent: only NULL
// rows are touched.
func (s *Store) backfillVectorColumn(ctx context.Context, dimension int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, embedding, dimension FROM embeddings
		WHERE embedding_vec IS NULL`,
	)
	if err != nil {
		return fmt.Errorf("failed to list rows missing embedding_vec: %w", err)
	}
	defer rows.Close()

	type pending struct {
		entityID string
		vector   []float32
	}
	var backlog []pending
	for rows.Next() {
		var entityID string
		var buf []byte
		var dim int
		if err := rows.Scan(&entityID, &buf, &dim); err != nil {
			return fmt.Errorf("failed to scan embedding row: %w", err)
		}
		if dim != dimension {
			log.Printf("postgres: skipping embedding_vec backfill for %s: dimension %d, column is vector(%d)", entityID, dim, dimension)
			continue
		}
		vector, err := deserializeVector(buf, dim)
		if err != nil {
			log.Printf("postgres: skipping embedding_vec backfill for %s: %v", entityID, err)
			continue
		}
		backlog = append(backlog, pending{entityID: entityID, vector: vector})
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range backlog {
		if _, err := s.db.ExecContext(ctx,
			"UPDATE embeddings SET embedding_vec = $1 WHERE entity_id = $2 AND embedding_vec IS NULL",
			pgvector.NewVector(p.vector), p.entityID,
		); err != nil {
			return fmt.Errorf("failed to backfill embedding_vec for %s: %w", p.entityID, err)
		}
	}

	if len(backlog) > 0 {
		log.Printf("postgres: backfilled embedding_vec for %d rows", len(backlog))
	}
	return nil
}

// DB returns the underlying database handle. Used by the embedding store,
// which shares the connection and breaker.
func (s *Store) DB() *sql.DB {
	return s.db
}

// do routes a database call through the circuit breaker. An open breaker is
// reported as a backend-unavailable failure with the operation name.
func (s *Store) do(op string, fn func() error) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit open during %s", storage.ErrBackendUnavailable, op)
	}
	return err
}

// CreateEntity inserts an entity, assigning a UUID when the ID is empty.
func (s *Store) CreateEntity(ctx context.Context, entity *types.Entity) (*types.Entity, error) {
	if entity == nil {
		return nil, storage.ErrInvalidInput
	}
	if err := entity.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	stored := *entity
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Kind == "" {
		stored.Kind = types.KindPerson
	}
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = stored.CreatedAt

	var metadataJSON []byte
	if stored.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(stored.Metadata)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to marshal metadata: %w", err)
		}
	}

	err := s.do("CreateEntity", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO entities (id, name, description, kind, category, source, notes, metadata, created_at, updated_at, updated_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			stored.ID, stored.Name, stored.Description, stored.Kind, stored.Category,
			stored.Source, stored.Notes, nullableBytes(metadataJSON),
			stored.CreatedAt, stored.UpdatedAt, stored.UpdatedBy,
		)
		if err != nil {
			return fmt.Errorf("postgres: failed to create entity %s: %w", stored.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.GetEntity(ctx, stored.ID)
}

// GetEntity retrieves an entity by ID.
func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	var entity *types.Entity
	err := s.do("GetEntity", func() error {
		query := `
			SELECT ` + strings.Join(storage.EntityColumns(), ", ") + `
			FROM entities WHERE id = $1`
		e, err := scanEntity(s.db.QueryRowContext(ctx, query, id))
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("postgres: failed to get entity %s: %w", id, err)
		}
		entity = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// ListEntities retrieves entities matching the backend-neutral filter/sort
// specification, each with aggregated typing assignments attached.
func (s *Store) ListEntities(ctx context.Context, opts storage.ListOptions) ([]types.Entity, error) {
	query, args, err := storage.CompileEntityList(opts, sq.Dollar)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to compile entity list: %w", err)
	}

	var entities []types.Entity
	err = s.do("ListEntities", func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("postgres: failed to list entities: %w", err)
		}
		defer rows.Close()

		entities = []types.Entity{}
		for rows.Next() {
			entity, err := scanEntityWithCount(rows)
			if err != nil {
				return fmt.Errorf("postgres: failed to scan entity: %w", err)
			}
			entities = append(entities, *entity)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("postgres: error iterating entities: %w", err)
		}

		return s.attachAssignments(ctx, entities)
	})
	if err != nil {
		return nil, err
	}
	return entities, nil
}

func (s *Store) attachAssignments(ctx context.Context, entities []types.Entity) error {
	if len(entities) == 0 {
		return nil
	}

	ids := make([]string, len(entities))
	byID := make(map[string]*types.Entity, len(entities))
	for i := range entities {
		ids[i] = entities[i].ID
		byID[entities[i].ID] = &entities[i]
	}

	query, args, err := storage.CompileAssignments(ids, sq.Dollar)
	if err != nil {
		return fmt.Errorf("postgres: failed to compile assignments: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: failed to query assignments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entityID string
		var a types.TypingAssignment
		if err := rows.Scan(&entityID, &a.System, &a.TypeCode, &a.Votes); err != nil {
			return fmt.Errorf("postgres: failed to scan assignment: %w", err)
		}
		if e, ok := byID[entityID]; ok {
			e.Assignments = append(e.Assignments, a)
		}
	}
	return rows.Err()
}

// UpdateEntity applies the allowed mutable fields, appending one edit-history
// record per changed field inside a single transaction.
func (s *Store) UpdateEntity(ctx context.Context, id string, fields map[string]string, actingUser string) (*types.Entity, error) {
	current, err := s.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}

	if newName, ok := fields["name"]; ok && strings.TrimSpace(newName) == "" {
		return nil, fmt.Errorf("%w: entity name cannot be empty", storage.ErrInvalidInput)
	}

	changes := storage.DiffEntityFields(current, fields)
	if len(changes) == 0 {
		return current, nil
	}

	err = s.do("UpdateEntity", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("postgres: failed to begin update for %s: %w", id, err)
		}
		defer tx.Rollback()

		now := time.Now().UTC()
		for _, c := range changes {
			// Column names come from the fixed mutable-field whitelist.
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("UPDATE entities SET %s = $1 WHERE id = $2", c.Field),
				c.New, id,
			); err != nil {
				return fmt.Errorf("postgres: failed to update %s on entity %s: %w", c.Field, id, err)
			}

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO edit_history (id, entity_id, user_id, field, old_value, new_value, change_type, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				uuid.NewString(), id, actingUser, c.Field, c.Old, c.New, types.ChangeTypeUpdate, now,
			); err != nil {
				return fmt.Errorf("postgres: failed to record edit on entity %s: %w", id, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE entities SET updated_at = $1, updated_by = $2 WHERE id = $3",
			now, actingUser, id,
		); err != nil {
			return fmt.Errorf("postgres: failed to touch entity %s: %w", id, err)
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	return s.GetEntity(ctx, id)
}

// CreateUser upserts a user by ID.
func (s *Store) CreateUser(ctx context.Context, user *types.User) (*types.User, error) {
	if user == nil {
		return nil, storage.ErrInvalidInput
	}
	if err := user.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	stored := *user
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	err := s.do("CreateUser", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO users (id, display_name, created_at) VALUES ($1, $2, $3)
			ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name`,
			stored.ID, stored.DisplayName, stored.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: failed to create user %s: %w", stored.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &stored, nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*types.User, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}

	var user types.User
	err := s.do("GetUser", func() error {
		err := s.db.QueryRowContext(ctx,
			"SELECT id, display_name, created_at FROM users WHERE id = $1", id,
		).Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("postgres: failed to get user %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// AddRating validates the rating against the catalog and inserts it.
func (s *Store) AddRating(ctx context.Context, rating *types.Rating) (string, error) {
	if rating == nil {
		return "", storage.ErrInvalidInput
	}
	if err := rating.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	var known int
	err := s.do("AddRating", func() error {
		return s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM type_codes WHERE system = $1 AND code = $2",
			rating.System, rating.TypeCode,
		).Scan(&known)
	})
	if err != nil {
		return "", fmt.Errorf("postgres: failed to check type code: %w", err)
	}
	if known == 0 {
		return "", fmt.Errorf("%w: unknown type code %s/%s", storage.ErrInvalidInput, rating.System, rating.TypeCode)
	}

	if _, err := s.GetEntity(ctx, rating.EntityID); err != nil {
		return "", err
	}
	if _, err := s.GetUser(ctx, rating.UserID); err != nil {
		return "", err
	}

	stored := *rating
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	err = s.do("AddRating", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO ratings (id, entity_id, user_id, system, type_code, confidence, rationale, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			stored.ID, stored.EntityID, stored.UserID, stored.System,
			stored.TypeCode, stored.Confidence, stored.Rationale, stored.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: failed to add rating for entity %s: %w", stored.EntityID, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return stored.ID, nil
}

// ListRatings returns the ratings for an entity, newest first.
func (s *Store) ListRatings(ctx context.Context, entityID string) ([]types.Rating, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	var ratings []types.Rating
	err := s.do("ListRatings", func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, entity_id, user_id, system, type_code, confidence, rationale, created_at
			FROM ratings WHERE entity_id = $1
			ORDER BY created_at DESC, id DESC`, entityID)
		if err != nil {
			return fmt.Errorf("postgres: failed to list ratings for %s: %w", entityID, err)
		}
		defer rows.Close()

		ratings = []types.Rating{}
		for rows.Next() {
			var r types.Rating
			if err := rows.Scan(&r.ID, &r.EntityID, &r.UserID, &r.System,
				&r.TypeCode, &r.Confidence, &r.Rationale, &r.CreatedAt); err != nil {
				return fmt.Errorf("postgres: failed to scan rating: %w", err)
			}
			ratings = append(ratings, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ratings, nil
}

// AddComment inserts a comment after confirming the entity and user exist.
func (s *Store) AddComment(ctx context.Context, comment *types.Comment) (string, error) {
	if comment == nil {
		return "", storage.ErrInvalidInput
	}
	if err := comment.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	if _, err := s.GetEntity(ctx, comment.EntityID); err != nil {
		return "", err
	}
	if _, err := s.GetUser(ctx, comment.UserID); err != nil {
		return "", err
	}

	stored := *comment
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	err := s.do("AddComment", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO comments (id, entity_id, user_id, content, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			stored.ID, stored.EntityID, stored.UserID, stored.Content, stored.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: failed to add comment for entity %s: %w", stored.EntityID, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return stored.ID, nil
}

// ListComments returns the comments for an entity, newest first, joined with
// the commenting user's display name.
func (s *Store) ListComments(ctx context.Context, entityID string) ([]types.Comment, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	var comments []types.Comment
	err := s.do("ListComments", func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT c.id, c.entity_id, c.user_id, c.content, c.created_at, COALESCE(u.display_name, '')
			FROM comments c
			LEFT JOIN users u ON u.id = c.user_id
			WHERE c.entity_id = $1
			ORDER BY c.created_at DESC, c.id DESC`, entityID)
		if err != nil {
			return fmt.Errorf("postgres: failed to list comments for %s: %w", entityID, err)
		}
		defer rows.Close()

		comments = []types.Comment{}
		for rows.Next() {
			var c types.Comment
			if err := rows.Scan(&c.ID, &c.EntityID, &c.UserID, &c.Content, &c.CreatedAt, &c.UserName); err != nil {
				return fmt.Errorf("postgres: failed to scan comment: %w", err)
			}
			comments = append(comments, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return comments, nil
}

// ListEditHistory returns the edit records for an entity, newest first.
func (s *Store) ListEditHistory(ctx context.Context, entityID string) ([]types.EditRecord, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	var records []types.EditRecord
	err := s.do("ListEditHistory", func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, entity_id, user_id, field, old_value, new_value, change_type, created_at
			FROM edit_history WHERE entity_id = $1
			ORDER BY created_at DESC, id DESC`, entityID)
		if err != nil {
			return fmt.Errorf("postgres: failed to list edit history for %s: %w", entityID, err)
		}
		defer rows.Close()

		records = []types.EditRecord{}
		for rows.Next() {
			var r types.EditRecord
			if err := rows.Scan(&r.ID, &r.EntityID, &r.UserID, &r.Field,
				&r.OldValue, &r.NewValue, &r.ChangeType, &r.CreatedAt); err != nil {
				return fmt.Errorf("postgres: failed to scan edit record: %w", err)
			}
			records = append(records, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// TypingSystems returns the reference catalog.
func (s *Store) TypingSystems(ctx context.Context) ([]types.TypingSystem, error) {
	bySystem := map[string][]string{}
	err := s.do("TypingSystems", func() error {
		rows, err := s.db.QueryContext(ctx,
			"SELECT system, code FROM type_codes ORDER BY system ASC, code ASC")
		if err != nil {
			return fmt.Errorf("postgres: failed to list typing systems: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var system, code string
			if err := rows.Scan(&system, &code); err != nil {
				return fmt.Errorf("postgres: failed to scan type code: %w", err)
			}
			bySystem[system] = append(bySystem[system], code)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(bySystem))
	for name := range bySystem {
		names = append(names, name)
	}
	sort.Strings(names)

	systems := make([]types.TypingSystem, 0, len(names))
	for _, name := range names {
		systems = append(systems, types.TypingSystem{Name: name, Codes: bySystem[name]})
	}
	return systems, nil
}

// Stats returns live aggregate counts.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}
	err := s.do("Stats", func() error {
		counts := []struct {
			query string
			dst   *int
		}{
			{"SELECT COUNT(*) FROM entities", &stats.Entities},
			{"SELECT COUNT(*) FROM users", &stats.Users},
			{"SELECT COUNT(*) FROM type_codes", &stats.TypeCodes},
			{"SELECT COUNT(*) FROM ratings", &stats.Ratings},
			{"SELECT COUNT(*) FROM comments", &stats.Comments},
		}
		for _, c := range counts {
			if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
				return fmt.Errorf("postgres: failed to count: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rowScanner abstracts *sql.Row and *sql.Rows for entity scanning.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (*types.Entity, error) {
	return scanEntityInto(row, false)
}

func scanEntityWithCount(row rowScanner) (*types.Entity, error) {
	return scanEntityInto(row, true)
}

func scanEntityInto(row rowScanner, withCount bool) (*types.Entity, error) {
	var e types.Entity
	var metadataJSON sql.NullString
	var ratingCount int

	dest := []interface{}{
		&e.ID, &e.Name, &e.Description, &e.Kind, &e.Category,
		&e.Source, &e.Notes, &metadataJSON, &e.CreatedAt, &e.UpdatedAt, &e.UpdatedBy,
	}
	if withCount {
		dest = append(dest, &ratingCount)
	}

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &e, nil
}

// nullableBytes converts a byte slice to a nullable value for JSONB columns.
func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
