package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/typedex/internal/storage"
	"github.com/scrypster/typedex/pkg/types"
)

// Store implements storage.RecordStore using SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database and configures WAL mode. EnsureSchema
// must run before the first data operation.
//
// A crashed process (SIGKILL, OOM) can leave stale -wal/-shm files that make
// subsequent opens fail with "disk I/O error" or "database is locked". When
// the failure matches that pattern and no other process holds the files open,
// the stale files are removed and the open is retried once.
func NewStore(dsn string) (*Store, error) {
	store, err := openStore(dsn)
	if err == nil {
		return store, nil
	}

	if !isRecoverableWALError(err) {
		return nil, err
	}

	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" {
		return nil, err
	}

	if !isWALStale(dbPath) {
		return nil, err
	}

	removeStaleWAL(dbPath)

	store, retryErr := openStore(dsn)
	if retryErr != nil {
		return nil, fmt.Errorf("sqlite: failed after WAL recovery: %w (original: %v)", retryErr, err)
	}

	log.Printf("sqlite: recovered from stale WAL files for %s", dbPath)
	return store, nil
}

func openStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY errors under concurrent load.
	// WAL mode allows concurrent readers to proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: failed to apply %q: %w", pragma, err)
		}
	}

	return &Store{db: db}, nil
}

// dbPathFromDSN extracts the filesystem path from a SQLite DSN. Handles bare
// paths and file: URIs; returns empty string for in-memory databases or
// unparseable DSNs.
func dbPathFromDSN(dsn string) string {
	if dsn == ":memory:" || dsn == "" {
		return ""
	}

	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == ":memory:" || path == "" {
			return ""
		}
		return path
	}

	return dsn
}

// isRecoverableWALError reports whether the error matches patterns caused by
// stale WAL files left behind after a crash.
func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") ||
		strings.Contains(msg, "database is locked")
}

// isWALStale checks whether -shm/-wal files exist for the given database path
// AND no other process currently holds them open (via lsof). Returns false
// when lsof is unavailable: never delete files that might be live.
func isWALStale(dbPath string) bool {
	shmPath := dbPath + "-shm"
	walPath := dbPath + "-wal"

	if !fileExists(shmPath) && !fileExists(walPath) {
		return false
	}

	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}

	cmd := exec.Command(lsofPath, "-t", dbPath, shmPath, walPath)
	output, err := cmd.Output()
	if err != nil {
		// lsof exits 1 when no process has the files open — stale.
		return true
	}

	return strings.TrimSpace(string(output)) == ""
}

func removeStaleWAL(dbPath string) {
	for _, suffix := range []string{"-shm", "-wal"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("sqlite: failed to remove stale %s: %v", path, err)
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EnsureSchema creates the relation set and seeds the reference catalog.
// Idempotent: safe to call on an existing schema on every startup. A DDL
// rejection propagates; nothing here is retried or swallowed.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	for _, system := range types.SeedTypingSystems() {
		if _, err := s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO typing_systems (name) VALUES (?)", system.Name,
		); err != nil {
			return fmt.Errorf("sqlite: failed to seed typing system %s: %w", system.Name, err)
		}
		for _, code := range system.Codes {
			if _, err := s.db.ExecContext(ctx,
				"INSERT OR IGNORE INTO type_codes (system, code) VALUES (?, ?)",
				system.Name, code,
			); err != nil {
				return fmt.Errorf("sqlite: failed to seed type code %s/%s: %w", system.Name, code, err)
			}
		}
	}

	return nil
}

// DB returns the underlying database handle. Used by the embedding store,
// which shares the connection.
func (s *Store) DB() *sql.DB {
	return s.db
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
			return nil, fmt.Errorf("sqlite: failed to marshal metadata: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, name, description, kind, category, source, notes, metadata, created_at, updated_at, updated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.Name, stored.Description, stored.Kind, stored.Category,
		stored.Source, stored.Notes, nullableBytes(metadataJSON),
		stored.CreatedAt, stored.UpdatedAt, stored.UpdatedBy,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to create entity %s: %w", stored.ID, err)
	}

	return s.GetEntity(ctx, stored.ID)
}

// GetEntity retrieves an entity by ID.
func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	query := `
		SELECT ` + strings.Join(storage.EntityColumns(), ", ") + `
		FROM entities WHERE id = ?`

	entity, err := scanEntity(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get entity %s: %w", id, err)
	}
	return entity, nil
}

// ListEntities retrieves entities matching the backend-neutral filter/sort
// specification, each with aggregated typing assignments attached.
func (s *Store) ListEntities(ctx context.Context, opts storage.ListOptions) ([]types.Entity, error) {
	query, args, err := storage.CompileEntityList(opts, sq.Question)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to compile entity list: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list entities: %w", err)
	}
	defer rows.Close()

	entities := []types.Entity{}
	for rows.Next() {
		entity, err := scanEntityWithCount(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan entity: %w", err)
		}
		entities = append(entities, *entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: error iterating entities: %w", err)
	}

	if err := s.attachAssignments(ctx, entities); err != nil {
		return nil, err
	}

	return entities, nil
}

// attachAssignments resolves typing assignments for a batch of entities in
// one grouped query.
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

	query, args, err := storage.CompileAssignments(ids, sq.Question)
	if err != nil {
		return fmt.Errorf("sqlite: failed to compile assignments: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite: failed to query assignments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entityID string
		var a types.TypingAssignment
		if err := rows.Scan(&entityID, &a.System, &a.TypeCode, &a.Votes); err != nil {
			return fmt.Errorf("sqlite: failed to scan assignment: %w", err)
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

	changes := storage.DiffEntityFields(current, fields)
	if newName, ok := fields["name"]; ok && strings.TrimSpace(newName) == "" {
		return nil, fmt.Errorf("%w: entity name cannot be empty", storage.ErrInvalidInput)
	}
	if len(changes) == 0 {
		return current, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to begin update for %s: %w", id, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, c := range changes {
		// Column names come from the fixed mutable-field whitelist.
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE entities SET %s = ? WHERE id = ?", c.Field),
			c.New, id,
		); err != nil {
			return nil, fmt.Errorf("sqlite: failed to update %s on entity %s: %w", c.Field, id, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO edit_history (id, entity_id, user_id, field, old_value, new_value, change_type, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), id, actingUser, c.Field, c.Old, c.New, types.ChangeTypeUpdate, now,
		); err != nil {
			return nil, fmt.Errorf("sqlite: failed to record edit on entity %s: %w", id, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE entities SET updated_at = ?, updated_by = ? WHERE id = ?",
		now, actingUser, id,
	); err != nil {
		return nil, fmt.Errorf("sqlite: failed to touch entity %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: failed to commit update for %s: %w", id, err)
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name`,
		stored.ID, stored.DisplayName, stored.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to create user %s: %w", stored.ID, err)
	}

	return &stored, nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*types.User, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}

	var u types.User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, display_name, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.DisplayName, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get user %s: %w", id, err)
	}
	return &u, nil
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
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM type_codes WHERE system = ? AND code = ?",
		rating.System, rating.TypeCode,
	).Scan(&known); err != nil {
		return "", fmt.Errorf("sqlite: failed to check type code: %w", err)
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ratings (id, entity_id, user_id, system, type_code, confidence, rationale, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.EntityID, stored.UserID, stored.System,
		stored.TypeCode, stored.Confidence, stored.Rationale, stored.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("sqlite: failed to add rating for entity %s: %w", stored.EntityID, err)
	}

	return stored.ID, nil
}

// ListRatings returns the ratings for an entity, newest first.
func (s *Store) ListRatings(ctx context.Context, entityID string) ([]types.Rating, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, user_id, system, type_code, confidence, rationale, created_at
		FROM ratings WHERE entity_id = ?
		ORDER BY created_at DESC, id DESC`, entityID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list ratings for %s: %w", entityID, err)
	}
	defer rows.Close()

	ratings := []types.Rating{}
	for rows.Next() {
		var r types.Rating
		if err := rows.Scan(&r.ID, &r.EntityID, &r.UserID, &r.System,
			&r.TypeCode, &r.Confidence, &r.Rationale, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan rating: %w", err)
		}
		ratings = append(ratings, r)
	}
	return ratings, rows.Err()
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, entity_id, user_id, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		stored.ID, stored.EntityID, stored.UserID, stored.Content, stored.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("sqlite: failed to add comment for entity %s: %w", stored.EntityID, err)
	}

	return stored.ID, nil
}

// ListComments returns the comments for an entity, newest first, joined with
// the commenting user's display name.
func (s *Store) ListComments(ctx context.Context, entityID string) ([]types.Comment, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.entity_id, c.user_id, c.content, c.created_at, COALESCE(u.display_name, '')
		FROM comments c
		LEFT JOIN users u ON u.id = c.user_id
		WHERE c.entity_id = ?
		ORDER BY c.created_at DESC, c.id DESC`, entityID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list comments for %s: %w", entityID, err)
	}
	defer rows.Close()

	comments := []types.Comment{}
	for rows.Next() {
		var c types.Comment
		if err := rows.Scan(&c.ID, &c.EntityID, &c.UserID, &c.Content, &c.CreatedAt, &c.UserName); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// ListEditHistory returns the edit records for an entity, newest first.
func (s *Store) ListEditHistory(ctx context.Context, entityID string) ([]types.EditRecord, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, user_id, field, old_value, new_value, change_type, created_at
		FROM edit_history WHERE entity_id = ?
		ORDER BY created_at DESC, id DESC`, entityID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list edit history for %s: %w", entityID, err)
	}
	defer rows.Close()

	records := []types.EditRecord{}
	for rows.Next() {
		var r types.EditRecord
		if err := rows.Scan(&r.ID, &r.EntityID, &r.UserID, &r.Field,
			&r.OldValue, &r.NewValue, &r.ChangeType, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan edit record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// TypingSystems returns the reference catalog.
func (s *Store) TypingSystems(ctx context.Context) ([]types.TypingSystem, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT system, code FROM type_codes ORDER BY system ASC, code ASC")
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list typing systems: %w", err)
	}
	defer rows.Close()

	bySystem := map[string][]string{}
	for rows.Next() {
		var system, code string
		if err := rows.Scan(&system, &code); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan type code: %w", err)
		}
		bySystem[system] = append(bySystem[system], code)
	}
	if err := rows.Err(); err != nil {
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
			return nil, fmt.Errorf("sqlite: failed to count: %w", err)
		}
	}
	return stats, nil
}

// Close flushes the WAL into the main database file and releases resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
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

// nullableBytes converts a byte slice to sql.NullString.
func nullableBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
