// Package fallback provides the dependency-free storage path used when no
// native backend is available. The entire dataset lives in memory and is
// rewritten to a single JSON snapshot after every mutating operation. It is
// explicitly best-effort: single process only, linear-scan queries.
package fallback

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/typedex/internal/storage"
	"github.com/scrypster/typedex/pkg/types"
)

// Store implements storage.RecordStore and storage.EmbeddingStore over an
// in-memory snapshot persisted to one file. A single mutex serializes all
// access: every mutation rewrites shared state wholesale, so concurrent
// mutating calls must not interleave.
type Store struct {
	mu   sync.Mutex
	path string
	data *snapshot
}

// NewStore loads the snapshot at path, or starts empty when the file does
// not exist. A corrupt snapshot is logged and replaced with an empty dataset
// rather than failing startup.
func NewStore(path string) (*Store, error) {
	data, err := loadSnapshot(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, data: data}, nil
}

// EnsureSchema seeds the typing-system catalog when it is empty. The
// fallback store has no DDL; this is its equivalent idempotent schema step.
func (s *Store) EnsureSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.data.TypingSystems) > 0 {
		return nil
	}
	s.data.TypingSystems = types.SeedTypingSystems()
	return s.persistLocked()
}

// CreateEntity inserts an entity, assigning a UUID when the ID is empty.
func (s *Store) CreateEntity(ctx context.Context, entity *types.Entity) (*types.Entity, error) {
	if entity == nil {
		return nil, storage.ErrInvalidInput
	}
	if err := entity.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *entity
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Kind == "" {
		stored.Kind = types.KindPerson
	}
	if s.findEntityLocked(stored.ID) != nil {
		return nil, fmt.Errorf("%w: entity %s already exists", storage.ErrInvalidInput, stored.ID)
	}
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = stored.CreatedAt
	stored.Assignments = nil

	s.data.Entities = append(s.data.Entities, stored)
	if err := s.persistLocked(); err != nil {
		return nil, err
	}

	out := stored
	return &out, nil
}

// GetEntity retrieves an entity by ID.
func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.findEntityLocked(id)
	if e == nil {
		return nil, storage.ErrNotFound
	}
	out := *e
	return &out, nil
}

// ListEntities filters, sorts, and paginates in memory, honoring the same
// observable semantics as the SQL backends.
func (s *Store) ListEntities(ctx context.Context, opts storage.ListOptions) ([]types.Entity, error) {
	opts.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	matched := []types.Entity{}
	for _, e := range s.data.Entities {
		if opts.Category != "" && e.Category != opts.Category {
			continue
		}
		if opts.Query != "" {
			q := strings.ToLower(opts.Query)
			if !strings.Contains(strings.ToLower(e.Name), q) &&
				!strings.Contains(strings.ToLower(e.Description), q) &&
				!strings.Contains(strings.ToLower(e.Notes), q) {
				continue
			}
		}
		matched = append(matched, e)
	}

	ratingCounts := map[string]int{}
	for _, r := range s.data.Ratings {
		ratingCounts[r.EntityID]++
	}

	asc := opts.SortOrder == "asc"
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := &matched[i], &matched[j]
		switch opts.SortBy {
		case storage.SortByRatingCount:
			ca, cb := ratingCounts[a.ID], ratingCounts[b.ID]
			if ca != cb {
				return ca > cb // always descending
			}
			return a.Name < b.Name
		case storage.SortByCategory:
			if a.Category != b.Category {
				if asc {
					return a.Category < b.Category
				}
				return a.Category > b.Category
			}
			return a.Name < b.Name
		case storage.SortByCreatedAt:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				if asc {
					return a.CreatedAt.Before(b.CreatedAt)
				}
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.ID < b.ID
		default:
			if asc {
				return a.Name < b.Name
			}
			return a.Name > b.Name
		}
	})

	// Offset pagination over the sorted set.
	if opts.Offset >= len(matched) {
		return []types.Entity{}, nil
	}
	matched = matched[opts.Offset:]
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	out := make([]types.Entity, len(matched))
	copy(out, matched)
	for i := range out {
		out[i].Assignments = s.assignmentsLocked(out[i].ID)
	}
	return out, nil
}

// assignmentsLocked aggregates ratings into typing assignments for one
// entity, ordered by votes descending then system/code ascending.
func (s *Store) assignmentsLocked(entityID string) []types.TypingAssignment {
	votes := map[string]*types.TypingAssignment{}
	for _, r := range s.data.Ratings {
		if r.EntityID != entityID {
			continue
		}
		key := r.System + "\x00" + r.TypeCode
		if a, ok := votes[key]; ok {
			a.Votes++
		} else {
			votes[key] = &types.TypingAssignment{System: r.System, TypeCode: r.TypeCode, Votes: 1}
		}
	}

	var out []types.TypingAssignment
	for _, a := range votes {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Votes != out[j].Votes {
			return out[i].Votes > out[j].Votes
		}
		if out[i].System != out[j].System {
			return out[i].System < out[j].System
		}
		return out[i].TypeCode < out[j].TypeCode
	})
	return out
}

// UpdateEntity applies the allowed mutable fields and appends edit history.
func (s *Store) UpdateEntity(ctx context.Context, id string, fields map[string]string, actingUser string) (*types.Entity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}
	if newName, ok := fields["name"]; ok && strings.TrimSpace(newName) == "" {
		return nil, fmt.Errorf("%w: entity name cannot be empty", storage.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.findEntityLocked(id)
	if e == nil {
		return nil, storage.ErrNotFound
	}

	changes := storage.DiffEntityFields(e, fields)
	if len(changes) == 0 {
		out := *e
		return &out, nil
	}

	now := time.Now().UTC()
	for _, c := range changes {
		storage.ApplyFieldChange(e, c)
		s.data.EditHistory = append(s.data.EditHistory, types.EditRecord{
			ID:         uuid.NewString(),
			EntityID:   id,
			UserID:     actingUser,
			Field:      c.Field,
			OldValue:   c.Old,
			NewValue:   c.New,
			ChangeType: types.ChangeTypeUpdate,
			CreatedAt:  now,
		})
	}
	e.UpdatedAt = now
	e.UpdatedBy = actingUser

	if err := s.persistLocked(); err != nil {
		return nil, err
	}

	out := *e
	return &out, nil
}

// CreateUser upserts a user by ID.
func (s *Store) CreateUser(ctx context.Context, user *types.User) (*types.User, error) {
	if user == nil {
		return nil, storage.ErrInvalidInput
	}
	if err := user.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *user
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	replaced := false
	for i := range s.data.Users {
		if s.data.Users[i].ID == stored.ID {
			s.data.Users[i].DisplayName = stored.DisplayName
			stored = s.data.Users[i]
			replaced = true
			break
		}
	}
	if !replaced {
		s.data.Users = append(s.data.Users, stored)
	}

	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	out := stored
	return &out, nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*types.User, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.data.Users {
		if s.data.Users[i].ID == id {
			out := s.data.Users[i]
			return &out, nil
		}
	}
	return nil, storage.ErrNotFound
}

// AddRating validates the rating against the catalog and appends it.
func (s *Store) AddRating(ctx context.Context, rating *types.Rating) (string, error) {
	if rating == nil {
		return "", storage.ErrInvalidInput
	}
	if err := rating.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.knownTypeCodeLocked(rating.System, rating.TypeCode) {
		return "", fmt.Errorf("%w: unknown type code %s/%s", storage.ErrInvalidInput, rating.System, rating.TypeCode)
	}
	if s.findEntityLocked(rating.EntityID) == nil {
		return "", fmt.Errorf("fallback: entity %s: %w", rating.EntityID, storage.ErrNotFound)
	}
	if !s.userExistsLocked(rating.UserID) {
		return "", fmt.Errorf("fallback: user %s: %w", rating.UserID, storage.ErrNotFound)
	}

	stored := *rating
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	s.data.Ratings = append(s.data.Ratings, stored)
	if err := s.persistLocked(); err != nil {
		return "", err
	}
	return stored.ID, nil
}

// ListRatings returns the ratings for an entity, newest first.
func (s *Store) ListRatings(ctx context.Context, entityID string) ([]types.Rating, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := []types.Rating{}
	for _, r := range s.data.Ratings {
		if r.EntityID == entityID {
			out = append(out, r)
		}
	}
	sortNewestFirst(out, func(r types.Rating) (time.Time, string) { return r.CreatedAt, r.ID })
	return out, nil
}

// AddComment appends a comment after confirming the entity and user exist.
func (s *Store) AddComment(ctx context.Context, comment *types.Comment) (string, error) {
	if comment == nil {
		return "", storage.ErrInvalidInput
	}
	if err := comment.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findEntityLocked(comment.EntityID) == nil {
		return "", fmt.Errorf("fallback: entity %s: %w", comment.EntityID, storage.ErrNotFound)
	}
	if !s.userExistsLocked(comment.UserID) {
		return "", fmt.Errorf("fallback: user %s: %w", comment.UserID, storage.ErrNotFound)
	}

	stored := *comment
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.UserName = ""

	s.data.Comments = append(s.data.Comments, stored)
	if err := s.persistLocked(); err != nil {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	names := map[string]string{}
	for _, u := range s.data.Users {
		names[u.ID] = u.DisplayName
	}

	out := []types.Comment{}
	for _, c := range s.data.Comments {
		if c.EntityID == entityID {
			c.UserName = names[c.UserID]
			out = append(out, c)
		}
	}
	sortNewestFirst(out, func(c types.Comment) (time.Time, string) { return c.CreatedAt, c.ID })
	return out, nil
}

// ListEditHistory returns the edit records for an entity, newest first.
func (s *Store) ListEditHistory(ctx context.Context, entityID string) ([]types.EditRecord, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := []types.EditRecord{}
	for _, r := range s.data.EditHistory {
		if r.EntityID == entityID {
			out = append(out, r)
		}
	}
	sortNewestFirst(out, func(r types.EditRecord) (time.Time, string) { return r.CreatedAt, r.ID })
	return out, nil
}

// TypingSystems returns the reference catalog.
func (s *Store) TypingSystems(ctx context.Context) ([]types.TypingSystem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.TypingSystem, len(s.data.TypingSystems))
	copy(out, s.data.TypingSystems)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Stats returns live aggregate counts.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	codes := 0
	for _, sys := range s.data.TypingSystems {
		codes += len(sys.Codes)
	}

	return &storage.Stats{
		Entities:  len(s.data.Entities),
		Users:     len(s.data.Users),
		TypeCodes: codes,
		Ratings:   len(s.data.Ratings),
		Comments:  len(s.data.Comments),
	}, nil
}

// StoreEmbedding upserts the embedding for an entity.
func (s *Store) StoreEmbedding(ctx context.Context, entityID string, vector []float32) error {
	if entityID == "" {
		return fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: embedding vector cannot be empty", storage.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data.Embeddings == nil {
		s.data.Embeddings = map[string][]float32{}
	}
	s.data.Embeddings[entityID] = append([]float32(nil), vector...)
	return s.persistLocked()
}

// GetEmbedding retrieves the embedding for an entity.
func (s *Store) GetEmbedding(ctx context.Context, entityID string) ([]float32, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.data.Embeddings[entityID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]float32(nil), v...), nil
}

// AllEmbeddings returns every persisted embedding keyed by entity ID.
func (s *Store) AllEmbeddings(ctx context.Context) (map[string][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make(map[string][]float32, len(s.data.Embeddings))
	for id, v := range s.data.Embeddings {
		all[id] = append([]float32(nil), v...)
	}
	return all, nil
}

// Close persists the final state and releases the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// Path returns the snapshot file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) findEntityLocked(id string) *types.Entity {
	for i := range s.data.Entities {
		if s.data.Entities[i].ID == id {
			return &s.data.Entities[i]
		}
	}
	return nil
}

func (s *Store) userExistsLocked(id string) bool {
	for i := range s.data.Users {
		if s.data.Users[i].ID == id {
			return true
		}
	}
	return false
}

func (s *Store) knownTypeCodeLocked(system, code string) bool {
	for i := range s.data.TypingSystems {
		if s.data.TypingSystems[i].Name == system {
			return s.data.TypingSystems[i].Contains(code)
		}
	}
	return false
}

// sortNewestFirst orders records by creation time descending with ID
// descending as the tie-break, matching the SQL backends.
func sortNewestFirst[T any](items []T, key func(T) (time.Time, string)) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, idi := key(items[i])
		tj, idj := key(items[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return idi > idj
	})
}
