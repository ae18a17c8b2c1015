package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/scrypster/typedex/internal/storage"
	"github.com/scrypster/typedex/pkg/types"
)

// newTestStore creates an in-memory store with the full schema and seeded
// typing-system catalog.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustCreateEntity(t *testing.T, s *Store, e *types.Entity) *types.Entity {
	t.Helper()
	created, err := s.CreateEntity(context.Background(), e)
	if err != nil {
		t.Fatalf("CreateEntity(%q) failed: %v", e.Name, err)
	}
	return created
}

func mustCreateUser(t *testing.T, s *Store, id, name string) *types.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), &types.User{ID: id, DisplayName: name})
	if err != nil {
		t.Fatalf("CreateUser(%q) failed: %v", id, err)
	}
	return u
}

func TestCreateAndGetEntity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := mustCreateEntity(t, store, &types.Entity{
		Name:        "Ada Lovelace",
		Description: "Mathematician and writer",
		Kind:        types.KindPerson,
		Category:    "scientist",
		Source:      "import",
		Notes:       "first programmer",
		Metadata:    map[string]interface{}{"era": "victorian"},
	})

	if created.ID == "" {
		t.Fatal("created entity has no ID")
	}
	if created.CreatedAt.IsZero() {
		t.Error("created entity has zero CreatedAt")
	}

	got, err := store.GetEntity(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	if got.Name != "Ada Lovelace" {
		t.Errorf("Name: got %q, want %q", got.Name, "Ada Lovelace")
	}
	if got.Kind != types.KindPerson {
		t.Errorf("Kind: got %q, want %q", got.Kind, types.KindPerson)
	}
	if got.Metadata["era"] != "victorian" {
		t.Errorf("Metadata: got %v", got.Metadata)
	}
}

func TestCreateEntityDefaultsKind(t *testing.T) {
	store := newTestStore(t)
	created := mustCreateEntity(t, store, &types.Entity{Name: "Unknown Person"})
	if created.Kind != types.KindPerson {
		t.Errorf("Kind: got %q, want %q", created.Kind, types.KindPerson)
	}
}

func TestCreateEntityRejectsEmptyName(t *testing.T) {
	store := newTestStore(t)
	_, err := store.CreateEntity(context.Background(), &types.Entity{Name: ""})
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("got %v, want ErrInvalidInput", err)
	}
}

func TestGetEntityNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetEntity(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestUpdateEntityRecordsHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, store, "editor", "Editor")

	created := mustCreateEntity(t, store, &types.Entity{Name: "Ada Lovelace"})

	updated, err := store.UpdateEntity(ctx, created.ID, map[string]string{"name": "Augusta Ada King"}, "editor")
	if err != nil {
		t.Fatalf("UpdateEntity() failed: %v", err)
	}
	if updated.Name != "Augusta Ada King" {
		t.Errorf("Name after update: got %q", updated.Name)
	}
	if updated.UpdatedBy != "editor" {
		t.Errorf("UpdatedBy: got %q, want editor", updated.UpdatedBy)
	}

	// Revert. Both versions must survive in the history.
	if _, err := store.UpdateEntity(ctx, created.ID, map[string]string{"name": "Ada Lovelace"}, "editor"); err != nil {
		t.Fatalf("UpdateEntity() revert failed: %v", err)
	}

	history, err := store.ListEditHistory(ctx, created.ID)
	if err != nil {
		t.Fatalf("ListEditHistory() failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("got %d history records, want 2", len(history))
	}

	// Newest first: the revert comes before the original rename.
	if history[0].NewValue != "Ada Lovelace" || history[0].OldValue != "Augusta Ada King" {
		t.Errorf("newest record: got %q -> %q", history[0].OldValue, history[0].NewValue)
	}
	if history[1].NewValue != "Augusta Ada King" {
		t.Errorf("oldest record: got %q -> %q", history[1].OldValue, history[1].NewValue)
	}
	for _, h := range history {
		if h.Field != "name" || h.ChangeType != types.ChangeTypeUpdate || h.UserID != "editor" {
			t.Errorf("history record: %+v", h)
		}
	}
}

func TestUpdateEntityIgnoresUnknownAndImmutableFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := mustCreateEntity(t, store, &types.Entity{Name: "Ada Lovelace"})

	updated, err := store.UpdateEntity(ctx, created.ID, map[string]string{
		"kind":  "fictional",
		"bogus": "x",
	}, "editor")
	if err != nil {
		t.Fatalf("UpdateEntity() failed: %v", err)
	}
	if updated.Kind != types.KindPerson {
		t.Errorf("Kind changed through update: %q", updated.Kind)
	}

	history, err := store.ListEditHistory(ctx, created.ID)
	if err != nil {
		t.Fatalf("ListEditHistory() failed: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("got %d history records for a no-op update, want 0", len(history))
	}
}

func TestUpdateEntityRejectsEmptyName(t *testing.T) {
	store := newTestStore(t)
	created := mustCreateEntity(t, store, &types.Entity{Name: "Ada Lovelace"})

	_, err := store.UpdateEntity(context.Background(), created.ID, map[string]string{"name": "  "}, "editor")
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("got %v, want ErrInvalidInput", err)
	}
}

func TestUpdateEntityNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.UpdateEntity(context.Background(), "missing", map[string]string{"name": "x"}, "editor")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestCreateUserUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustCreateUser(t, store, "u1", "First Name")
	mustCreateUser(t, store, "u1", "Second Name")

	got, err := store.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser() failed: %v", err)
	}
	if got.DisplayName != "Second Name" {
		t.Errorf("DisplayName: got %q, want %q", got.DisplayName, "Second Name")
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Users != 1 {
		t.Errorf("Users: got %d, want 1", stats.Users)
	}
}

func TestAddRating(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entity := mustCreateEntity(t, store, &types.Entity{Name: "Ada Lovelace"})
	mustCreateUser(t, store, "u1", "Rater")

	id, err := store.AddRating(ctx, &types.Rating{
		EntityID:   entity.ID,
		UserID:     "u1",
		System:     "mbti",
		TypeCode:   "INTJ",
		Confidence: 0.8,
		Rationale:  "analytical, systematic",
	})
	if err != nil {
		t.Fatalf("AddRating() failed: %v", err)
	}
	if id == "" {
		t.Fatal("AddRating() returned empty ID")
	}

	ratings, err := store.ListRatings(ctx, entity.ID)
	if err != nil {
		t.Fatalf("ListRatings() failed: %v", err)
	}
	if len(ratings) != 1 {
		t.Fatalf("got %d ratings, want 1", len(ratings))
	}
	if ratings[0].TypeCode != "INTJ" || ratings[0].Confidence != 0.8 {
		t.Errorf("rating: %+v", ratings[0])
	}
}

func TestAddRatingValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entity := mustCreateEntity(t, store, &types.Entity{Name: "Ada Lovelace"})
	mustCreateUser(t, store, "u1", "Rater")

	cases := []struct {
		name   string
		rating types.Rating
		want   error
	}{
		{
			name:   "unknown system",
			rating: types.Rating{EntityID: entity.ID, UserID: "u1", System: "zodiac", TypeCode: "leo", Confidence: 0.5},
			want:   storage.ErrInvalidInput,
		},
		{
			name:   "unknown code within known system",
			rating: types.Rating{EntityID: entity.ID, UserID: "u1", System: "mbti", TypeCode: "XXXX", Confidence: 0.5},
			want:   storage.ErrInvalidInput,
		},
		{
			name:   "confidence above one",
			rating: types.Rating{EntityID: entity.ID, UserID: "u1", System: "mbti", TypeCode: "INTJ", Confidence: 1.1},
			want:   storage.ErrInvalidInput,
		},
		{
			name:   "missing entity",
			rating: types.Rating{EntityID: "missing", UserID: "u1", System: "mbti", TypeCode: "INTJ", Confidence: 0.5},
			want:   storage.ErrNotFound,
		},
		{
			name:   "missing user",
			rating: types.Rating{EntityID: entity.ID, UserID: "missing", System: "mbti", TypeCode: "INTJ", Confidence: 0.5},
			want:   storage.ErrNotFound,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.AddRating(ctx, &tc.rating)
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}

	// Boundary confidences are valid.
	for _, c := range []float64{0, 1} {
		if _, err := store.AddRating(ctx, &types.Rating{
			EntityID: entity.ID, UserID: "u1", System: "enneagram", TypeCode: "5", Confidence: c,
		}); err != nil {
			t.Errorf("AddRating(confidence=%v) failed: %v", c, err)
		}
	}
}

func TestListEntitiesFilterAndSort(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, store, "u1", "Rater")

	ada := mustCreateEntity(t, store, &types.Entity{Name: "Ada Lovelace", Category: "scientist", Notes: "analytical engine"})
	grace := mustCreateEntity(t, store, &types.Entity{Name: "Grace Hopper", Category: "scientist"})
	mustCreateEntity(t, store, &types.Entity{Name: "Sherlock Holmes", Kind: types.KindFictional, Category: "detective"})

	for _, code := range []string{"INTJ", "INTJ", "INTP"} {
		if _, err := store.AddRating(ctx, &types.Rating{
			EntityID: ada.ID, UserID: "u1", System: "mbti", TypeCode: code, Confidence: 0.7,
		}); err != nil {
			t.Fatalf("AddRating() failed: %v", err)
		}
	}
	if _, err := store.AddRating(ctx, &types.Rating{
		EntityID: grace.ID, UserID: "u1", System: "mbti", TypeCode: "ENTJ", Confidence: 0.9,
	}); err != nil {
		t.Fatalf("AddRating() failed: %v", err)
	}

	// Category filter.
	scientists, err := store.ListEntities(ctx, storage.ListOptions{Category: "scientist"})
	if err != nil {
		t.Fatalf("ListEntities(category) failed: %v", err)
	}
	if len(scientists) != 2 {
		t.Fatalf("got %d scientists, want 2", len(scientists))
	}
	if scientists[0].Name != "Ada Lovelace" || scientists[1].Name != "Grace Hopper" {
		t.Errorf("name order: %q, %q", scientists[0].Name, scientists[1].Name)
	}

	// Case-insensitive substring search over name, description, notes.
	found, err := store.ListEntities(ctx, storage.ListOptions{Query: "ANALYTICAL"})
	if err != nil {
		t.Fatalf("ListEntities(query) failed: %v", err)
	}
	if len(found) != 1 || found[0].ID != ada.ID {
		t.Errorf("query match: %+v", found)
	}

	// Rating-count sort: most-rated first.
	byCount, err := store.ListEntities(ctx, storage.ListOptions{SortBy: storage.SortByRatingCount})
	if err != nil {
		t.Fatalf("ListEntities(rating_count) failed: %v", err)
	}
	if len(byCount) != 3 {
		t.Fatalf("got %d entities, want 3", len(byCount))
	}
	if byCount[0].ID != ada.ID || byCount[1].ID != grace.ID {
		t.Errorf("rating-count order: %q, %q, %q", byCount[0].Name, byCount[1].Name, byCount[2].Name)
	}

	// Aggregated assignments rank INTJ (2 votes) over INTP (1 vote).
	assignments := byCount[0].Assignments
	if len(assignments) != 2 {
		t.Fatalf("got %d assignments, want 2: %+v", len(assignments), assignments)
	}
	if assignments[0].TypeCode != "INTJ" || assignments[0].Votes != 2 {
		t.Errorf("top assignment: %+v", assignments[0])
	}
	if assignments[1].TypeCode != "INTP" || assignments[1].Votes != 1 {
		t.Errorf("second assignment: %+v", assignments[1])
	}
}

func TestListEntitiesPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"Alpha", "Beta", "Gamma", "Delta"} {
		mustCreateEntity(t, store, &types.Entity{Name: name})
	}

	page, err := store.ListEntities(ctx, storage.ListOptions{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListEntities() failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("got %d entities, want 2", len(page))
	}
	// Name ascending: Alpha, Beta, Delta, Gamma; offset 1 starts at Beta.
	if page[0].Name != "Beta" || page[1].Name != "Delta" {
		t.Errorf("page: %q, %q", page[0].Name, page[1].Name)
	}
}

func TestCommentsJoinDisplayName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entity := mustCreateEntity(t, store, &types.Entity{Name: "Ada Lovelace"})
	mustCreateUser(t, store, "u1", "Commenter")

	if _, err := store.AddComment(ctx, &types.Comment{
		EntityID: entity.ID, UserID: "u1", Content: "fascinating person",
	}); err != nil {
		t.Fatalf("AddComment() failed: %v", err)
	}

	comments, err := store.ListComments(ctx, entity.ID)
	if err != nil {
		t.Fatalf("ListComments() failed: %v", err)
	}
	if len(comments) != 1 {
		t.Fatalf("got %d comments, want 1", len(comments))
	}
	if comments[0].UserName != "Commenter" {
		t.Errorf("UserName: got %q, want Commenter", comments[0].UserName)
	}
}

func TestTypingSystemsSeededOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Re-running the schema step must not duplicate catalog rows.
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() second run failed: %v", err)
	}

	systems, err := store.TypingSystems(ctx)
	if err != nil {
		t.Fatalf("TypingSystems() failed: %v", err)
	}
	if len(systems) != 3 {
		t.Fatalf("got %d systems, want 3", len(systems))
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.TypeCodes != 41 {
		t.Errorf("TypeCodes: got %d, want 41", stats.TypeCodes)
	}
}

func TestStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entity := mustCreateEntity(t, store, &types.Entity{Name: "Ada Lovelace"})
	mustCreateUser(t, store, "u1", "Rater")
	if _, err := store.AddRating(ctx, &types.Rating{
		EntityID: entity.ID, UserID: "u1", System: "mbti", TypeCode: "INTJ", Confidence: 0.8,
	}); err != nil {
		t.Fatalf("AddRating() failed: %v", err)
	}
	if _, err := store.AddComment(ctx, &types.Comment{
		EntityID: entity.ID, UserID: "u1", Content: "noted",
	}); err != nil {
		t.Fatalf("AddComment() failed: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Entities != 1 || stats.Users != 1 || stats.Ratings != 1 || stats.Comments != 1 {
		t.Errorf("stats: %+v", stats)
	}
}

// TestDbPathFromDSN verifies DSN parsing for bare paths, file: URIs, and in-memory.
func TestDbPathFromDSN(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
		want string
	}{
		{"in-memory", ":memory:", ""},
		{"empty", "", ""},
		{"bare path", "/tmp/test.sqlite", "/tmp/test.sqlite"},
		{"file URI bare", "file:/tmp/test.sqlite", "/tmp/test.sqlite"},
		{"file URI with params", "file:/tmp/test.sqlite?mode=rwc&_journal=WAL", "/tmp/test.sqlite"},
		{"file URI memory", "file::memory:", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dbPathFromDSN(tt.dsn)
			if got != tt.want {
				t.Errorf("dbPathFromDSN(%q) = %q, want %q", tt.dsn, got, tt.want)
			}
		})
	}
}

func TestIsRecoverableWALError(t *testing.T) {
	if isRecoverableWALError(nil) {
		t.Error("nil error reported as recoverable")
	}
	if isRecoverableWALError(errors.New("no such table: entities")) {
		t.Error("unrelated error reported as recoverable")
	}
	if !isRecoverableWALError(errors.New("disk I/O error")) {
		t.Error("disk I/O error not reported as recoverable")
	}
	if !isRecoverableWALError(errors.New("database is locked")) {
		t.Error("database is locked not reported as recoverable")
	}
}

// TestNewStoreRecoverStaleWAL verifies that opening a database still succeeds
// after a crashed process left stale -shm files behind.
func TestNewStoreRecoverStaleWAL(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "stale-wal-test.sqlite")
	ctx := context.Background()

	store, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("initial NewStore() failed: %v", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() failed: %v", err)
	}
	created := mustCreateEntity(t, store, &types.Entity{
		Name: "Grace Hopper",
		Kind: types.KindPerson,
	})
	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	// Simulate a crash by writing garbage to -shm, as if the process died
	// mid-write.
	shmPath := dbPath + "-shm"
	if err := os.WriteFile(shmPath, []byte("garbage-shm-data-from-crash"), 0644); err != nil {
		t.Fatalf("failed to write fake -shm: %v", err)
	}

	store2, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore() after stale WAL should succeed, got: %v", err)
	}
	defer func() { _ = store2.Close() }()

	got, err := store2.GetEntity(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetEntity() after reopen failed: %v", err)
	}
	if got.Name != "Grace Hopper" {
		t.Errorf("Name after reopen: got %q, want %q", got.Name, "Grace Hopper")
	}
}
