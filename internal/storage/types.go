package storage

import "errors"

var (
	// ErrNotFound indicates that the requested record was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotInitialized indicates that an operation was attempted before
	// the store finished initialization.
	ErrNotInitialized = errors.New("store not initialized")

	// ErrBackendUnavailable indicates that a native backend could not be
	// acquired. The prober handles it by moving on to the next candidate;
	// it is never surfaced as a hard failure of initialization.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrDimensionMismatch indicates a vector whose length does not match
	// the configured embedding dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrCapacityExceeded indicates that the vector index is full. Callers
	// recover by rebuilding the index with a larger capacity.
	ErrCapacityExceeded = errors.New("vector index capacity exceeded")
)

// Sort fields accepted by ListOptions. Anything else is normalized to
// SortByName.
const (
	SortByName        = "name"
	SortByCategory    = "category"
	SortByRatingCount = "rating_count"
	SortByCreatedAt   = "created_at"
)

// ListOptions is the backend-neutral filter/sort/pagination specification for
// entity listing. Every backend compiles it to its own execution strategy;
// the observable ordering semantics are identical across backends.
type ListOptions struct {
	// Query is a case-insensitive substring match over name, description,
	// and notes. Empty means no text filter.
	Query string

	// Category is an exact-match filter on the entity category. Empty
	// means no category filter.
	Category string

	// SortBy is one of the SortBy* constants. Sorting by rating_count is
	// always descending with name ascending as the deterministic
	// tie-break; the other fields honor SortOrder.
	SortBy string

	// SortOrder is "asc" or "desc" (default: "asc").
	SortOrder string

	// Limit caps the number of returned entities (default 50, max 200).
	Limit int

	// Offset skips that many entities from the start of the ordered
	// result set.
	Offset int
}

// Normalize applies defaults and whitelists the sort field so that no
// caller-supplied value ever reaches query text unvalidated.
func (o *ListOptions) Normalize() {
	switch o.SortBy {
	case SortByName, SortByCategory, SortByRatingCount, SortByCreatedAt:
	default:
		o.SortBy = SortByName
	}

	if o.SortOrder != "asc" && o.SortOrder != "desc" {
		if o.SortBy == SortByCreatedAt || o.SortBy == SortByRatingCount {
			o.SortOrder = "desc"
		} else {
			o.SortOrder = "asc"
		}
	}

	// Rating-count sort is defined descending-only.
	if o.SortBy == SortByRatingCount {
		o.SortOrder = "desc"
	}

	if o.Limit < 1 {
		o.Limit = 50
	}
	if o.Limit > 200 {
		o.Limit = 200
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// Stats holds live aggregate counts over the active backend. Values are
// computed per call; nothing is cached.
type Stats struct {
	Entities  int `json:"entities"`
	Users     int `json:"users"`
	TypeCodes int `json:"type_codes"`
	Ratings   int `json:"ratings"`
	Comments  int `json:"comments"`
}
