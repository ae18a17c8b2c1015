package types

import (
	"fmt"
	"strings"
	"time"
)

// Rating is one rater's typing judgment for an entity: a type code within a
// typing system, with a confidence in [0,1]. Ratings are immutable once
// created; corrections are expressed as new ratings.
type Rating struct {
	ID         string    `json:"id"`
	EntityID   string    `json:"entity_id"`
	UserID     string    `json:"user_id"` // Rater; may be a synthetic system user
	System     string    `json:"system"`  // Typing system name (e.g. "mbti")
	TypeCode   string    `json:"type_code"`
	Confidence float64   `json:"confidence"` // Must satisfy 0 <= c <= 1
	Rationale  string    `json:"rationale,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Validate checks the shape of a rating before persistence. Referential
// checks (entity/user existence, catalog membership of the type code) are
// the store's responsibility.
func (r *Rating) Validate() error {
	if r.EntityID == "" {
		return fmt.Errorf("rating entity ID is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("rating user ID is required")
	}
	if strings.TrimSpace(r.System) == "" {
		return fmt.Errorf("rating system is required")
	}
	if strings.TrimSpace(r.TypeCode) == "" {
		return fmt.Errorf("rating type code is required")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("rating confidence %v is outside [0,1]", r.Confidence)
	}
	return nil
}

// TypingAssignment is the aggregate of ratings for one (system, type code)
// pair on an entity. It is derived by list operations, never stored directly.
type TypingAssignment struct {
	System   string `json:"system"`
	TypeCode string `json:"type_code"`
	Votes    int    `json:"votes"` // Number of ratings backing this assignment
}
