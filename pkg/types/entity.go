// Package types defines the domain model shared by every Typedex storage
// backend: entities, users, typing ratings, comments, and edit history.
package types

import (
	"fmt"
	"strings"
	"time"
)

// EntityKind classifies the subject of an entity record.
type EntityKind string

// Supported entity kinds. The set is closed: validation rejects anything else.
const (
	KindPerson       EntityKind = "person"
	KindFictional    EntityKind = "fictional"
	KindPublicFigure EntityKind = "public_figure"
)

// IsValidEntityKind reports whether k is one of the supported entity kinds.
func IsValidEntityKind(k EntityKind) bool {
	switch k {
	case KindPerson, KindFictional, KindPublicFigure:
		return true
	}
	return false
}

// Entity represents a person or character subject to personality typing.
// Entities are never hard-deleted; updates go through the store's update
// operation, which records per-field edit history.
type Entity struct {
	ID          string     `json:"id"`                    // Opaque unique identifier, assigned once at creation
	Name        string     `json:"name"`                  // Display name (required, non-empty)
	Description string     `json:"description,omitempty"` // Free-text description
	Kind        EntityKind `json:"kind"`                  // person, fictional, public_figure
	Category    string     `json:"category,omitempty"`    // Taxonomy label (e.g. "scientists", "anime")
	Source      string     `json:"source,omitempty"`      // Provenance of the record
	Notes       string     `json:"notes,omitempty"`       // Free-text curator notes

	// Metadata is an open key-value map, stored verbatim and never
	// interpreted by the storage layer.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by,omitempty"` // User that performed the last update

	// Assignments is the aggregated set of typing judgments for this
	// entity, resolved by list operations. It is derived data and is not
	// written back by Store implementations.
	Assignments []TypingAssignment `json:"assignments,omitempty"`
}

// Validate checks the invariants a new entity must satisfy before it is
// persisted. The ID may be empty; the store assigns one at creation.
func (e *Entity) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("entity name is required")
	}
	if e.Kind != "" && !IsValidEntityKind(e.Kind) {
		return fmt.Errorf("invalid entity kind: %q", e.Kind)
	}
	return nil
}

// MutableEntityFields is the set of entity fields that may be changed through
// the update operation. Fields outside this set are silently ignored so that
// forward-compatible payloads do not fail.
var MutableEntityFields = map[string]bool{
	"name":        true,
	"description": true,
	"category":    true,
	"source":      true,
	"notes":       true,
}
