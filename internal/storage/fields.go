package storage

import (
	"sort"

	"github.com/scrypster/typedex/pkg/types"
)

// FieldChange is one pending mutation produced by DiffEntityFields. Field is
// always a member of types.MutableEntityFields, so it is safe to use as a
// column name.
type FieldChange struct {
	Field string
	Old   string
	New   string
}

// DiffEntityFields compares an update payload against the current entity and
// returns the changes to apply, restricted to the allowed mutable field set.
// Unknown fields and no-op assignments are dropped. Changes are ordered by
// field name so edit history is deterministic.
func DiffEntityFields(current *types.Entity, fields map[string]string) []FieldChange {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if types.MutableEntityFields[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var changes []FieldChange
	for _, k := range keys {
		old := entityFieldValue(current, k)
		if fields[k] != old {
			changes = append(changes, FieldChange{Field: k, Old: old, New: fields[k]})
		}
	}
	return changes
}

// ApplyFieldChange mutates the given entity in place. Used by the fallback
// store, which edits records directly instead of issuing SQL.
func ApplyFieldChange(e *types.Entity, c FieldChange) {
	switch c.Field {
	case "name":
		e.Name = c.New
	case "description":
		e.Description = c.New
	case "category":
		e.Category = c.New
	case "source":
		e.Source = c.New
	case "notes":
		e.Notes = c.New
	}
}

func entityFieldValue(e *types.Entity, field string) string {
	switch field {
	case "name":
		return e.Name
	case "description":
		return e.Description
	case "category":
		return e.Category
	case "source":
		return e.Source
	case "notes":
		return e.Notes
	}
	return ""
}
