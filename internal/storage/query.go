package storage

import (
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// entityColumns is the canonical column order every SQL backend scans
// entities in.
var entityColumns = []string{
	"id", "name", "description", "kind", "category", "source", "notes",
	"metadata", "created_at", "updated_at", "updated_by",
}

// EntityColumns returns the canonical entity column list.
func EntityColumns() []string {
	return append([]string(nil), entityColumns...)
}

// CompileEntityList compiles the backend-neutral ListOptions into a SQL
// query for the entities table. The query/filter contract is defined once
// here; backends differ only in placeholder format (Dollar for postgres,
// Question for sqlite). All user-supplied values are bound as parameters.
//
// The generated statement exposes a rating_count column via a correlated
// subquery so that rating-count sorting happens inside the backend.
func CompileEntityList(opts ListOptions, pf sq.PlaceholderFormat) (string, []interface{}, error) {
	opts.Normalize()

	cols := append(EntityColumns(),
		"(SELECT COUNT(*) FROM ratings r WHERE r.entity_id = entities.id) AS rating_count")

	b := sq.Select(cols...).
		From("entities").
		PlaceholderFormat(pf)

	if opts.Query != "" {
		pattern := "%" + strings.ToLower(opts.Query) + "%"
		b = b.Where(sq.Or{
			sq.Like{"LOWER(name)": pattern},
			sq.Like{"LOWER(description)": pattern},
			sq.Like{"LOWER(notes)": pattern},
		})
	}

	if opts.Category != "" {
		b = b.Where(sq.Eq{"category": opts.Category})
	}

	switch opts.SortBy {
	case SortByRatingCount:
		// Descending by definition; name ascending keeps equal counts
		// deterministic.
		b = b.OrderBy("rating_count DESC", "name ASC")
	case SortByCategory:
		b = b.OrderBy("category "+strings.ToUpper(opts.SortOrder), "name ASC")
	case SortByCreatedAt:
		b = b.OrderBy("created_at "+strings.ToUpper(opts.SortOrder), "id ASC")
	default:
		b = b.OrderBy("name " + strings.ToUpper(opts.SortOrder))
	}

	b = b.Limit(uint64(opts.Limit)).Offset(uint64(opts.Offset))

	return b.ToSql()
}

// CompileAssignments compiles the aggregation that resolves typing
// assignments (system, type code, vote count) for a batch of entity IDs.
func CompileAssignments(entityIDs []string, pf sq.PlaceholderFormat) (string, []interface{}, error) {
	return sq.Select("entity_id", "system", "type_code", "COUNT(*) AS votes").
		From("ratings").
		Where(sq.Eq{"entity_id": entityIDs}).
		GroupBy("entity_id", "system", "type_code").
		OrderBy("entity_id ASC", "votes DESC", "system ASC", "type_code ASC").
		PlaceholderFormat(pf).
		ToSql()
}
