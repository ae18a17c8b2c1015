package types

import "time"

// Change types recorded in edit history.
const (
	ChangeTypeUpdate = "update"
)

// EditRecord captures one field change on an entity. Records are append-only
// and exist to reconstruct the provenance of any entity attribute.
type EditRecord struct {
	ID         string    `json:"id"`
	EntityID   string    `json:"entity_id"`
	UserID     string    `json:"user_id"` // Acting user
	Field      string    `json:"field"`
	OldValue   string    `json:"old_value"`
	NewValue   string    `json:"new_value"`
	ChangeType string    `json:"change_type"`
	CreatedAt  time.Time `json:"created_at"`
}
