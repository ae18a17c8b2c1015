package types

import (
	"fmt"
	"strings"
	"time"
)

// User identifies a rater or commenter. Users may be real accounts or
// synthetic system identities created by importers.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate checks the shape of a user record.
func (u *User) Validate() error {
	if strings.TrimSpace(u.DisplayName) == "" {
		return fmt.Errorf("user display name is required")
	}
	return nil
}

// Comment is free-text discussion attached to an entity. Immutable once
// created.
type Comment struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entity_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`

	// UserName is the commenting user's display name, joined in by list
	// operations. Not stored on the comment row itself.
	UserName string `json:"user_name,omitempty"`
}

// Validate checks the shape of a comment before persistence.
func (c *Comment) Validate() error {
	if c.EntityID == "" {
		return fmt.Errorf("comment entity ID is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("comment user ID is required")
	}
	if strings.TrimSpace(c.Content) == "" {
		return fmt.Errorf("comment content is required")
	}
	return nil
}
