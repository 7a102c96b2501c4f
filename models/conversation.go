package models

import (
	"time"
)

// Conversation groups an ordered sequence of messages for one owner.
// Title stays nil until the first turn auto-titles it or the owner renames it.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	TeamID    *string   `json:"team_id,omitempty"`
	Title     *string   `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
