package models

import (
	"time"
)

// Note is one record in the notes table. Collection is the user-facing
// grouping used to scope semantic search.
type Note struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Collection string    `json:"collection,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}
