package models

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is the canonical message channel for one relationship.
// relationship_id carries a unique index so concurrent creates collide in the
// store instead of leaving silent duplicates; the resolver repairs any rows
// that predate the constraint.
type Conversation struct {
	ID             uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4()" json:"id"`
	RelationshipID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_conversations_relationship" json:"relationship_id"`
	LastMessage    string    `json:"last_message"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
