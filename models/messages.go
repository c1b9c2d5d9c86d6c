package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxMessageLength caps message text; longer content is rejected before any
// optimistic state is created.
const MaxMessageLength = 500

const tempIDPrefix = "temp-"

// Message is one entry in a conversation. The ID is a string so that a
// client-synthesized temp id and a store-assigned uuid share the same field;
// Pending marks the optimistic phase and is never persisted.
type Message struct {
	ID             string       `gorm:"primaryKey" json:"id"`
	ConversationID uuid.UUID    `gorm:"type:uuid;not null;index" json:"conversation_id"`
	SenderID       uuid.UUID    `gorm:"type:uuid;not null" json:"sender_id"`
	Sender         *UserProfile `gorm:"-" json:"sender,omitempty"`
	Content        string       `json:"content"`
	MediaType      string       `json:"media_type,omitempty"`
	MediaURL       string       `json:"media_url,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	IsRead         bool         `gorm:"not null" json:"is_read"`
	Pending        bool         `gorm:"-" json:"pending,omitempty"`
}

// HasMedia reports whether a media attachment is present.
func (m *Message) HasMedia() bool {
	return m.MediaType != "" && m.MediaURL != ""
}

// IsBlank reports whether the message carries neither text nor media.
func (m *Message) IsBlank() bool {
	return strings.TrimSpace(m.Content) == "" && !m.HasMedia()
}

// SenderName resolves the display name, falling back when the profile was not
// loaded for this sender.
func (m *Message) SenderName() string {
	if m.Sender == nil {
		return "Unknown sender"
	}
	return m.Sender.Fullname
}

// NewTempMessageID builds a client-side id for an optimistic message.
func NewTempMessageID(now time.Time) string {
	return fmt.Sprintf("%s%d-%s", tempIDPrefix, now.UnixNano(), uuid.NewString()[:8])
}

// IsTempMessageID reports whether id was synthesized client-side.
func IsTempMessageID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}
