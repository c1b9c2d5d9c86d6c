package models

import (
	"time"

	"github.com/google/uuid"
)

type RelationshipStatus string

const (
	RelationshipPending  RelationshipStatus = "pending"
	RelationshipAccepted RelationshipStatus = "accepted"
	RelationshipRejected RelationshipStatus = "rejected"
)

// Relationship is an accepted pairing between two users. Rows are owned by
// the matching subsystem; this service only ever reads them.
type Relationship struct {
	ID           uuid.UUID          `gorm:"type:uuid;primaryKey" json:"id"`
	ParticipantA uuid.UUID          `gorm:"type:uuid;not null" json:"participant_a"`
	ParticipantB uuid.UUID          `gorm:"type:uuid;not null" json:"participant_b"`
	Status       RelationshipStatus `gorm:"type:varchar(16);not null;default:'pending'" json:"status"`
	CreatedAt    time.Time          `json:"created_at"`
}

// OtherParticipant returns the participant that is not userID.
func (r *Relationship) OtherParticipant(userID uuid.UUID) uuid.UUID {
	if r.ParticipantA == userID {
		return r.ParticipantB
	}
	return r.ParticipantA
}

// Involves reports whether userID is one of the two participants.
func (r *Relationship) Involves(userID uuid.UUID) bool {
	return r.ParticipantA == userID || r.ParticipantB == userID
}
