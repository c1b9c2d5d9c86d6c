package models

import (
	"github.com/google/uuid"
)

// UserProfile is the read-only projection of a participant used to render
// sender identity. Profile rows are owned by the profile subsystem.
type UserProfile struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Fullname     string    `json:"fullname"`
	Username     string    `json:"username"`
	ThumbNailURL string    `json:"thumbnail_url,omitempty"`
	DeviceToken  string    `json:"-"`
	Online       bool      `json:"online"`
}

func (UserProfile) TableName() string {
	return "users"
}
