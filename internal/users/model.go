package users

import (
	"strings"
	"time"
)

// User is the local record of a platform account seen by the realtime service.
type User struct {
	UserID      string     `gorm:"column:user_id;primaryKey;size:190;not null"`
	Role        string     `gorm:"column:role;size:32;not null"`
	Email       string     `gorm:"column:email;size:320"`
	DisplayName string     `gorm:"column:display_name;size:320"`
	DeviceToken string     `gorm:"column:device_token;size:512"`
	LastSeenAt  *time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// Contact carries the addresses a notification can be delivered to.
type Contact struct {
	UserID      string
	DisplayName string
	Email       string
	DeviceToken string
}

// Profile holds the user-editable fields.
type Profile struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
