package notifications

import (
	"errors"
	"strings"
	"time"
)

// Kind tags a notification with the event that caused it.
type Kind string

const (
	KindMessage       Kind = "MESSAGE"
	KindInterest      Kind = "INTEREST"
	KindProjectUpdate Kind = "PROJECT_UPDATE"
	KindSystem        Kind = "SYSTEM"
)

var (
	// ErrInvalidIntent indicates a notification request without recipient, title or kind.
	ErrInvalidIntent = errors.New("notifications: invalid intent")
	// ErrPersistence indicates the notification record could not be stored.
	ErrPersistence = errors.New("notifications: persistence failed")
	// ErrNotificationNotFound indicates the notification does not exist for the caller.
	ErrNotificationNotFound = errors.New("notifications: notification not found")
)

// Intent is a request to notify one user.
type Intent struct {
	RecipientID string
	Title       string
	Body        string
	Kind        Kind
}

func (i Intent) normalized() Intent {
	return Intent{
		RecipientID: strings.TrimSpace(i.RecipientID),
		Title:       strings.TrimSpace(i.Title),
		Body:        strings.TrimSpace(i.Body),
		Kind:        Kind(strings.ToUpper(strings.TrimSpace(string(i.Kind)))),
	}
}

func (i Intent) validate() error {
	if i.RecipientID == "" || i.Title == "" || i.Kind == "" {
		return ErrInvalidIntent
	}
	return nil
}

// Notification is the persisted record of an intent. Only Read ever changes.
type Notification struct {
	NotificationID string    `gorm:"column:notification_id;primaryKey;size:190;not null" json:"id"`
	UserID         string    `gorm:"column:user_id;size:190;not null;index:idx_notifications_user_created,priority:1" json:"userId"`
	Title          string    `gorm:"column:title;size:320;not null" json:"title"`
	Message        string    `gorm:"column:message;type:text;not null" json:"message"`
	Type           Kind      `gorm:"column:type;size:32;not null" json:"type"`
	Read           bool      `gorm:"column:read;not null;default:false" json:"read"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;index:idx_notifications_user_created,priority:2" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}
