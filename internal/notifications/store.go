package notifications

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

const defaultListLimit = 100

// Repository persists notification records.
type Repository interface {
	Create(ctx context.Context, notification *Notification) error
	ListForUser(ctx context.Context, userID string, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, userID, notificationID string) (Notification, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewGormRepository stores notifications through GORM.
func NewGormRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Create(ctx context.Context, notification *Notification) error {
	return r.db.WithContext(ctx).Create(notification).Error
}

func (r *gormRepository) ListForUser(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var notifications []Notification
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("notification_id DESC").
		Limit(limit).
		Find(&notifications).
		Error
	return notifications, err
}

func (r *gormRepository) MarkRead(ctx context.Context, userID, notificationID string) (Notification, error) {
	var notification Notification
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Notification{}).
			Where("notification_id = ? AND user_id = ?", notificationID, userID).
			Update("read", true)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotificationNotFound
		}
		return tx.Where("notification_id = ?", notificationID).Take(&notification).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Notification{}, ErrNotificationNotFound
	}
	return notification, err
}
