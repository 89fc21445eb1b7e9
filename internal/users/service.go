package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/inovest/realtime/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentity indicates the identity did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	ErrUserNotFound    = errors.New("users: user not found")
)

// ServiceConfig describes the dependencies required for user bookkeeping.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service keeps the local user table in step with authenticated identities.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Touch makes sure a row exists for the identity. Repeated calls with the same
// identity are answered from memory.
func (s *Service) Touch(ctx context.Context, identity auth.Identity) error {
	userID := normalize(identity.UserID)
	if userID == "" || identity.Role == "" {
		return ErrInvalidIdentity
	}
	if cachedRole, ok := s.cache.Load(userID); ok {
		if role, ok := cachedRole.(auth.Role); ok && role == identity.Role {
			return nil
		}
	}

	user := User{UserID: userID, Role: string(identity.Role)}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role", "updated_at"}),
		}).
		Create(&user).
		Error
	if err != nil {
		return fmt.Errorf("users: touch %s: %w", userID, err)
	}
	s.cache.Store(userID, identity.Role)
	return nil
}

// Get loads one user.
func (s *Service) Get(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).
		Where("user_id = ?", normalize(userID)).
		First(&user).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Contact returns the notification addresses for the user.
func (s *Service) Contact(ctx context.Context, userID string) (Contact, error) {
	user, err := s.Get(ctx, userID)
	if err != nil {
		return Contact{}, err
	}
	return Contact{
		UserID:      user.UserID,
		DisplayName: user.DisplayName,
		Email:       user.Email,
		DeviceToken: user.DeviceToken,
	}, nil
}

// DisplayName returns the user's display name, or an empty string when unset.
func (s *Service) DisplayName(ctx context.Context, userID string) (string, error) {
	user, err := s.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.DisplayName, nil
}

// UpdateLastSeen records when the user's last connection went away.
func (s *Service) UpdateLastSeen(ctx context.Context, userID string, seenAt time.Time) error {
	seen := seenAt.UTC()
	return s.updateColumns(ctx, userID, map[string]interface{}{"last_seen_at": &seen})
}

// UpdateDeviceToken stores the push token for the user's mobile device.
// An empty token clears it.
func (s *Service) UpdateDeviceToken(ctx context.Context, userID, token string) error {
	return s.updateColumns(ctx, userID, map[string]interface{}{"device_token": normalize(token)})
}

// UpdateProfile replaces the contact fields used by notifications.
func (s *Service) UpdateProfile(ctx context.Context, userID string, profile Profile) (User, error) {
	updates := map[string]interface{}{
		"email":        normalize(profile.Email),
		"display_name": normalize(profile.DisplayName),
	}
	if err := s.updateColumns(ctx, userID, updates); err != nil {
		return User{}, err
	}
	return s.Get(ctx, userID)
}

func (s *Service) updateColumns(ctx context.Context, userID string, updates map[string]interface{}) error {
	updates["updated_at"] = s.now().UTC()
	result := s.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ?", normalize(userID)).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}
