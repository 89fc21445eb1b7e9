package projects

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/inovest/realtime/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrProjectNotFound = errors.New("projects: project not found")
	ErrInvalidProject  = errors.New("projects: invalid project")
	ErrNotOwner        = errors.New("projects: caller does not own the project")
	ErrInvalidUpdate   = errors.New("projects: invalid update")

	errMissingDatabase   = errors.New("projects: database handle is required")
	errMissingIDProvider = errors.New("projects: id provider is required")
)

type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service owns project listings and investor interest records.
type Service struct {
	db         *gorm.DB
	idProvider ids.Provider
	clock      func() time.Time
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, idProvider: cfg.IDProvider, clock: clock, logger: logger}, nil
}

// Create stores a new project owned by ownerID.
func (s *Service) Create(ctx context.Context, ownerID string, draft Draft) (Project, error) {
	title := strings.TrimSpace(draft.Title)
	if strings.TrimSpace(ownerID) == "" || title == "" {
		return Project{}, fmt.Errorf("%w: owner and title are required", ErrInvalidProject)
	}
	projectID, err := s.idProvider.NewID()
	if err != nil {
		return Project{}, fmt.Errorf("projects: generate id: %w", err)
	}
	now := s.clock().UTC()
	project := Project{
		ProjectID:   projectID,
		OwnerID:     strings.TrimSpace(ownerID),
		Title:       title,
		Description: strings.TrimSpace(draft.Description),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&project).Error; err != nil {
		s.logger.Error("project create failed", zap.String("owner_id", ownerID), zap.Error(err))
		return Project{}, err
	}
	return project, nil
}

// Lookup loads a project by id.
func (s *Service) Lookup(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := s.db.WithContext(ctx).
		Where("project_id = ?", strings.TrimSpace(projectID)).
		Take(&project).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Project{}, ErrProjectNotFound
	}
	if err != nil {
		return Project{}, err
	}
	return project, nil
}

// RecordInterest stores the investor's interest. Repeat calls keep the first
// record and report created=false.
func (s *Service) RecordInterest(ctx context.Context, projectID, investorID, message string) (Interest, bool, error) {
	project, err := s.Lookup(ctx, projectID)
	if err != nil {
		return Interest{}, false, err
	}
	if project.OwnerID == investorID {
		return Interest{}, false, fmt.Errorf("%w: owners cannot invest in their own project", ErrInvalidProject)
	}
	interest := Interest{
		ProjectID:  project.ProjectID,
		InvestorID: investorID,
		Message:    strings.TrimSpace(message),
		CreatedAt:  s.clock().UTC(),
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&interest)
	if result.Error != nil {
		s.logger.Error("interest create failed",
			zap.String("project_id", project.ProjectID),
			zap.String("investor_id", investorID),
			zap.Error(result.Error))
		return Interest{}, false, result.Error
	}
	if result.RowsAffected > 0 {
		return interest, true, nil
	}
	var existing Interest
	if err := s.db.WithContext(ctx).
		Where("project_id = ? AND investor_id = ?", project.ProjectID, investorID).
		Take(&existing).Error; err != nil {
		return Interest{}, false, err
	}
	return existing, false, nil
}

// InterestedInvestors lists the investors who registered interest in the project.
func (s *Service) InterestedInvestors(ctx context.Context, projectID string) ([]string, error) {
	var investorIDs []string
	err := s.db.WithContext(ctx).
		Model(&Interest{}).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Pluck("investor_id", &investorIDs).
		Error
	if err != nil {
		return nil, err
	}
	return investorIDs, nil
}

// PrepareUpdate checks ownership and stamps an update for broadcast.
func (s *Service) PrepareUpdate(ctx context.Context, projectID, authorID, title, body string) (Update, error) {
	project, err := s.Lookup(ctx, projectID)
	if err != nil {
		return Update{}, err
	}
	if project.OwnerID != authorID {
		return Update{}, ErrNotOwner
	}
	title = strings.TrimSpace(title)
	if title == "" && strings.TrimSpace(body) == "" {
		return Update{}, ErrInvalidUpdate
	}
	return Update{
		ProjectID: project.ProjectID,
		AuthorID:  authorID,
		Title:     title,
		Body:      strings.TrimSpace(body),
		SentAt:    s.clock().UTC(),
	}, nil
}
