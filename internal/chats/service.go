package chats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/inovest/realtime/internal/ids"
	"github.com/inovest/realtime/internal/metrics"
	"github.com/inovest/realtime/internal/projects"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

var (
	// ErrProjectNotFound indicates the chat's project does not exist.
	ErrProjectNotFound = projects.ErrProjectNotFound
	// ErrChatNotFound indicates the chat does not exist or the caller is not a participant.
	ErrChatNotFound = errors.New("chats: chat not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingProjects   = errors.New("project lookup is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "chats.service.new"
	opResolve       = "chats.resolve"
	opSendMessage   = "chats.send_message"
	opListMessages  = "chats.list_messages"
	opListSessions  = "chats.list_sessions"
	opParticipation = "chats.participation"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ProjectLookup resolves the project a chat belongs to.
type ProjectLookup interface {
	Lookup(ctx context.Context, projectID string) (projects.Project, error)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Projects   ProjectLookup
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Service resolves chat sessions and stores their messages.
type Service struct {
	db         *gorm.DB
	projects   ProjectLookup
	idProvider ids.Provider
	clock      func() time.Time
	logger     *zap.Logger
	metrics    *metrics.Metrics
	inflight   singleflight.Group
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Projects == nil {
		return nil, newServiceError(opServiceNew, "missing_projects", errMissingProjects)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		projects:   cfg.Projects,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

type resolveResult struct {
	session ChatSession
	created bool
}

// Resolve returns the chat between the two users for the project, creating it on
// first contact. Concurrent callers for the same key all observe the same chat,
// and created is true for exactly one of them.
func (s *Service) Resolve(ctx context.Context, projectID, initiatorID, otherID string) (ChatSession, bool, error) {
	projectID = strings.TrimSpace(projectID)
	initiatorID = strings.TrimSpace(initiatorID)
	otherID = strings.TrimSpace(otherID)
	if !validIdentifier(projectID) {
		return ChatSession{}, false, newServiceError(opResolve, "project_not_found", ErrProjectNotFound)
	}
	if !validIdentifier(initiatorID) || !validIdentifier(otherID) || initiatorID == otherID {
		return ChatSession{}, false, newServiceError(opResolve, "invalid_participants", ErrInvalidParticipants)
	}

	low, high := sortedPair(initiatorID, otherID)
	key := projectID + "\x00" + low + "\x00" + high
	leader := false
	value, err, _ := s.inflight.Do(key, func() (interface{}, error) {
		leader = true
		session, created, err := s.resolve(context.WithoutCancel(ctx), projectID, initiatorID, low, high)
		return resolveResult{session: session, created: created}, err
	})
	if err != nil {
		return ChatSession{}, false, err
	}
	result := value.(resolveResult)
	return result.session, leader && result.created, nil
}

func (s *Service) resolve(ctx context.Context, projectID, initiatorID, low, high string) (ChatSession, bool, error) {
	existing, found, err := s.findSession(ctx, projectID, low, high)
	if err != nil {
		s.logError(opResolve, "session_select_failed", err, zap.String("project_id", projectID))
		return ChatSession{}, false, newServiceError(opResolve, "session_select_failed", err)
	}
	if found {
		return existing, false, nil
	}
	return s.create(ctx, projectID, initiatorID, low, high)
}

// create inserts the session guarded by the unique pair index. When another
// writer got there first the insert is a no-op and the winner is returned.
func (s *Service) create(ctx context.Context, projectID, initiatorID, low, high string) (ChatSession, bool, error) {
	if _, err := s.projects.Lookup(ctx, projectID); err != nil {
		if errors.Is(err, projects.ErrProjectNotFound) {
			return ChatSession{}, false, newServiceError(opResolve, "project_not_found", ErrProjectNotFound)
		}
		s.logError(opResolve, "project_lookup_failed", err, zap.String("project_id", projectID))
		return ChatSession{}, false, newServiceError(opResolve, "project_lookup_failed", err)
	}

	chatID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opResolve, "generate_id_failed", err)
		return ChatSession{}, false, newServiceError(opResolve, "generate_id_failed", err)
	}
	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opResolve, "generate_id_failed", err)
		return ChatSession{}, false, newServiceError(opResolve, "generate_id_failed", err)
	}

	now := s.clock().UTC()
	session := ChatSession{
		ChatID:          chatID,
		ProjectID:       projectID,
		ParticipantLow:  low,
		ParticipantHigh: high,
		InitiatorID:     initiatorID,
		CreatedAt:       now,
	}
	created := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		insert := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&session)
		if insert.Error != nil {
			return insert.Error
		}
		if insert.RowsAffected == 0 {
			return nil
		}
		participants := []Participant{
			{ChatID: chatID, UserID: low, JoinedAt: now},
			{ChatID: chatID, UserID: high, JoinedAt: now},
		}
		if err := tx.Create(&participants).Error; err != nil {
			return err
		}
		seed := Message{
			MessageID: messageID,
			ChatID:    chatID,
			SenderID:  initiatorID,
			Type:      MessageTypeSystem,
			Content:   seedGreeting,
			CreatedAt: now,
		}
		if err := tx.Create(&seed).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if txErr != nil {
		s.logError(opResolve, "transaction_failed", txErr, zap.String("project_id", projectID))
		return ChatSession{}, false, newServiceError(opResolve, "transaction_failed", txErr)
	}
	if created {
		s.metrics.ChatSessionCreated()
		return session, true, nil
	}

	winner, found, err := s.findSession(ctx, projectID, low, high)
	if err != nil {
		s.logError(opResolve, "session_select_failed", err, zap.String("project_id", projectID))
		return ChatSession{}, false, newServiceError(opResolve, "session_select_failed", err)
	}
	if !found {
		return ChatSession{}, false, newServiceError(opResolve, "session_vanished", ErrChatNotFound)
	}
	return winner, false, nil
}

func (s *Service) findSession(ctx context.Context, projectID, low, high string) (ChatSession, bool, error) {
	var session ChatSession
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND participant_low = ? AND participant_high = ?", projectID, low, high).
		Take(&session).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ChatSession{}, false, nil
	}
	if err != nil {
		return ChatSession{}, false, err
	}
	return session, true, nil
}

// Session loads a chat the user participates in.
func (s *Service) Session(ctx context.Context, chatID, userID string) (ChatSession, error) {
	var session ChatSession
	err := s.db.WithContext(ctx).
		Where("chat_id = ? AND (participant_low = ? OR participant_high = ?)", chatID, userID, userID).
		Take(&session).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ChatSession{}, newServiceError(opParticipation, "chat_not_found", ErrChatNotFound)
	}
	if err != nil {
		s.logError(opParticipation, "session_select_failed", err, zap.String("chat_id", chatID))
		return ChatSession{}, newServiceError(opParticipation, "session_select_failed", err)
	}
	return session, nil
}

// IsParticipant reports whether the user belongs to the chat.
func (s *Service) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Participant{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Count(&count).
		Error
	if err != nil {
		s.logError(opParticipation, "participant_select_failed", err, zap.String("chat_id", chatID))
		return false, newServiceError(opParticipation, "participant_select_failed", err)
	}
	return count > 0, nil
}

// Participants returns the chat's user ids in canonical order.
func (s *Service) Participants(ctx context.Context, chatID string) ([]string, error) {
	var participants []Participant
	err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("user_id ASC").
		Find(&participants).
		Error
	if err != nil {
		s.logError(opParticipation, "participant_select_failed", err, zap.String("chat_id", chatID))
		return nil, newServiceError(opParticipation, "participant_select_failed", err)
	}
	if len(participants) == 0 {
		return nil, newServiceError(opParticipation, "chat_not_found", ErrChatNotFound)
	}
	userIDs := make([]string, 0, len(participants))
	for _, participant := range participants {
		userIDs = append(userIDs, participant.UserID)
	}
	return userIDs, nil
}

// SendMessage stores a message from a participant.
func (s *Service) SendMessage(ctx context.Context, chatID, senderID string, draft Draft) (Message, error) {
	messageType, err := ParseMessageType(draft.MessageType)
	if err != nil {
		return Message{}, newServiceError(opSendMessage, "invalid_message", err)
	}
	// Content is stored as sent; trimming only decides whether it is blank.
	content := draft.Content
	if strings.TrimSpace(content) == "" || len(content) > maxContentLength {
		return Message{}, newServiceError(opSendMessage, "invalid_message", ErrInvalidMessage)
	}
	allowed, err := s.IsParticipant(ctx, chatID, senderID)
	if err != nil {
		return Message{}, err
	}
	if !allowed {
		return Message{}, newServiceError(opSendMessage, "chat_not_found", ErrChatNotFound)
	}

	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSendMessage, "generate_id_failed", err)
		return Message{}, newServiceError(opSendMessage, "generate_id_failed", err)
	}
	message := Message{
		MessageID: messageID,
		ChatID:    chatID,
		SenderID:  senderID,
		Type:      messageType,
		Content:   content,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.logError(opSendMessage, "message_insert_failed", err, zap.String("chat_id", chatID))
		return Message{}, newServiceError(opSendMessage, "message_insert_failed", err)
	}
	return message, nil
}

// ListMessages returns up to limit messages older than before, oldest first.
// A zero before means the newest page.
func (s *Service) ListMessages(ctx context.Context, chatID, userID string, before time.Time, limit int) ([]Message, error) {
	allowed, err := s.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, newServiceError(opListMessages, "chat_not_found", ErrChatNotFound)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	query := s.db.WithContext(ctx).Where("chat_id = ?", chatID)
	if !before.IsZero() {
		query = query.Where("created_at < ?", before.UTC())
	}
	var messages []Message
	if err := query.Order("created_at DESC").Order("message_id DESC").Limit(limit).Find(&messages).Error; err != nil {
		s.logError(opListMessages, "message_select_failed", err, zap.String("chat_id", chatID))
		return nil, newServiceError(opListMessages, "message_select_failed", err)
	}
	for left, right := 0, len(messages)-1; left < right; left, right = left+1, right-1 {
		messages[left], messages[right] = messages[right], messages[left]
	}
	return messages, nil
}

// ListSessions returns the user's chats with their latest message, newest first.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]SessionView, error) {
	var sessions []ChatSession
	err := s.db.WithContext(ctx).
		Where("participant_low = ? OR participant_high = ?", userID, userID).
		Order("created_at DESC").
		Find(&sessions).
		Error
	if err != nil {
		s.logError(opListSessions, "session_select_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListSessions, "session_select_failed", err)
	}
	views := make([]SessionView, 0, len(sessions))
	for _, session := range sessions {
		view := SessionView{ChatSession: session, Participants: session.ParticipantIDs()}
		var latest Message
		err := s.db.WithContext(ctx).
			Where("chat_id = ?", session.ChatID).
			Order("created_at DESC").
			Order("message_id DESC").
			Take(&latest).
			Error
		switch {
		case err == nil:
			view.LastMessage = &latest
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			s.logError(opListSessions, "message_select_failed", err, zap.String("chat_id", session.ChatID))
			return nil, newServiceError(opListSessions, "message_select_failed", err)
		}
		views = append(views, view)
	}
	return views, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("chats service error", attrs...)
}
