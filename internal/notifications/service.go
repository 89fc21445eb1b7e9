package notifications

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"sync"
	"time"

	"github.com/inovest/realtime/internal/ids"
	"github.com/inovest/realtime/internal/metrics"
	"github.com/inovest/realtime/internal/users"
	"go.uber.org/zap"
)

const defaultChannelTimeout = 10 * time.Second

var (
	errMissingRepository = errors.New("repository is required")
	errMissingIDProvider = errors.New("id provider is required")
	errShuttingDown      = errors.New("notifications: service is shutting down")
	noOpLogger           = zap.NewNop()

	emailTemplate = template.Must(template.New("notification").Parse(`<h1>{{.Title}}</h1><p>{{.Body}}</p>`))
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
	opServiceNew = "notifications.service.new"
	opNotify     = "notifications.notify"
	opDeliver    = "notifications.deliver"
	opList       = "notifications.list"
	opMarkRead   = "notifications.mark_read"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// PushSender delivers a mobile push notification to one device token.
type PushSender interface {
	SendPush(ctx context.Context, token, title, body string) error
}

// EmailSender delivers one HTML email.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, html string) error
}

// ContactLookup resolves the delivery addresses of a user.
type ContactLookup interface {
	Contact(ctx context.Context, userID string) (users.Contact, error)
}

// LiveEmitter pushes the record to the user's open sockets.
type LiveEmitter interface {
	EmitNotification(userID string, notification any) int
}

type ServiceConfig struct {
	Repository     Repository
	IDProvider     ids.Provider
	Contacts       ContactLookup
	Push           PushSender
	Email          EmailSender
	Live           LiveEmitter
	Clock          func() time.Time
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	ChannelTimeout time.Duration
}

// Service persists notifications and fans them out to the socket, push and
// email channels. Only persistence failures reach the caller.
type Service struct {
	repository     Repository
	idProvider     ids.Provider
	contacts       ContactLookup
	push           PushSender
	email          EmailSender
	live           LiveEmitter
	clock          func() time.Time
	logger         *zap.Logger
	metrics        *metrics.Metrics
	channelTimeout time.Duration

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Repository == nil {
		return nil, newServiceError(opServiceNew, "missing_repository", errMissingRepository)
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
	channelTimeout := cfg.ChannelTimeout
	if channelTimeout <= 0 {
		channelTimeout = defaultChannelTimeout
	}
	return &Service{
		repository:     cfg.Repository,
		idProvider:     cfg.IDProvider,
		contacts:       cfg.Contacts,
		push:           cfg.Push,
		email:          cfg.Email,
		live:           cfg.Live,
		clock:          clock,
		logger:         logger,
		metrics:        cfg.Metrics,
		channelTimeout: channelTimeout,
	}, nil
}

// Notify stores the notification, emits it to the recipient's sockets and
// schedules push and email delivery in the background.
func (s *Service) Notify(ctx context.Context, intent Intent) (Notification, error) {
	intent = intent.normalized()
	if err := intent.validate(); err != nil {
		return Notification{}, newServiceError(opNotify, "invalid_intent", err)
	}
	notificationID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opNotify, "generate_id_failed", err)
		return Notification{}, newServiceError(opNotify, "generate_id_failed", fmt.Errorf("%w: %w", ErrPersistence, err))
	}
	record := Notification{
		NotificationID: notificationID,
		UserID:         intent.RecipientID,
		Title:          intent.Title,
		Message:        intent.Body,
		Type:           intent.Kind,
		CreatedAt:      s.clock().UTC(),
	}
	if err := s.repository.Create(ctx, &record); err != nil {
		s.logError(opNotify, "persist_failed", err, zap.String("user_id", record.UserID))
		return Notification{}, newServiceError(opNotify, "persist_failed", fmt.Errorf("%w: %w", ErrPersistence, err))
	}

	s.emitLive(record)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("notification fan-out skipped", zap.String("notification_id", record.NotificationID), zap.Error(errShuttingDown))
		return record, nil
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		s.deliver(record)
	}()
	return record, nil
}

func (s *Service) emitLive(record Notification) {
	if s.live == nil {
		s.metrics.ChannelOutcome(metrics.ChannelSocket, metrics.OutcomeSkipped)
		return
	}
	if s.live.EmitNotification(record.UserID, record) > 0 {
		s.metrics.ChannelOutcome(metrics.ChannelSocket, metrics.OutcomeDelivered)
		return
	}
	s.metrics.ChannelOutcome(metrics.ChannelSocket, metrics.OutcomeSkipped)
}

func (s *Service) deliver(record Notification) {
	if s.contacts == nil || (s.push == nil && s.email == nil) {
		return
	}
	contact, err := s.lookupContact(record.UserID)
	if err != nil {
		s.metrics.ChannelOutcome(metrics.ChannelContact, metrics.OutcomeFailed)
		s.logError(opDeliver, "contact_lookup_failed", err, zap.String("user_id", record.UserID))
		return
	}

	var channels sync.WaitGroup
	if s.push != nil && contact.DeviceToken != "" {
		channels.Add(1)
		go func() {
			defer channels.Done()
			s.sendPush(record, contact.DeviceToken)
		}()
	} else {
		s.metrics.ChannelOutcome(metrics.ChannelPush, metrics.OutcomeSkipped)
	}
	if s.email != nil && contact.Email != "" {
		channels.Add(1)
		go func() {
			defer channels.Done()
			s.sendEmail(record, contact.Email)
		}()
	} else {
		s.metrics.ChannelOutcome(metrics.ChannelEmail, metrics.OutcomeSkipped)
	}
	channels.Wait()
}

func (s *Service) lookupContact(userID string) (users.Contact, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.channelTimeout)
	defer cancel()
	return s.contacts.Contact(ctx, userID)
}

func (s *Service) sendPush(record Notification, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.channelTimeout)
	defer cancel()
	if err := s.push.SendPush(ctx, token, record.Title, record.Message); err != nil {
		s.metrics.ChannelOutcome(metrics.ChannelPush, metrics.OutcomeFailed)
		s.logError(opDeliver, "push_failed", err, zap.String("notification_id", record.NotificationID))
		return
	}
	s.metrics.ChannelOutcome(metrics.ChannelPush, metrics.OutcomeDelivered)
}

func (s *Service) sendEmail(record Notification, address string) {
	body, err := RenderEmail(record.Title, record.Message)
	if err != nil {
		s.metrics.ChannelOutcome(metrics.ChannelEmail, metrics.OutcomeFailed)
		s.logError(opDeliver, "email_render_failed", err, zap.String("notification_id", record.NotificationID))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.channelTimeout)
	defer cancel()
	if err := s.email.SendEmail(ctx, address, record.Title, body); err != nil {
		s.metrics.ChannelOutcome(metrics.ChannelEmail, metrics.OutcomeFailed)
		s.logError(opDeliver, "email_failed", err, zap.String("notification_id", record.NotificationID))
		return
	}
	s.metrics.ChannelOutcome(metrics.ChannelEmail, metrics.OutcomeDelivered)
}

// RenderEmail builds the HTML body for a notification email.
func RenderEmail(title, body string) (string, error) {
	var buffer bytes.Buffer
	if err := emailTemplate.Execute(&buffer, struct{ Title, Body string }{Title: title, Body: body}); err != nil {
		return "", err
	}
	return buffer.String(), nil
}

// List returns the user's notifications, newest first.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]Notification, error) {
	notifications, err := s.repository.ListForUser(ctx, userID, limit)
	if err != nil {
		s.logError(opList, "select_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opList, "select_failed", err)
	}
	return notifications, nil
}

// MarkRead flags one of the user's notifications as read.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) (Notification, error) {
	notification, err := s.repository.MarkRead(ctx, userID, notificationID)
	if errors.Is(err, ErrNotificationNotFound) {
		return Notification{}, newServiceError(opMarkRead, "not_found", ErrNotificationNotFound)
	}
	if err != nil {
		s.logError(opMarkRead, "update_failed", err, zap.String("notification_id", notificationID))
		return Notification{}, newServiceError(opMarkRead, "update_failed", err)
	}
	return notification, nil
}

// Wait blocks until every scheduled background delivery has finished.
func (s *Service) Wait() {
	s.inflight.Wait()
}

// Shutdown stops scheduling background deliveries and waits for the pending
// ones until ctx is done.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
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
	s.logger.Error("notifications service error", attrs...)
}
