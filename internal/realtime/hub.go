package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inovest/realtime/internal/metrics"
	"go.uber.org/zap"
)

const defaultPersistTimeout = 5 * time.Second

var (
	errMissingRegistry = errors.New("realtime: registry is required")
	errMissingRouter   = errors.New("realtime: router is required")
	errMissingTyping   = errors.New("realtime: typing tracker is required")
)

// LastSeenRecorder persists the time a user's last connection went away.
type LastSeenRecorder interface {
	UpdateLastSeen(ctx context.Context, userID string, seenAt time.Time) error
}

// ChatAuthorizer decides whether a user may join a chat room.
type ChatAuthorizer interface {
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
}

type HubConfig struct {
	Registry       *Registry
	Router         *Router
	Typing         *TypingTracker
	LastSeen       LastSeenRecorder
	Chats          ChatAuthorizer
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	Clock          func() time.Time
	PersistTimeout time.Duration
}

// Hub ties connection lifecycle and client signals to the registry, router and
// typing tracker, and is the emit surface for the rest of the service.
type Hub struct {
	registry       *Registry
	router         *Router
	typing         *TypingTracker
	lastSeen       LastSeenRecorder
	chats          ChatAuthorizer
	metrics        *metrics.Metrics
	logger         *zap.Logger
	clock          func() time.Time
	persistTimeout time.Duration
}

func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Router == nil {
		return nil, errMissingRouter
	}
	if cfg.Typing == nil {
		return nil, errMissingTyping
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	persistTimeout := cfg.PersistTimeout
	if persistTimeout <= 0 {
		persistTimeout = defaultPersistTimeout
	}
	return &Hub{
		registry:       cfg.Registry,
		router:         cfg.Router,
		typing:         cfg.Typing,
		lastSeen:       cfg.LastSeen,
		chats:          cfg.Chats,
		metrics:        cfg.Metrics,
		logger:         logger,
		clock:          clock,
		persistTimeout: persistTimeout,
	}, nil
}

// Connect joins the connection to its user room and registers it for presence.
// The user room is joined first so the socket receives its own online status.
func (h *Hub) Connect(conn Conn) {
	h.router.Join(conn, UserRoom(conn.UserID()))
	if h.registry.Register(conn.UserID(), conn.ID()) {
		h.logger.Info("user online", zap.String("user_id", conn.UserID()))
	}
	h.metrics.ConnectionOpened()
}

// Disconnect removes the connection from every room, then from the registry.
// When it was the user's last connection, typing entries are cleared and the
// last seen time is persisted.
func (h *Hub) Disconnect(conn Conn) {
	userID := conn.UserID()
	h.router.LeaveAll(conn.ID())
	wentOffline := h.registry.Unregister(userID, conn.ID())
	h.metrics.ConnectionClosed()
	if !wentOffline {
		return
	}
	h.typing.StopUser(userID)
	h.logger.Info("user offline", zap.String("user_id", userID))

	if h.lastSeen == nil {
		return
	}
	seenAt, ok := h.registry.LastSeen(userID)
	if !ok {
		seenAt = h.clock().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.persistTimeout)
	defer cancel()
	if err := h.lastSeen.UpdateLastSeen(ctx, userID, seenAt); err != nil {
		h.logger.Warn("failed to persist last seen", zap.String("user_id", userID), zap.Error(err))
	}
}

// HandleSignal applies one client signal on behalf of the connection.
func (h *Hub) HandleSignal(ctx context.Context, conn Conn, signal Signal) error {
	switch signal.Type {
	case SignalJoinChat:
		if signal.ChatID == "" {
			return ErrMissingRoomID
		}
		if err := h.authorizeChat(ctx, signal.ChatID, conn.UserID()); err != nil {
			return err
		}
		h.router.Join(conn, ChatRoom(signal.ChatID))
	case SignalLeaveChat:
		if signal.ChatID == "" {
			return ErrMissingRoomID
		}
		h.router.Leave(conn.ID(), ChatRoom(signal.ChatID))
	case SignalJoinProject:
		if signal.ProjectID == "" {
			return ErrMissingRoomID
		}
		h.router.Join(conn, ProjectRoom(signal.ProjectID))
	case SignalLeaveProject:
		if signal.ProjectID == "" {
			return ErrMissingRoomID
		}
		h.router.Leave(conn.ID(), ProjectRoom(signal.ProjectID))
	case SignalTypingStart:
		if signal.ChatID == "" {
			return ErrMissingRoomID
		}
		if !h.router.IsMember(conn.ID(), ChatRoom(signal.ChatID)) {
			return ErrNotInRoom
		}
		h.typing.Start(conn.UserID(), signal.ChatID)
	case SignalTypingStop:
		if signal.ChatID == "" {
			return ErrMissingRoomID
		}
		h.typing.Stop(conn.UserID(), signal.ChatID)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSignal, signal.Type)
	}
	return nil
}

func (h *Hub) authorizeChat(ctx context.Context, chatID, userID string) error {
	if h.chats == nil {
		return nil
	}
	allowed, err := h.chats.IsParticipant(ctx, chatID, userID)
	if err != nil {
		h.logger.Error("chat authorization failed", zap.String("chat_id", chatID), zap.String("user_id", userID), zap.Error(err))
		return err
	}
	if !allowed {
		return ErrNotParticipant
	}
	return nil
}

// EmitNewMessage sends a new_message event into the chat room.
func (h *Hub) EmitNewMessage(chatID string, message any) int {
	return h.router.Broadcast(ChatRoom(chatID), Event{Name: EventNewMessage, Data: message})
}

// EmitNotification sends a new_notification event to every socket of the user.
func (h *Hub) EmitNotification(userID string, notification any) int {
	return h.router.Broadcast(UserRoom(userID), Event{Name: EventNewNotification, Data: notification})
}

// EmitProjectUpdate sends a project_update event to the project's followers.
func (h *Hub) EmitProjectUpdate(projectID string, update any) int {
	return h.router.Broadcast(ProjectRoom(projectID), Event{Name: EventProjectUpdate, Data: update})
}

// Presence exposes the registry's view of a user.
func (h *Hub) Presence(userID string) (online bool, lastSeen time.Time, known bool) {
	lastSeen, known = h.registry.LastSeen(userID)
	return h.registry.IsOnline(userID), lastSeen, known
}

// OnlineUsers lists every user with at least one open connection.
func (h *Hub) OnlineUsers() []string {
	return h.registry.OnlineUsers()
}

// TypingIn returns the given users that are currently typing in the chat.
func (h *Hub) TypingIn(chatID string, userIDs []string) []string {
	typing := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		if h.typing.IsTyping(userID, chatID) {
			typing = append(typing, userID)
		}
	}
	return typing
}
