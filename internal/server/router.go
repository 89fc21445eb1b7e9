package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/inovest/realtime/internal/auth"
	"github.com/inovest/realtime/internal/chats"
	"github.com/inovest/realtime/internal/ids"
	"github.com/inovest/realtime/internal/metrics"
	"github.com/inovest/realtime/internal/notifications"
	"github.com/inovest/realtime/internal/projects"
	"github.com/inovest/realtime/internal/realtime"
	"github.com/inovest/realtime/internal/users"
	"go.uber.org/zap"
)

const identityContextKey = "inovest_identity"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUsersService     = errors.New("users service dependency required")
	errMissingProjectsService  = errors.New("projects service dependency required")
	errMissingChatsService     = errors.New("chats service dependency required")
	errMissingNotificationsSvc = errors.New("notifications service dependency required")
	errMissingHub              = errors.New("realtime hub dependency required")
	errMissingIDProvider       = errors.New("id provider dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// SessionValidator turns an incoming request into a trusted identity.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.Identity, error)
}

type Dependencies struct {
	Sessions       SessionValidator
	Users          *users.Service
	Projects       *projects.Service
	Chats          *chats.Service
	Notifications  *notifications.Service
	Hub            *realtime.Hub
	IDProvider     ids.Provider
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	AllowedOrigins []string
	Socket         SocketConfig
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingUsersService
	}
	if deps.Projects == nil {
		return nil, errMissingProjectsService
	}
	if deps.Chats == nil {
		return nil, errMissingChatsService
	}
	if deps.Notifications == nil {
		return nil, errMissingNotificationsSvc
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.IDProvider == nil {
		return nil, errMissingIDProvider
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:      deps.Sessions,
		users:         deps.Users,
		projects:      deps.Projects,
		chats:         deps.Chats,
		notifications: deps.Notifications,
		hub:           deps.Hub,
		ids:           deps.IDProvider,
		metrics:       deps.Metrics,
		logger:        logger,
		sockets:       newSocketAcceptor(deps.Socket, deps.AllowedOrigins),
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/ws", handler.handleWebsocket)

	protected.GET("/chats", handler.handleListChats)
	protected.POST("/chats", handler.handleResolveChat)
	protected.GET("/chats/:id", handler.handleGetChat)
	protected.GET("/chats/:id/messages", handler.handleListMessages)
	protected.POST("/chats/:id/messages", handler.handleSendMessage)

	protected.POST("/projects", requireRole(auth.RoleEntrepreneur), handler.handleCreateProject)
	protected.GET("/projects/:id", handler.handleGetProject)
	protected.POST("/projects/:id/interest", requireRole(auth.RoleInvestor), handler.handleShowInterest)
	protected.POST("/projects/:id/updates", requireRole(auth.RoleEntrepreneur), handler.handleProjectUpdate)

	protected.GET("/notifications", handler.handleListNotifications)
	protected.POST("/notifications/:id/read", handler.handleMarkNotificationRead)

	protected.PUT("/users/me/device-token", handler.handleUpdateDeviceToken)
	protected.PUT("/users/me/profile", handler.handleUpdateProfile)
	protected.GET("/presence", handler.handleOnlineUsers)
	protected.GET("/presence/:userId", handler.handlePresence)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if allowsAnyOrigin(allowedOrigins) {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func allowsAnyOrigin(allowedOrigins []string) bool {
	if len(allowedOrigins) == 0 {
		return true
	}
	for _, origin := range allowedOrigins {
		if strings.TrimSpace(origin) == "*" {
			return true
		}
	}
	return false
}

type httpHandler struct {
	sessions      SessionValidator
	users         *users.Service
	projects      *projects.Service
	chats         *chats.Service
	notifications *notifications.Service
	hub           *realtime.Hub
	ids           ids.Provider
	metrics       *metrics.Metrics
	logger        *zap.Logger
	sockets       *socketAcceptor
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	identity, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := h.users.Touch(c.Request.Context(), identity); err != nil {
		h.logger.Error("failed to record user", zap.String("user_id", identity.UserID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "user_sync_failed"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func requireRole(role auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := identityFromContext(c)
		if !ok || identity.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func identityFromContext(c *gin.Context) (auth.Identity, bool) {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return auth.Identity{}, false
	}
	identity, ok := value.(auth.Identity)
	return identity, ok && identity.UserID != ""
}

// writeError maps domain errors to status codes and logs anything unexpected.
func (h *httpHandler) writeError(c *gin.Context, err error, fallbackCode string) {
	status, code := http.StatusInternalServerError, fallbackCode
	switch {
	case errors.Is(err, projects.ErrProjectNotFound):
		status, code = http.StatusNotFound, "project_not_found"
	case errors.Is(err, chats.ErrChatNotFound):
		status, code = http.StatusNotFound, "chat_not_found"
	case errors.Is(err, notifications.ErrNotificationNotFound):
		status, code = http.StatusNotFound, "notification_not_found"
	case errors.Is(err, users.ErrUserNotFound):
		status, code = http.StatusNotFound, "user_not_found"
	case errors.Is(err, chats.ErrInvalidParticipants):
		status, code = http.StatusBadRequest, "invalid_participants"
	case errors.Is(err, chats.ErrInvalidMessage):
		status, code = http.StatusBadRequest, "invalid_message"
	case errors.Is(err, projects.ErrInvalidProject):
		status, code = http.StatusBadRequest, "invalid_project"
	case errors.Is(err, projects.ErrInvalidUpdate):
		status, code = http.StatusBadRequest, "invalid_update"
	case errors.Is(err, projects.ErrNotOwner):
		status, code = http.StatusForbidden, "forbidden"
	default:
		h.logger.Error("request failed", zap.String("code", fallbackCode), zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}
