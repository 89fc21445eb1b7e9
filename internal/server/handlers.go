package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/inovest/realtime/internal/chats"
	"github.com/inovest/realtime/internal/notifications"
	"github.com/inovest/realtime/internal/projects"
	"github.com/inovest/realtime/internal/users"
	"go.uber.org/zap"
)

const (
	interestTitle         = "New Investment Interest"
	interestBodySuffix    = " has shown interest in your project"
	fallbackInvestorName  = "An investor"
	messageTitle          = "New Message"
	messagePreviewLength  = 120
	projectUpdateTitle    = "Project Update"
	defaultListLimitParam = 50
)

type resolveChatRequest struct {
	ProjectID     string `json:"project_id"`
	ParticipantID string `json:"participant_id"`
}

type resolveChatResponse struct {
	Chat    chats.ChatSession `json:"chat"`
	Created bool              `json:"created"`
}

func (h *httpHandler) handleResolveChat(c *gin.Context) {
	identity, _ := identityFromContext(c)
	var request resolveChatRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ParticipantID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	session, created, err := h.chats.Resolve(c.Request.Context(), request.ProjectID, identity.UserID, request.ParticipantID)
	if err != nil {
		h.writeError(c, err, "chat_resolve_failed")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, resolveChatResponse{Chat: session, Created: created})
}

func (h *httpHandler) handleListChats(c *gin.Context) {
	identity, _ := identityFromContext(c)
	views, err := h.chats.ListSessions(c.Request.Context(), identity.UserID)
	if err != nil {
		h.writeError(c, err, "chat_list_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": views})
}

type chatDetailResponse struct {
	Chat         chats.ChatSession `json:"chat"`
	Participants []string          `json:"participants"`
	Typing       []string          `json:"typing"`
}

func (h *httpHandler) handleGetChat(c *gin.Context) {
	identity, _ := identityFromContext(c)
	ctx := c.Request.Context()
	session, err := h.chats.Session(ctx, c.Param("id"), identity.UserID)
	if err != nil {
		h.writeError(c, err, "chat_lookup_failed")
		return
	}
	participants, err := h.chats.Participants(ctx, session.ChatID)
	if err != nil {
		h.writeError(c, err, "chat_lookup_failed")
		return
	}
	c.JSON(http.StatusOK, chatDetailResponse{
		Chat:         session,
		Participants: participants,
		Typing:       h.hub.TypingIn(session.ChatID, participants),
	})
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	identity, _ := identityFromContext(c)
	var before time.Time
	if raw := c.Query("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_before"})
			return
		}
		before = parsed
	}
	messages, err := h.chats.ListMessages(c.Request.Context(), c.Param("id"), identity.UserID, before, parseLimit(c))
	if err != nil {
		h.writeError(c, err, "message_list_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	identity, _ := identityFromContext(c)
	var draft chats.Draft
	if err := c.ShouldBindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ctx := c.Request.Context()
	chatID := c.Param("id")
	session, err := h.chats.Session(ctx, chatID, identity.UserID)
	if err != nil {
		h.writeError(c, err, "message_send_failed")
		return
	}
	message, err := h.chats.SendMessage(ctx, chatID, identity.UserID, draft)
	if err != nil {
		h.writeError(c, err, "message_send_failed")
		return
	}

	h.hub.EmitNewMessage(chatID, message)
	if recipient := session.Counterpart(identity.UserID); recipient != "" {
		h.notify(ctx, notifications.Intent{
			RecipientID: recipient,
			Title:       messageTitle,
			Body:        messagePreview(message),
			Kind:        notifications.KindMessage,
		})
	}
	c.JSON(http.StatusCreated, gin.H{"message": message})
}

func (h *httpHandler) handleCreateProject(c *gin.Context) {
	identity, _ := identityFromContext(c)
	var draft projects.Draft
	if err := c.ShouldBindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	project, err := h.projects.Create(c.Request.Context(), identity.UserID, draft)
	if err != nil {
		h.writeError(c, err, "project_create_failed")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project": project})
}

func (h *httpHandler) handleGetProject(c *gin.Context) {
	project, err := h.projects.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "project_lookup_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": project})
}

type showInterestRequest struct {
	Message string `json:"message"`
}

type showInterestResponse struct {
	Interest projects.Interest `json:"interest"`
	Chat     chats.ChatSession `json:"chat"`
	Created  bool              `json:"created"`
}

// handleShowInterest records the interest, tells the owner about it the first
// time and opens the chat with the owner. Notification precedes Resolve: a retry
// after a failed Resolve reports created=false and would not notify again.
func (h *httpHandler) handleShowInterest(c *gin.Context) {
	identity, _ := identityFromContext(c)
	var request showInterestRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	ctx := c.Request.Context()
	project, err := h.projects.Lookup(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err, "interest_failed")
		return
	}
	interest, created, err := h.projects.RecordInterest(ctx, project.ProjectID, identity.UserID, request.Message)
	if err != nil {
		h.writeError(c, err, "interest_failed")
		return
	}

	if created {
		h.notify(ctx, notifications.Intent{
			RecipientID: project.OwnerID,
			Title:       interestTitle,
			Body:        h.investorName(ctx, identity.UserID) + interestBodySuffix,
			Kind:        notifications.KindInterest,
		})
	}

	session, _, err := h.chats.Resolve(ctx, project.ProjectID, identity.UserID, project.OwnerID)
	if err != nil {
		h.writeError(c, err, "chat_resolve_failed")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, showInterestResponse{Interest: interest, Chat: session, Created: created})
}

type projectUpdateRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (h *httpHandler) handleProjectUpdate(c *gin.Context) {
	identity, _ := identityFromContext(c)
	var request projectUpdateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ctx := c.Request.Context()
	update, err := h.projects.PrepareUpdate(ctx, c.Param("id"), identity.UserID, request.Title, request.Body)
	if err != nil {
		h.writeError(c, err, "project_update_failed")
		return
	}
	delivered := h.hub.EmitProjectUpdate(update.ProjectID, update)

	investors, err := h.projects.InterestedInvestors(ctx, update.ProjectID)
	if err != nil {
		h.logger.Warn("failed to list interested investors", zap.String("project_id", update.ProjectID), zap.Error(err))
	}
	title := update.Title
	if title == "" {
		title = projectUpdateTitle
	}
	for _, investorID := range investors {
		h.notify(ctx, notifications.Intent{
			RecipientID: investorID,
			Title:       title,
			Body:        update.Body,
			Kind:        notifications.KindProjectUpdate,
		})
	}
	c.JSON(http.StatusAccepted, gin.H{"update": update, "delivered": delivered, "notified": len(investors)})
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	identity, _ := identityFromContext(c)
	records, err := h.notifications.List(c.Request.Context(), identity.UserID, parseLimit(c))
	if err != nil {
		h.writeError(c, err, "notification_list_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": records})
}

func (h *httpHandler) handleMarkNotificationRead(c *gin.Context) {
	identity, _ := identityFromContext(c)
	record, err := h.notifications.MarkRead(c.Request.Context(), identity.UserID, c.Param("id"))
	if err != nil {
		h.writeError(c, err, "notification_update_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"notification": record})
}

type deviceTokenRequest struct {
	Token string `json:"token"`
}

func (h *httpHandler) handleUpdateDeviceToken(c *gin.Context) {
	identity, _ := identityFromContext(c)
	var request deviceTokenRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.users.UpdateDeviceToken(c.Request.Context(), identity.UserID, request.Token); err != nil {
		h.writeError(c, err, "device_token_update_failed")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	identity, _ := identityFromContext(c)
	var profile users.Profile
	if err := c.ShouldBindJSON(&profile); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	user, err := h.users.UpdateProfile(c.Request.Context(), identity.UserID, profile)
	if err != nil {
		h.writeError(c, err, "profile_update_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": user.UserID, "email": user.Email, "displayName": user.DisplayName})
}

type presenceResponse struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

func (h *httpHandler) handleOnlineUsers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"online": h.hub.OnlineUsers()})
}

func (h *httpHandler) handlePresence(c *gin.Context) {
	userID := c.Param("userId")
	online, lastSeen, known := h.hub.Presence(userID)
	response := presenceResponse{UserID: userID, Online: online}
	if known {
		response.LastSeen = &lastSeen
	} else if user, err := h.users.Get(c.Request.Context(), userID); err == nil && user.LastSeenAt != nil {
		response.LastSeen = user.LastSeenAt
	}
	c.JSON(http.StatusOK, response)
}

// notify runs the fan-out and only logs a failure; the triggering action has
// already been committed.
func (h *httpHandler) notify(ctx context.Context, intent notifications.Intent) {
	if _, err := h.notifications.Notify(ctx, intent); err != nil {
		h.logger.Error("failed to notify user",
			zap.String("user_id", intent.RecipientID),
			zap.String("kind", string(intent.Kind)),
			zap.Error(err))
	}
}

func (h *httpHandler) investorName(ctx context.Context, userID string) string {
	name, err := h.users.DisplayName(ctx, userID)
	if err != nil || strings.TrimSpace(name) == "" {
		return fallbackInvestorName
	}
	return name
}

func messagePreview(message chats.Message) string {
	switch message.Type {
	case chats.MessageTypeImage:
		return "Sent an image"
	case chats.MessageTypeVoice:
		return "Sent a voice message"
	}
	if utf8.RuneCountInString(message.Content) <= messagePreviewLength {
		return message.Content
	}
	runes := []rune(message.Content)
	return string(runes[:messagePreviewLength]) + "…"
}

func parseLimit(c *gin.Context) int {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimitParam
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultListLimitParam
	}
	return limit
}
