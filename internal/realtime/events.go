// Package realtime tracks live socket connections, room membership, presence and
// typing indicators, and routes server events to the sockets that should see them.
package realtime

import (
	"encoding/json"
	"errors"
)

// Server to client event names.
const (
	EventNewMessage      = "new_message"
	EventNewNotification = "new_notification"
	EventProjectUpdate   = "project_update"
	EventUserStatus      = "user_status"
	EventTypingStatus    = "typing_status"
	EventError           = "error"
)

// Client to server signal types.
const (
	SignalJoinChat     = "join_chat"
	SignalLeaveChat    = "leave_chat"
	SignalJoinProject  = "join_project"
	SignalLeaveProject = "leave_project"
	SignalTypingStart  = "typing_start"
	SignalTypingStop   = "typing_stop"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

const (
	chatRoomPrefix    = "chat:"
	userRoomPrefix    = "user:"
	projectRoomPrefix = "project:"
)

var (
	ErrUnknownSignal   = errors.New("realtime: unknown signal")
	ErrMissingRoomID   = errors.New("realtime: signal requires a room id")
	ErrNotParticipant  = errors.New("realtime: not a chat participant")
	ErrNotInRoom       = errors.New("realtime: connection has not joined the chat")
	ErrInvalidSignal   = errors.New("realtime: malformed signal")
	ErrSignalRateLimit = errors.New("realtime: signal rate exceeded")
)

// Conn is one live client connection as seen by the router.
// Send must not block; it reports false when the frame was dropped.
type Conn interface {
	ID() string
	UserID() string
	Send(frame []byte) bool
}

// Event is a server to client message. Data is encoded as JSON.
type Event struct {
	Name string
	Data any
}

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Encode renders the wire frame {"event": ..., "data": ...}.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(envelope{Event: e.Name, Data: e.Data})
}

// Signal is a client to server message.
type Signal struct {
	Type      string `json:"type"`
	ChatID    string `json:"chat_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

// DecodeSignal parses one inbound text frame.
func DecodeSignal(frame []byte) (Signal, error) {
	var signal Signal
	if err := json.Unmarshal(frame, &signal); err != nil {
		return Signal{}, errors.Join(ErrInvalidSignal, err)
	}
	if signal.Type == "" {
		return Signal{}, ErrInvalidSignal
	}
	return signal, nil
}

type StatusPayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type TypingPayload struct {
	UserID   string `json:"userId"`
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

type ErrorPayload struct {
	Code   string `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// NewErrorEvent builds the event sent back to a client whose signal was rejected.
func NewErrorEvent(signalType string, err error) Event {
	return Event{Name: EventError, Data: ErrorPayload{Code: SignalErrorCode(err), Signal: signalType}}
}

// SignalErrorCode maps a signal handling error to a stable client-facing code.
func SignalErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownSignal):
		return "signal.unknown"
	case errors.Is(err, ErrMissingRoomID):
		return "signal.missing_room"
	case errors.Is(err, ErrNotParticipant):
		return "signal.forbidden"
	case errors.Is(err, ErrNotInRoom):
		return "signal.not_joined"
	case errors.Is(err, ErrInvalidSignal):
		return "signal.malformed"
	case errors.Is(err, ErrSignalRateLimit):
		return "signal.rate_limited"
	default:
		return "signal.internal"
	}
}

func ChatRoom(chatID string) string { return chatRoomPrefix + chatID }

func UserRoom(userID string) string { return userRoomPrefix + userID }

func ProjectRoom(projectID string) string { return projectRoomPrefix + projectID }
