package chats

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType enumerates the supported message payload kinds.
type MessageType string

const (
	MessageTypeText   MessageType = "TEXT"
	MessageTypeImage  MessageType = "IMAGE"
	MessageTypeVoice  MessageType = "VOICE"
	MessageTypeSystem MessageType = "SYSTEM"
)

const (
	maxIdentifierLength = 190
	maxContentLength    = 8000
	seedGreeting        = "Conversation started."
)

var (
	// ErrInvalidMessage indicates that a message draft is empty, oversized or of an unknown type.
	ErrInvalidMessage = errors.New("chats: invalid message")
	// ErrInvalidParticipants indicates a missing participant or a chat with oneself.
	ErrInvalidParticipants = errors.New("chats: invalid participants")
)

// ParseMessageType validates a client supplied message type. SYSTEM is reserved.
func ParseMessageType(raw string) (MessageType, error) {
	if strings.TrimSpace(raw) == "" {
		return MessageTypeText, nil
	}
	switch MessageType(strings.ToUpper(strings.TrimSpace(raw))) {
	case MessageTypeText:
		return MessageTypeText, nil
	case MessageTypeImage:
		return MessageTypeImage, nil
	case MessageTypeVoice:
		return MessageTypeVoice, nil
	default:
		return "", fmt.Errorf("%w: unsupported type %q", ErrInvalidMessage, raw)
	}
}

// ChatSession is the one conversation between two users about one project.
// Participants are stored in sorted order so the unique index sees one key per pair.
type ChatSession struct {
	ChatID          string    `gorm:"column:chat_id;primaryKey;size:190;not null" json:"id"`
	ProjectID       string    `gorm:"column:project_id;size:190;not null;uniqueIndex:idx_chat_project_pair,priority:1" json:"projectId"`
	ParticipantLow  string    `gorm:"column:participant_low;size:190;not null;uniqueIndex:idx_chat_project_pair,priority:2" json:"-"`
	ParticipantHigh string    `gorm:"column:participant_high;size:190;not null;uniqueIndex:idx_chat_project_pair,priority:3" json:"-"`
	InitiatorID     string    `gorm:"column:initiator_id;size:190;not null" json:"initiatorId"`
	CreatedAt       time.Time `gorm:"column:created_at;not null" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (ChatSession) TableName() string {
	return "chat_sessions"
}

// ParticipantIDs returns both participants in canonical order.
func (s ChatSession) ParticipantIDs() []string {
	return []string{s.ParticipantLow, s.ParticipantHigh}
}

// Counterpart returns the other participant, or an empty string if userID is not a participant.
func (s ChatSession) Counterpart(userID string) string {
	switch userID {
	case s.ParticipantLow:
		return s.ParticipantHigh
	case s.ParticipantHigh:
		return s.ParticipantLow
	default:
		return ""
	}
}

// Participant links a user to a chat session.
type Participant struct {
	ChatID   string    `gorm:"column:chat_id;primaryKey;size:190;not null"`
	UserID   string    `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	JoinedAt time.Time `gorm:"column:joined_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Participant) TableName() string {
	return "chat_participants"
}

// Message is one persisted chat message.
type Message struct {
	MessageID string      `gorm:"column:message_id;primaryKey;size:190;not null" json:"id"`
	ChatID    string      `gorm:"column:chat_id;size:190;not null;index:idx_messages_chat_created,priority:1" json:"chatId"`
	SenderID  string      `gorm:"column:sender_id;size:190;not null" json:"senderId"`
	Type      MessageType `gorm:"column:message_type;size:16;not null" json:"messageType"`
	Content   string      `gorm:"column:content;type:text;not null" json:"content"`
	CreatedAt time.Time   `gorm:"column:created_at;not null;index:idx_messages_chat_created,priority:2" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "chat_messages"
}

// Draft is the client input for a new message.
type Draft struct {
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
}

// SessionView is a chat session as listed to one of its participants.
type SessionView struct {
	ChatSession
	Participants []string `json:"participants"`
	LastMessage  *Message `json:"lastMessage,omitempty"`
}

func sortedPair(first, second string) (string, string) {
	if second < first {
		return second, first
	}
	return first, second
}

func validIdentifier(value string) bool {
	return value != "" && len(value) <= maxIdentifierLength
}
