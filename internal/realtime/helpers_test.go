package realtime

import (
	"encoding/json"
	"sync"
	"testing"
)

type recordingConn struct {
	id     string
	userID string

	mu       sync.Mutex
	frames   [][]byte
	capacity int
}

func newRecordingConn(id, userID string) *recordingConn {
	return &recordingConn{id: id, userID: userID, capacity: -1}
}

func (c *recordingConn) ID() string     { return c.id }
func (c *recordingConn) UserID() string { return c.userID }

func (c *recordingConn) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capacity >= 0 && len(c.frames) >= c.capacity {
		return false
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return true
}

type decodedEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (c *recordingConn) events(t *testing.T) []decodedEvent {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	decoded := make([]decodedEvent, 0, len(c.frames))
	for _, frame := range c.frames {
		var event decodedEvent
		if err := json.Unmarshal(frame, &event); err != nil {
			t.Fatalf("failed to decode frame %s: %v", frame, err)
		}
		decoded = append(decoded, event)
	}
	return decoded
}

func (c *recordingConn) eventsNamed(t *testing.T, name string) []decodedEvent {
	t.Helper()
	var matched []decodedEvent
	for _, event := range c.events(t) {
		if event.Event == name {
			matched = append(matched, event)
		}
	}
	return matched
}

type typingEmission struct {
	userID   string
	chatID   string
	isTyping bool
}

type typingRecorder struct {
	mu        sync.Mutex
	emissions []typingEmission
}

func (r *typingRecorder) emit(userID, chatID string, isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emissions = append(r.emissions, typingEmission{userID: userID, chatID: chatID, isTyping: isTyping})
}

func (r *typingRecorder) snapshot() []typingEmission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]typingEmission(nil), r.emissions...)
}

func (r *typingRecorder) count(isTyping bool) int {
	total := 0
	for _, emission := range r.snapshot() {
		if emission.isTyping == isTyping {
			total++
		}
	}
	return total
}
