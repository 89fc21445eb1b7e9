package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTypingTTL           = 5 * time.Second
	defaultTypingSweepInterval = 5 * time.Second
)

var errTypingTTLBelowSweep = errors.New("realtime: typing ttl must not be shorter than the sweep interval")

// TypingEmitFunc publishes a typing_status change for one (user, chat) pair.
type TypingEmitFunc func(userID, chatID string, isTyping bool)

type TypingConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Clock         func() time.Time
	Emit          TypingEmitFunc
	Logger        *zap.Logger
}

type typingKey struct {
	userID string
	chatID string
}

// TypingTracker keeps one entry per (user, chat) and expires stale ones.
// Emission happens while the table is locked so observers see transitions in order.
type TypingTracker struct {
	mu            sync.Mutex
	entries       map[typingKey]time.Time
	ttl           time.Duration
	sweepInterval time.Duration
	clock         func() time.Time
	emit          TypingEmitFunc
	logger        *zap.Logger
}

func NewTypingTracker(cfg TypingConfig) (*TypingTracker, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTypingTTL
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultTypingSweepInterval
	}
	if ttl < sweepInterval {
		return nil, errTypingTTLBelowSweep
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	emit := cfg.Emit
	if emit == nil {
		emit = func(string, string, bool) {}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TypingTracker{
		entries:       make(map[typingKey]time.Time),
		ttl:           ttl,
		sweepInterval: sweepInterval,
		clock:         clock,
		emit:          emit,
		logger:        logger,
	}, nil
}

// Start records or refreshes the entry and emits isTyping=true on every call.
func (t *TypingTracker) Start(userID, chatID string) {
	if userID == "" || chatID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[typingKey{userID: userID, chatID: chatID}] = t.clock()
	t.emit(userID, chatID, true)
}

// Stop removes the entry and reports whether one existed. Only a removal emits.
func (t *TypingTracker) Stop(userID, chatID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := typingKey{userID: userID, chatID: chatID}
	if _, ok := t.entries[key]; !ok {
		return false
	}
	delete(t.entries, key)
	t.emit(userID, chatID, false)
	return true
}

// StopUser removes every entry held by the user and returns how many were removed.
func (t *TypingTracker) StopUser(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for key := range t.entries {
		if key.userID != userID {
			continue
		}
		delete(t.entries, key)
		t.emit(key.userID, key.chatID, false)
		removed++
	}
	return removed
}

// Sweep expires entries started more than TTL before now.
func (t *TypingTracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	expired := 0
	for key, startedAt := range t.entries {
		if now.Sub(startedAt) <= t.ttl {
			continue
		}
		delete(t.entries, key)
		t.emit(key.userID, key.chatID, false)
		expired++
	}
	if expired > 0 {
		t.logger.Debug("typing entries expired", zap.Int("count", expired))
	}
	return expired
}

// IsTyping reports whether a live entry exists for the pair.
func (t *TypingTracker) IsTyping(userID, chatID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[typingKey{userID: userID, chatID: chatID}]
	return ok
}

func (t *TypingTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Run sweeps on every interval tick until the context is cancelled.
func (t *TypingTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(t.clock())
		}
	}
}

// RoomTypingEmitter broadcasts typing_status into the chat room.
func RoomTypingEmitter(router *Router) TypingEmitFunc {
	return func(userID, chatID string, isTyping bool) {
		router.Broadcast(ChatRoom(chatID), Event{
			Name: EventTypingStatus,
			Data: TypingPayload{UserID: userID, ChatID: chatID, IsTyping: isTyping},
		})
	}
}
