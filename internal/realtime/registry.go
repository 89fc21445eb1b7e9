package realtime

import (
	"sort"
	"sync"
	"time"
)

// TransitionFunc observes presence edges. It runs inside the registry's critical
// section, so transitions for one user are observed in the order they happen.
type TransitionFunc func(userID string, online bool)

type RegistryConfig struct {
	Clock        func() time.Time
	OnTransition TransitionFunc
}

// Registry is the in-memory presence table: user -> live connection ids.
type Registry struct {
	mu           sync.Mutex
	connections  map[string]map[string]struct{}
	lastSeen     map[string]time.Time
	clock        func() time.Time
	onTransition TransitionFunc
}

func NewRegistry(cfg RegistryConfig) *Registry {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		connections:  make(map[string]map[string]struct{}),
		lastSeen:     make(map[string]time.Time),
		clock:        clock,
		onTransition: cfg.OnTransition,
	}
}

// Register records a live connection and reports whether the user just came online.
func (r *Registry) Register(userID, connectionID string) bool {
	if userID == "" || connectionID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.connections[userID]
	if !ok {
		set = make(map[string]struct{})
		r.connections[userID] = set
	}
	if _, exists := set[connectionID]; exists {
		return false
	}
	set[connectionID] = struct{}{}
	r.lastSeen[userID] = r.clock().UTC()

	becameOnline := len(set) == 1
	if becameOnline && r.onTransition != nil {
		r.onTransition(userID, true)
	}
	return becameOnline
}

// Unregister drops a connection and reports whether the user just went offline.
// Unknown pairs are ignored.
func (r *Registry) Unregister(userID, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.connections[userID]
	if !ok {
		return false
	}
	if _, exists := set[connectionID]; !exists {
		return false
	}
	delete(set, connectionID)
	r.lastSeen[userID] = r.clock().UTC()
	if len(set) > 0 {
		return false
	}
	delete(r.connections, userID)
	if r.onTransition != nil {
		r.onTransition(userID, false)
	}
	return true
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections[userID]) > 0
}

// ConnectionsFor returns the user's live connection ids in sorted order.
func (r *Registry) ConnectionsFor(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.connections[userID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LastSeen returns the time of the user's most recent connect or disconnect.
func (r *Registry) LastSeen(userID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen, ok := r.lastSeen[userID]
	return seen, ok
}

func (r *Registry) OnlineUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]string, 0, len(r.connections))
	for userID := range r.connections {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections)
}

// StatusBroadcaster announces presence edges to every connected socket.
func StatusBroadcaster(router *Router) TransitionFunc {
	return func(userID string, online bool) {
		status := StatusOffline
		if online {
			status = StatusOnline
		}
		router.BroadcastAll(Event{Name: EventUserStatus, Data: StatusPayload{UserID: userID, Status: status}})
	}
}
