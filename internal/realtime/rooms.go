package realtime

import (
	"sort"
	"sync"

	"github.com/inovest/realtime/internal/metrics"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Router maps room keys to member connections. One mutex covers membership and
// delivery, so broadcasts into a room are observed in call order.
type Router struct {
	mu      sync.Mutex
	rooms   map[string]map[string]Conn
	joined  map[string]map[string]struct{}
	conns   map[string]Conn
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		rooms:   make(map[string]map[string]Conn),
		joined:  make(map[string]map[string]struct{}),
		conns:   make(map[string]Conn),
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// Join adds the connection to the room. Joining twice is a no-op.
func (r *Router) Join(conn Conn, room string) {
	if conn == nil || room == "" {
		return
	}
	connID := conn.ID()
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]Conn)
		r.rooms[room] = members
	}
	members[connID] = conn

	memberships, ok := r.joined[connID]
	if !ok {
		memberships = make(map[string]struct{})
		r.joined[connID] = memberships
	}
	memberships[room] = struct{}{}
	r.conns[connID] = conn
}

// Leave removes the connection from the room. Leaving a room not joined is a no-op.
func (r *Router) Leave(connID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(connID, room)
}

// LeaveAll removes the connection from every room and returns the rooms it left.
func (r *Router) LeaveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	memberships := r.joined[connID]
	left := make([]string, 0, len(memberships))
	for room := range memberships {
		left = append(left, room)
	}
	for _, room := range left {
		r.leaveLocked(connID, room)
	}
	delete(r.conns, connID)
	sort.Strings(left)
	return left
}

func (r *Router) leaveLocked(connID, room string) {
	if members, ok := r.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if memberships, ok := r.joined[connID]; ok {
		delete(memberships, room)
		if len(memberships) == 0 {
			delete(r.joined, connID)
			delete(r.conns, connID)
		}
	}
}

// IsMember reports whether the connection has joined the room.
func (r *Router) IsMember(connID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[room][connID]
	return ok
}

// Members returns the connection ids currently in the room, sorted.
func (r *Router) Members(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[room]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Broadcast delivers the event to the room's members at call time and returns
// the number of accepted deliveries. Members with a full buffer are skipped.
func (r *Router) Broadcast(room string, event Event) int {
	frame, err := event.Encode()
	if err != nil {
		r.logger.Error("failed to encode realtime event", zap.String("event", event.Name), zap.String("room", room), zap.Error(err))
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deliverLocked(r.rooms[room], frame, event.Name, room)
}

// BroadcastAll delivers the event to every connection the router knows.
func (r *Router) BroadcastAll(event Event) int {
	frame, err := event.Encode()
	if err != nil {
		r.logger.Error("failed to encode realtime event", zap.String("event", event.Name), zap.Error(err))
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deliverLocked(r.conns, frame, event.Name, "*")
}

func (r *Router) deliverLocked(targets map[string]Conn, frame []byte, eventName, room string) int {
	delivered, dropped := 0, 0
	for connID, conn := range targets {
		if conn.Send(frame) {
			delivered++
			continue
		}
		dropped++
		r.logger.Debug("realtime delivery dropped",
			zap.String("event", eventName),
			zap.String("room", room),
			zap.String("connection_id", connID),
		)
	}
	r.metrics.RoomDeliveries(delivered, dropped)
	return delivered
}
