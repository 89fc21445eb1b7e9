package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/inovest/realtime/internal/auth"
	"github.com/inovest/realtime/internal/realtime"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultSendBuffer    = 64
	defaultSignalRate    = 20
	defaultSignalBurst   = 40
	maxSignalFrameBytes  = 4096
	socketWriteWait      = 10 * time.Second
	socketPongWait       = 60 * time.Second
	socketPingPeriod     = socketPongWait * 9 / 10
	signalHandlerTimeout = 5 * time.Second
)

// SocketConfig tunes each websocket connection.
type SocketConfig struct {
	SendBuffer  int
	SignalRate  float64
	SignalBurst int
}

type socketAcceptor struct {
	upgrader websocket.Upgrader
	config   SocketConfig
}

func newSocketAcceptor(cfg SocketConfig, allowedOrigins []string) *socketAcceptor {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.SignalRate <= 0 {
		cfg.SignalRate = defaultSignalRate
	}
	if cfg.SignalBurst <= 0 {
		cfg.SignalBurst = defaultSignalBurst
	}
	anyOrigin := allowsAnyOrigin(allowedOrigins)
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origins[strings.TrimSpace(origin)] = struct{}{}
	}
	return &socketAcceptor{
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if anyOrigin || origin == "" {
					return true
				}
				_, ok := origins[origin]
				return ok
			},
		},
	}
}

// socketClient is the server side of one websocket connection. Send never
// blocks: a full buffer drops the frame for this connection only.
type socketClient struct {
	id      string
	userID  string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	mu     sync.Mutex
	closed bool
}

func (c *socketClient) ID() string     { return c.id }
func (c *socketClient) UserID() string { return c.userID }

func (c *socketClient) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *socketClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	identity, _ := identityFromContext(c)
	connectionID, err := h.ids.NewID()
	if err != nil {
		h.logger.Error("failed to generate connection id", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "connection_id_failed"})
		return
	}

	conn, err := h.sockets.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", identity.UserID), zap.Error(err))
		return
	}

	client := &socketClient{
		id:      connectionID,
		userID:  identity.UserID,
		conn:    conn,
		send:    make(chan []byte, h.sockets.config.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(h.sockets.config.SignalRate), h.sockets.config.SignalBurst),
	}
	h.hub.Connect(client)
	h.logger.Debug("websocket connected", zap.String("user_id", identity.UserID), zap.String("connection_id", connectionID))

	go h.writePump(client)
	go h.readPump(client, identity)
}

func (h *httpHandler) readPump(client *socketClient, identity auth.Identity) {
	defer func() {
		h.hub.Disconnect(client)
		client.close()
		h.logger.Debug("websocket disconnected", zap.String("user_id", identity.UserID), zap.String("connection_id", client.id))
	}()

	client.conn.SetReadLimit(maxSignalFrameBytes)
	_ = client.conn.SetReadDeadline(time.Now().Add(socketPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(socketPongWait))
	})

	for {
		_, frame, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Info("websocket read failed", zap.String("connection_id", client.id), zap.Error(err))
			}
			return
		}

		if !client.limiter.Allow() {
			h.metrics.SignalDropped()
			h.reply(client, realtime.NewErrorEvent("", realtime.ErrSignalRateLimit))
			continue
		}

		signal, err := realtime.DecodeSignal(frame)
		if err != nil {
			h.reply(client, realtime.NewErrorEvent("", err))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), signalHandlerTimeout)
		err = h.hub.HandleSignal(ctx, client, signal)
		cancel()
		if err != nil {
			if !isClientSignalError(err) {
				h.logger.Error("signal handling failed",
					zap.String("signal", signal.Type),
					zap.String("connection_id", client.id),
					zap.Error(err))
			}
			h.reply(client, realtime.NewErrorEvent(signal.Type, err))
		}
	}
}

func (h *httpHandler) writePump(client *socketClient) {
	ticker := time.NewTicker(socketPingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *httpHandler) reply(client *socketClient, event realtime.Event) {
	frame, err := event.Encode()
	if err != nil {
		h.logger.Error("failed to encode reply", zap.String("event", event.Name), zap.Error(err))
		return
	}
	if !client.Send(frame) {
		h.metrics.RoomDeliveries(0, 1)
	}
}

func isClientSignalError(err error) bool {
	return errors.Is(err, realtime.ErrUnknownSignal) ||
		errors.Is(err, realtime.ErrMissingRoomID) ||
		errors.Is(err, realtime.ErrNotParticipant) ||
		errors.Is(err, realtime.ErrNotInRoom) ||
		errors.Is(err, realtime.ErrInvalidSignal)
}

var _ realtime.Conn = (*socketClient)(nil)
