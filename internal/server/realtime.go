package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/events"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	channelReadBuffer  = 1024
	channelWriteBuffer = 1024
	remoteOriginPrefix = "channel:"
)

// channelHub serves the websocket event channel. Every connection gets its
// own relay: local bus events go out, inbound SYNC_REQUESTED frames come in.
type channelHub struct {
	bus      *events.Bus
	name     string
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu          sync.Mutex
	connections map[int64]*events.WebSocketBridge
	nextID      int64
}

func newChannelHub(bus *events.Bus, name string, logger *zap.Logger) *channelHub {
	return &channelHub{
		bus:  bus,
		name: name,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  channelReadBuffer,
			WriteBufferSize: channelWriteBuffer,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:      logger,
		connections: make(map[int64]*events.WebSocketBridge),
	}
}

func acceptInbound(eventType events.Type) bool {
	return eventType == events.TypeSyncRequested
}

func (h *channelHub) handleChannel(c *gin.Context) {
	name := c.Param("name")
	if h.name != "" && name != h.name {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_channel"})
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("event channel upgrade failed", zap.Error(err))
		return
	}

	bridge := events.NewWebSocketBridge(conn, h.logger)
	id := h.register(bridge)
	defer h.unregister(id)
	defer bridge.Close()

	relay, err := events.NewRelay(events.RelayConfig{
		Bus:           h.bus,
		Bridge:        bridge,
		RemoteOrigin:  remoteOriginPrefix + name,
		AcceptInbound: acceptInbound,
		Logger:        h.logger,
	})
	if err != nil {
		h.logger.Error("event channel relay setup failed", zap.Error(err))
		return
	}

	subject := c.GetString(subjectContextKey)
	h.logger.Info("event channel connected", zap.String("channel", name), zap.String("subject", subject))
	if err := relay.Run(c.Request.Context()); err != nil && c.Request.Context().Err() == nil {
		h.logger.Info("event channel relay stopped", zap.String("channel", name), zap.Error(err))
	}
	h.logger.Info("event channel disconnected", zap.String("channel", name), zap.String("subject", subject))
}

func (h *channelHub) register(bridge *events.WebSocketBridge) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.connections[h.nextID] = bridge
	return h.nextID
}

func (h *channelHub) unregister(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.connections, id)
}

// Count reports open channel connections.
func (h *channelHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// CloseAll disconnects every channel client. Used on shutdown because
// http.Server.Shutdown does not wait for hijacked connections.
func (h *channelHub) CloseAll(_ context.Context) {
	h.mu.Lock()
	bridges := make([]*events.WebSocketBridge, 0, len(h.connections))
	for _, bridge := range h.connections {
		bridges = append(bridges, bridge)
	}
	h.mu.Unlock()
	for _, bridge := range bridges {
		_ = bridge.Close()
	}
}
