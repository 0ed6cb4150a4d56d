package events

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	bridgeWriteWait     = 10 * time.Second
	bridgeInboundBuffer = 32
)

var errBridgeClosed = errors.New("events: bridge closed")

// WebSocketBridge adapts a websocket connection to the Bridge contract.
// Each text frame carries one JSON encoded Event.
type WebSocketBridge struct {
	conn      *websocket.Conn
	inbound   chan Event
	done      chan struct{}
	writeMu   sync.Mutex
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewWebSocketBridge wraps an established connection and starts reading.
func NewWebSocketBridge(conn *websocket.Conn, logger *zap.Logger) *WebSocketBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	bridge := &WebSocketBridge{
		conn:    conn,
		inbound: make(chan Event, bridgeInboundBuffer),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go bridge.readLoop()
	return bridge
}

// DialWebSocket connects to a daemon channel endpoint using a bearer token.
func DialWebSocket(ctx context.Context, url, token string, logger *zap.Logger) (*WebSocketBridge, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return NewWebSocketBridge(conn, logger), nil
}

// Send writes one event frame.
func (b *WebSocketBridge) Send(_ context.Context, event Event) error {
	select {
	case <-b.done:
		return errBridgeClosed
	default:
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.SetWriteDeadline(time.Now().Add(bridgeWriteWait)); err != nil {
		return err
	}
	return b.conn.WriteMessage(websocket.TextMessage, payload)
}

// Receive exposes inbound events. The channel closes when the peer goes away.
func (b *WebSocketBridge) Receive() <-chan Event {
	return b.inbound
}

// Close sends a close frame and releases the connection.
func (b *WebSocketBridge) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		close(b.done)
		b.writeMu.Lock()
		_ = b.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(bridgeWriteWait),
		)
		b.writeMu.Unlock()
		closeErr = b.conn.Close()
	})
	return closeErr
}

func (b *WebSocketBridge) readLoop() {
	defer close(b.inbound)
	for {
		_, message, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Warn("event channel read failed", zap.Error(err))
			}
			return
		}
		var event Event
		if err := json.Unmarshal(message, &event); err != nil {
			b.logger.Warn("event channel frame rejected", zap.Error(err))
			continue
		}
		select {
		case b.inbound <- event:
		case <-b.done:
			return
		}
	}
}
