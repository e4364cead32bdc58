package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"plantpod-gateway/internal/data"
)

const (
	writeWait      = 10 * time.Second // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second // Time allowed to read the next pong message from the peer.
	maxMessageSize = 512              // Maximum message size allowed from peer.
)

type wsFrame struct {
	Type    string        `json:"type"`
	Payload data.Snapshot `json:"payload"`
}

// WebSocketTransport writes snapshots as JSON text frames and keep-alives as pings.
type WebSocketTransport struct {
	conn *websocket.Conn
	log  *zap.Logger

	mu        sync.Mutex
	closeOnce sync.Once
}

func NewWebSocketTransport(conn *websocket.Conn, log *zap.Logger) *WebSocketTransport {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocketTransport{conn: conn, log: log}
}

func (t *WebSocketTransport) SendSnapshot(snap data.Snapshot) error {
	msg, err := json.Marshal(wsFrame{Type: "snapshot", Payload: snap})
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

func (t *WebSocketTransport) SendKeepAlive() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close sends a close frame and drops the connection. Safe to call more than once.
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		err = t.conn.Close()
	})
	return err
}

// ReadPump drains the connection so control frames are processed, and calls onClose when
// the peer goes away or the connection is closed locally. Viewers never send data.
func (t *WebSocketTransport) ReadPump(onClose func()) {
	defer onClose()
	t.conn.SetReadLimit(maxMessageSize)
	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error { t.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		if _, _, err := t.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				t.log.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}
