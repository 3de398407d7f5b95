package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dhruvalgolakiya/taskdex-sub000/shared/logger"
	"github.com/dhruvalgolakiya/taskdex-sub000/shared/wire"
)

const (
	writeWait   = 10 * time.Second
	sendBufSize = 256
)

// clientConn is one WebSocket connection. After auth every write goes through
// the out queue and is performed by writePump.
type clientConn struct {
	id          string
	ws          *websocket.Conn
	connectedAt time.Time

	// clientID is set once during auth, before the connection is shared.
	clientID string

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClientConn(ws *websocket.Conn) *clientConn {
	return &clientConn{
		id:          uuid.NewString(),
		ws:          ws,
		connectedAt: time.Now(),
		out:         make(chan []byte, sendBufSize),
		done:        make(chan struct{}),
	}
}

// writeDirect writes a frame synchronously. Only used before writePump runs.
func (c *clientConn) writeDirect(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

// rejectAuth reports an auth failure and closes with the auth close code.
func (c *clientConn) rejectAuth(requestID string, reason string) {
	_ = c.writeDirect(wire.Response{
		Type:      wire.TypeError,
		Action:    wire.ActionAuth,
		RequestID: requestID,
		Error:     reason,
	})
	msg := websocket.FormatCloseMessage(wire.CloseAuthFailed, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.close()
}

// enqueue queues a frame. A client that cannot keep up is disconnected.
func (c *clientConn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		logger.Warnf("[gateway] client %s send queue full, disconnecting", c.clientID)
		c.close()
		return false
	}
}

func (c *clientConn) sendJSON(v any) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		logger.Errorf("[gateway] marshal frame: %v", err)
		return false
	}
	return c.enqueue(raw)
}

func (c *clientConn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case frame := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
