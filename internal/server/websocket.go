package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ateliercollab/atelier-backend/internal/realtime"
)

const (
	socketWriteWait   = 10 * time.Second
	socketPongWait    = 60 * time.Second
	socketPingPeriod  = (socketPongWait * 9) / 10
	socketReadLimit   = 9 << 20 // headroom above the largest snapshot frame
	socketUpgradeSize = 4096
)

var socketUpgrader = websocket.Upgrader{
	ReadBufferSize:  socketUpgradeSize,
	WriteBufferSize: socketUpgradeSize,
	// Cross-origin policy is CORS-wildcard for the REST surface; the socket
	// carries its own bearer token, so origin adds nothing here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleSessionSocket upgrades the request and hands the connection to the
// realtime engine. The call blocks for the life of the socket.
func (h *httpHandler) handleSessionSocket(c *gin.Context) {
	identity, ok := h.requestIdentity(c)
	if !ok {
		return
	}
	sessionID := c.Param("id")

	socket, err := socketUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := newSocketConn(socket)
	err = h.engine.HandleConnection(c.Request.Context(), sessionID, identity.UserID, conn)
	if err != nil && !errors.Is(err, realtime.ErrJoinTimeout) {
		h.logger.Info("websocket session ended",
			zap.String("session_id", sessionID),
			zap.String("user_id", identity.UserID.String()),
			zap.Error(err))
	}
}

// socketConn adapts a gorilla websocket to the engine's Conn. The engine's
// write pump is the only WriteFrame caller, but the keepalive ticker also
// writes, so writes are serialized with a mutex.
type socketConn struct {
	socket    *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newSocketConn(socket *websocket.Conn) *socketConn {
	conn := &socketConn{socket: socket, done: make(chan struct{})}
	socket.SetReadLimit(socketReadLimit)
	_ = socket.SetReadDeadline(time.Now().Add(socketPongWait))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(socketPongWait))
	})
	go conn.keepalive()
	return conn
}

// ReadFrame returns the next binary frame. Text and other non-binary message
// types are not part of the protocol and are skipped.
func (c *socketConn) ReadFrame() ([]byte, error) {
	for {
		messageType, payload, err := c.socket.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		return payload, nil
	}
}

func (c *socketConn) WriteFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.socket.SetWriteDeadline(time.Now().Add(socketWriteWait))
	return c.socket.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *socketConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.socket.Close()
}

func (c *socketConn) keepalive() {
	ticker := time.NewTicker(socketPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.socket.SetWriteDeadline(time.Now().Add(socketWriteWait))
			err := c.socket.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
