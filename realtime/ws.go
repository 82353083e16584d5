package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendQueueSize  = 64
)

// NewUpgrader returns the websocket upgrader used by the /ws route. Origins
// are not checked here; the connection is authenticated by its token.
func NewUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
}

// wsConn pumps queued frames to a websocket. A connection whose queue is
// full is closed instead of stalling the room.
type wsConn struct {
	ws   *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws, out: make(chan []byte, sendQueueSize), done: make(chan struct{})}
}

// Send implements Sender.
func (c *wsConn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		c.close()
		return false
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Serve runs a websocket connection until it closes. Frames are handled in
// arrival order on the calling goroutine; writes happen on a second one.
func (c *Coordinator) Serve(ctx context.Context, ws *websocket.Conn, userID string) {
	conn := newWSConn(ws)
	s := NewSession(uuid.NewString(), userID, conn)
	logger := c.log.WithFields(log.Fields{"connection": s.ID, "user": userID})
	logger.Debug("websocket connected")

	go conn.writeLoop()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithError(err).Info("websocket closed unexpectedly")
			}
			break
		}
		if mt != websocket.TextMessage {
			continue
		}
		c.Handle(ctx, s, data)
	}
	conn.close()
	c.Disconnect(context.WithoutCancel(ctx), s)
	logger.Debug("websocket disconnected")
}
