package rawws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 5 << 20
)

var (
	errClosed       = errors.New("connection closed")
	errSlowConsumer = errors.New("send buffer full")
)

// Frame is the JSON envelope for both directions. Inbound frames use the
// event names of the socket.io transport as Type.
type Frame struct {
	Type     string `json:"type"`
	LetterID string `json:"letterId,omitempty"`
	Content  string `json:"content,omitempty"`
	Data     any    `json:"data,omitempty"`
}

// wsConn adapts a gorilla connection to collab.Conn. Rooms emit while holding
// their lock, so Emit only enqueues; a reader that falls a full buffer
// behind is disconnected.
type wsConn struct {
	id   string
	conn *websocket.Conn
	send chan Frame

	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(id string, conn *websocket.Conn) *wsConn {
	return &wsConn{
		id:   id,
		conn: conn,
		send: make(chan Frame, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Emit(event string, args ...any) error {
	frame := Frame{Type: event}
	if len(args) > 0 {
		if content, ok := args[0].(string); ok {
			frame.Content = content
		} else {
			frame.Data = args[0]
		}
	}
	return c.enqueue(frame)
}

func (c *wsConn) enqueue(frame Frame) error {
	select {
	case <-c.done:
		return errClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errClosed
	default:
		c.close()
		return errSlowConsumer
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
