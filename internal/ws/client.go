package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"livemarket/internal/models"
)

// clientConn is one websocket connection. A single writer goroutine owns
// the socket; everything else hands it frames through send.
type clientConn struct {
	id      string
	user    models.User
	rawConn *websocket.Conn
	send    chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newClientConn(id string, user models.User, raw *websocket.Conn, buffer int) *clientConn {
	return &clientConn{
		id:      id,
		user:    user,
		rawConn: raw,
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
	}
}

func (c *clientConn) ID() string { return c.id }

// Enqueue queues frame for the writer. It never blocks: a full queue or a
// closed connection drops the frame.
func (c *clientConn) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *clientConn) write(mt int, data []byte) error {
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.rawConn.WriteMessage(mt, data)
}

// writePump drains send and keeps the peer alive with pings until the
// connection is closed from either side.
func (c *clientConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.rawConn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.write(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
