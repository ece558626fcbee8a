package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/coderace/backend/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	sendQueueSize = 64
	writeWait     = 10 * time.Second
)

var (
	ErrConnClosed   = errors.New("ws: connection closed")
	ErrSlowConsumer = errors.New("ws: send queue full")
)

// Conn is one client websocket. Writes go through a buffered queue drained
// by a single writer goroutine; a client that cannot keep up is dropped.
type Conn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	log  zerolog.Logger

	mu    sync.Mutex
	users map[string]struct{}
}

func newConn(ws *websocket.Conn, logger zerolog.Logger) *Conn {
	c := &Conn{
		ws:    ws,
		send:  make(chan []byte, sendQueueSize),
		done:  make(chan struct{}),
		log:   logger,
		users: make(map[string]struct{}),
	}
	metrics.ConnectionOpened()
	go c.writePump()
	return c
}

// Send queues one text frame.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.log.Warn().Msg("client too slow, disconnecting")
		c.Close()
		return ErrSlowConsumer
	}
}

func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		metrics.ConnectionClosed()
	})
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) writePump() {
	defer c.ws.Close()
	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				c.Close()
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// track remembers a user id registered through this connection so it can
// be unregistered on close.
func (c *Conn) track(userID string) {
	c.mu.Lock()
	c.users[userID] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) trackedUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.users))
	for id := range c.users {
		ids = append(ids, id)
	}
	return ids
}
