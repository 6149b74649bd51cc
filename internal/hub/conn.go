package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marquee-dev/marquee/internal/protocol"
)

var (
	// ErrConnClosed is returned by Send after Close.
	ErrConnClosed = errors.New("hub: connection closed")
	// ErrSendBufferFull is returned when a peer cannot keep up with its
	// outbound queue. The caller decides whether to drop it.
	ErrSendBufferFull = errors.New("hub: send buffer full")
)

const sendBufferSize = 256

// Conn wraps one websocket connection with a buffered outbound queue and a
// single writer goroutine, so many routing goroutines can send to the same
// peer without interleaving frames.
type Conn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	writeTimeout time.Duration
	pingInterval time.Duration
}

func newConn(ws *websocket.Conn, writeTimeout, pingInterval time.Duration) *Conn {
	c := &Conn{
		ws:           ws,
		send:         make(chan []byte, sendBufferSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
	}
	go c.writePump()
	return c
}

// Send queues one envelope for delivery. It never blocks: a full buffer is
// reported as ErrSendBufferFull.
func (c *Conn) Send(event string, payload any) error {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close tears down the connection. Safe to call more than once and from
// any goroutine.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
