package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Client wraps one live websocket connection. Outbound frames go through a
// buffered channel drained by a single write pump, which gives each
// connection FIFO delivery without ever blocking a sender.
type Client struct {
	id     uint64
	userID string

	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

// NewClient wraps an established connection. The owner binding and id are
// assigned by the registry at registration time.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// ID returns the registry-assigned connection identifier.
func (c *Client) ID() uint64 { return c.id }

// UserID returns the owner bound at registration time.
func (c *Client) UserID() string { return c.userID }

// TrySend queues a frame without blocking. It reports false when the client
// is closed or its buffer is full; the caller decides what a failed send
// means.
func (c *Client) TrySend(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close shuts the connection down. Safe to call more than once and from
// any goroutine.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// writePump drains the send buffer onto the wire and keeps the connection
// alive with pings. It owns all writes to the underlying connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.WithError(err).Debug("websocket write failed")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
