package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zulandar/switchyard/internal/logging"
	"go.uber.org/zap"
)

// Close codes sent to devices.
const (
	CloseReplaced         = 4000
	CloseAuthFailed       = 4001
	CloseHeartbeatTimeout = 4002
)

// DefaultMaxMessageSize bounds a single inbound frame.
const DefaultMaxMessageSize = 8 << 10

const writeWait = 10 * time.Second

// Conn is the subset of *websocket.Conn the gateway drives. WriteControl
// and Close may be called concurrently with the other methods.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
	Close() error
}

// client is one live device connection. Data frames go through send and are
// written by writePump only.
type client struct {
	deviceID string
	conn     Conn
	send     chan []byte
	done     chan struct{}
	alive    atomic.Bool
	once     sync.Once
	log      *zap.Logger
}

func newClient(deviceID string, conn Conn, buffer int, log *zap.Logger) *client {
	c := &client{
		deviceID: deviceID,
		conn:     conn,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		log:      logging.OrNop(log),
	}
	c.alive.Store(true)
	return c
}

// enqueue queues a frame for writing. It returns false if the connection is
// closed or its buffer is full.
func (c *client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.log.Warn("send buffer full", zap.String("device_id", c.deviceID))
		return false
	}
}

func (c *client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("write failed", zap.String("device_id", c.deviceID), zap.Error(err))
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

func (c *client) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// close sends a close frame with code (unless it is CloseAbnormalClosure,
// which is never sent on the wire) and closes the socket. Safe to call more
// than once.
func (c *client) close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		if code != websocket.CloseAbnormalClosure {
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		}
		c.conn.Close()
	})
}

func (c *client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
