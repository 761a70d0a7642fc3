package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"meterpay/backend/services/meter-server/internal/protocol"
	"meterpay/backend/services/meter-server/internal/session"
)

const (
	maxMessageSize = 1024 * 1024
	pongWait       = 60 * time.Second
	sendQueueSize  = 16
)

var errConnectionClosed = errors.New("ws: connection closed")

type outbound struct {
	data   []byte
	close  bool
	code   int
	reason string
}

// Connection is one client WebSocket. Writes go through a single pump so messages and
// the close frame leave in the order they were queued.
type Connection struct {
	id           string
	ws           *websocket.Conn
	handshake    session.Handshake
	send         chan outbound
	done         chan struct{}
	logger       *zap.Logger
	writeTimeout time.Duration
	onClose      func(id string)

	mu       sync.Mutex
	closing  bool
	shutOnce sync.Once
}

// NewConnection builds connection wrapper.
func NewConnection(id string, ws *websocket.Conn, handshake session.Handshake, writeTimeout time.Duration, logger *zap.Logger, onClose func(string)) *Connection {
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Second
	}
	return &Connection{
		id:           id,
		ws:           ws,
		handshake:    handshake,
		send:         make(chan outbound, sendQueueSize),
		done:         make(chan struct{}),
		logger:       logger,
		writeTimeout: writeTimeout,
		onClose:      onClose,
	}
}

// ID returns identifier.
func (c *Connection) ID() string {
	return c.id
}

// Handshake returns the upgrade request metadata.
func (c *Connection) Handshake() session.Handshake {
	return c.handshake
}

// Start configures keepalive and launches the write pump.
func (c *Connection) Start() {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.writePump()
}

// Read returns the next client frame.
func (c *Connection) Read() ([]byte, error) {
	_, message, err := c.ws.ReadMessage()
	if err != nil {
		select {
		case <-c.done:
			return nil, fmt.Errorf("%w: %v", session.ErrConnClosed, err)
		default:
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return nil, fmt.Errorf("%w: %v", session.ErrConnClosed, err)
		}
		return nil, err
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	return message, nil
}

// Send marshals v and queues it. It blocks while the queue is full.
func (c *Connection) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.enqueue(outbound{data: data})
}

// Close queues a close frame behind pending messages. CloseAbnormal tears the
// connection down without a close frame.
func (c *Connection) Close(code int, reason string) error {
	if err := c.enqueue(outbound{close: true, code: code, reason: reason}); err != nil && !errors.Is(err, errConnectionClosed) {
		return err
	}
	return nil
}

// Ping sends ping.
func (c *Connection) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.writeTimeout))
}

// Done is closed once the connection is torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) enqueue(item outbound) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return errConnectionClosed
	}
	if item.close {
		c.closing = true
	}
	c.mu.Unlock()

	select {
	case c.send <- item:
		return nil
	case <-c.done:
		return errConnectionClosed
	}
}

func (c *Connection) writePump() {
	for {
		select {
		case <-c.done:
			return
		case item := <-c.send:
			if item.close {
				if item.code != protocol.CloseAbnormal {
					frame := websocket.FormatCloseMessage(item.code, item.reason)
					if err := c.write(websocket.CloseMessage, frame); err != nil {
						c.logger.Debug("failed to write close frame", zap.String("conn_id", c.id), zap.Error(err))
					}
				}
				c.shutdown()
				return
			}
			if err := c.write(websocket.TextMessage, item.data); err != nil {
				c.logger.Info("connection write failed", zap.String("conn_id", c.id), zap.Error(err))
				c.shutdown()
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

func (c *Connection) shutdown() {
	c.shutOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
		if c.onClose != nil {
			c.onClose(c.id)
		}
	})
}
