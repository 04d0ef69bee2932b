package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/streamer-status/pkg/log"
)

// State is the lifecycle of a client connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is one websocket subscriber.
type Client struct {
	ID   string
	Hub  *Hub
	Conn *websocket.Conn
	Send chan []byte

	lastSeen  atomic.Int64
	state     atomic.Int32
	closeOnce sync.Once
}

// NewClient creates a client with a fresh time-ordered id. conn may be nil
// for clients that are drained directly from Send.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	c := &Client{
		ID:   id.String(),
		Hub:  hub,
		Conn: conn,
		Send: make(chan []byte, hub.config.SendBuffer),
	}
	c.state.Store(int32(StateConnecting))
	c.Touch(hub.now())
	return c
}

func (c *Client) State() State { return State(c.state.Load()) }

// LastSeen returns the time of the last inbound message.
func (c *Client) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Touch records inbound activity.
func (c *Client) Touch(t time.Time) {
	c.lastSeen.Store(t.UnixNano())
}

// enqueue hands data to the write pump without blocking.
func (c *Client) enqueue(data []byte) bool {
	if c.State() != StateOpen {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// close closes the send channel exactly once. Only the hub's run loop
// calls it, so no send can race with it.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		close(c.Send)
	})
}

// ReadPump reads inbound frames until the connection fails, passing each
// to handler. It unregisters the client on exit.
func (c *Client) ReadPump(handler func(*Client, []byte)) {
	cfg := c.Hub.config
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(cfg.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Touch(c.Hub.now())
		return c.Conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l := log.L()
				l.Debug().Err(err).Str(log.FieldConnID, c.ID).Msg("websocket read error")
			}
			return
		}

		c.Touch(c.Hub.now())
		c.Conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		handler(c, message)
	}
}

// WritePump drains Send to the connection. A closed Send channel ends
// the connection with a close frame.
func (c *Client) WritePump() {
	cfg := c.Hub.config
	defer func() {
		c.state.Store(int32(StateClosed))
		c.Conn.Close()
	}()

	for message := range c.Send {
		c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
		w, err := c.Conn.NextWriter(websocket.TextMessage)
		if err != nil {
			c.Hub.Unregister(c)
			return
		}
		w.Write(message)
		if err := w.Close(); err != nil {
			c.Hub.Unregister(c)
			return
		}
	}

	c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
	c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
