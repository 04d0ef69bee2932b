package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/weiawesome/streamer-status/internal/metrics"
	"github.com/weiawesome/streamer-status/internal/protocol"
	"github.com/weiawesome/streamer-status/pkg/log"
)

// ErrStopped is returned when broadcasting after the hub has stopped.
var ErrStopped = errors.New("hub stopped")

// Eviction reasons.
const (
	ReasonClosed   = "closed"
	ReasonTimeout  = "timeout"
	ReasonSlow     = "slow"
	ReasonShutdown = "shutdown"
)

type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	SweepInterval  time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func (c *Config) withDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 75 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
}

type removal struct {
	client *Client
	reason string
}

// Hub tracks connected clients. The client map is only mutated by the
// run loop.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan removal
	broadcast  chan []byte
	mu         sync.RWMutex
	config     Config
	metrics    *metrics.Metrics
	now        func() time.Time
	done       chan struct{}
}

func NewHub(cfg Config, m *metrics.Metrics) *Hub {
	cfg.withDefaults()
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan removal, 64),
		broadcast:  make(chan []byte, 256),
		config:     cfg,
		metrics:    m,
		now:        time.Now,
		done:       make(chan struct{}),
	}
}

func (h *Hub) Config() Config { return h.config }

// Run owns the client map until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	ping := time.NewTicker(h.config.PingInterval)
	defer ping.Stop()
	sweep := time.NewTicker(h.config.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case c := <-h.register:
			h.add(c)

		case r := <-h.unregister:
			h.remove(r.client, r.reason)

		case data := <-h.broadcast:
			h.fanOut(data)

		case <-ping.C:
			h.pingAll()

		case <-sweep.C:
			h.sweep()
		}
	}
}

// Register admits a client and queues its greeting.
func (h *Hub) Register(c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.done:
		return ErrStopped
	}
}

// Unregister schedules removal of c. It is safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.scheduleRemoval(c, ReasonClosed)
}

// Broadcast serializes msg once and fans it out to every open client.
func (h *Hub) Broadcast(msg protocol.ServerMessage) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-h.done:
		return ErrStopped
	default:
	}
	select {
	case h.broadcast <- data:
		return nil
	case <-h.done:
		return ErrStopped
	}
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client returns a registered client by id.
func (h *Hub) Client(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

func (h *Hub) scheduleRemoval(c *Client, reason string) {
	select {
	case h.unregister <- removal{client: c, reason: reason}:
	case <-h.done:
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	n := len(h.clients)
	h.mu.Unlock()

	c.Touch(h.now())
	c.state.Store(int32(StateOpen))
	h.metrics.SetConnections(n)

	l := log.L()
	l.Debug().Str(log.FieldConnID, c.ID).Int("connections", n).Msg("client registered")

	data, err := protocol.Encode(protocol.Connected(c.ID))
	if err == nil && !c.enqueue(data) {
		h.remove(c, ReasonSlow)
	}
}

func (h *Hub) remove(c *Client, reason string) {
	h.mu.Lock()
	cur, ok := h.clients[c.ID]
	if ok && cur == c {
		delete(h.clients, c.ID)
	}
	n := len(h.clients)
	h.mu.Unlock()

	c.close()
	if !ok || cur != c {
		return
	}

	h.metrics.SetConnections(n)
	h.metrics.Evicted(reason)
	l := log.L()
	l.Debug().Str(log.FieldConnID, c.ID).Str("reason", reason).Int("connections", n).Msg("client removed")
}

// fanOut runs on the run loop, so reading the map needs no lock here.
// Clients that cannot take the message are removed after the pass.
func (h *Hub) fanOut(data []byte) {
	var failed []*Client
	for _, c := range h.clients {
		if !c.enqueue(data) {
			failed = append(failed, c)
		}
	}
	h.metrics.Broadcast()

	for _, c := range failed {
		l := log.L()
		l.Warn().Str(log.FieldConnID, c.ID).Msg("client send buffer full, dropping connection")
		h.remove(c, ReasonSlow)
	}
}

func (h *Hub) pingAll() {
	var failed []*Client
	for id, c := range h.clients {
		data, err := protocol.Encode(protocol.Ping(id))
		if err != nil {
			continue
		}
		if !c.enqueue(data) {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		l := log.L()
		l.Warn().Str(log.FieldConnID, c.ID).Msg("failed to queue ping, dropping connection")
		h.remove(c, ReasonSlow)
	}
}

func (h *Hub) sweep() {
	now := h.now()
	var stale []*Client
	for _, c := range h.clients {
		if now.Sub(c.LastSeen()) > h.config.PongTimeout {
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		l := log.L()
		l.Info().Str(log.FieldConnID, c.ID).Time("last_seen", c.LastSeen()).Msg("client heartbeat timed out")
		h.remove(c, ReasonTimeout)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.metrics.SetConnections(0)
}
