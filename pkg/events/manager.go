package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// InitialFramesFunc supplies the frames a fresh subscriber should receive
// immediately after subscribing to a channel (current tree snapshot, current
// transfer state, accumulated log events). Set by the Broadcaster.
type InitialFramesFunc func(channel string) [][]byte

// ConnectionManager manages UI WebSocket connections and their channel
// subscriptions. Broadcasts never block the caller: each connection has a
// writer goroutine draining a per-channel pending map, and a newer frame for
// a channel replaces an undelivered older one.
type ConnectionManager struct {
	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// Channel subscriptions: channel → set of connection_ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	initialFrames InitialFramesFunc
	initialMu     sync.RWMutex

	writeTimeout time.Duration
}

// Connection represents a single WebSocket client.
//
// subscriptions is accessed only by the goroutine running HandleConnection's
// read loop and its deferred cleanup, so it needs no lock. pending/order are
// shared with broadcasting goroutines and guarded by sendMu.
type Connection struct {
	ID   string
	conn *websocket.Conn

	subscriptions map[string]bool

	sendMu  sync.Mutex
	pending map[string][]byte // channel → latest undelivered frame
	order   []string          // channels in first-arrival order
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewConnectionManager creates a ConnectionManager.
func NewConnectionManager(writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		connections:  make(map[string]*Connection),
		channels:     make(map[string]map[string]bool),
		writeTimeout: writeTimeout,
	}
}

// SetInitialFrames wires the fresh-subscriber state supplier. Called once
// during startup.
func (m *ConnectionManager) SetInitialFrames(fn InitialFramesFunc) {
	m.initialMu.Lock()
	defer m.initialMu.Unlock()
	m.initialFrames = fn
}

// HandleConnection manages the lifecycle of a single client connection.
// Blocks until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		conn:          conn,
		subscriptions: make(map[string]bool),
		pending:       make(map[string][]byte),
		wake:          make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	go m.writeLoop(c)

	m.sendJSON(c, "", map[string]string{
		"type":          TypeConnectionEstablished,
		"connection_id": connID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", connID, "error", err)
			continue
		}
		m.handleClientMessage(c, &msg)
	}
}

// Broadcast queues an event payload for all subscribers of a channel. Never
// blocks; a subscriber that has not drained its previous frame for this
// channel gets it replaced.
func (m *ConnectionManager) Broadcast(channel string, payload []byte) {
	m.channelMu.RLock()
	connIDs, exists := m.channels[channel]
	if !exists {
		m.channelMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(connIDs))
	for id := range connIDs {
		ids = append(ids, id)
	}
	m.channelMu.RUnlock()

	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		conn.queue(channel, payload)
	}
}

// ActiveConnections returns the count of active client connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount returns the number of subscribers for a channel.
// Unexported — used by tests to poll instead of sleeping.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return len(m.channels[channel])
}

func (m *ConnectionManager) handleClientMessage(c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			m.sendJSON(c, "", map[string]string{"type": TypeError, "message": "channel is required for subscribe"})
			return
		}
		m.subscribe(c, msg.Channel)
		m.sendJSON(c, "", map[string]string{
			"type":    TypeSubscriptionConfirmed,
			"channel": msg.Channel,
		})
		// Deliver current state so late subscribers start consistent.
		m.initialMu.RLock()
		fn := m.initialFrames
		m.initialMu.RUnlock()
		if fn != nil {
			for _, frame := range fn(msg.Channel) {
				c.queue(msg.Channel, frame)
			}
		}

	case "unsubscribe":
		if msg.Channel == "" {
			m.sendJSON(c, "", map[string]string{"type": TypeError, "message": "channel is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Channel)

	case "ping":
		m.sendJSON(c, "", map[string]string{"type": TypePong})
	}
}

func (m *ConnectionManager) subscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if _, exists := m.channels[channel]; !exists {
		m.channels[channel] = make(map[string]bool)
	}
	m.channels[channel][c.ID] = true
	m.channelMu.Unlock()

	c.subscriptions[channel] = true
}

func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if subs, exists := m.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
		}
	}
	m.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *ConnectionManager) unregisterConnection(c *Connection) {
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

// writeLoop drains a connection's pending frames in channel-arrival order.
// One goroutine per connection; exits when the connection context ends.
func (m *ConnectionManager) writeLoop(c *Connection) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}

		for {
			frame, ok := c.next()
			if !ok {
				break
			}
			if err := m.sendRaw(c, frame); err != nil {
				slog.Warn("Failed to send to WebSocket client",
					"connection_id", c.ID, "error", err)
				c.cancel()
				return
			}
		}
	}
}

// queue stores the frame as the channel's pending payload, replacing any
// undelivered predecessor (coalescing), and wakes the writer.
func (c *Connection) queue(channel string, payload []byte) {
	c.sendMu.Lock()
	if _, exists := c.pending[channel]; !exists {
		c.order = append(c.order, channel)
	}
	c.pending[channel] = payload
	c.sendMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest pending channel's frame.
func (c *Connection) next() ([]byte, bool) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if len(c.order) == 0 {
		return nil, false
	}
	channel := c.order[0]
	c.order = c.order[1:]
	frame := c.pending[channel]
	delete(c.pending, channel)
	return frame, true
}

// sendJSON marshals and queues a control message. An empty channel key makes
// control messages coalesce independently of data channels — each one gets a
// unique key so none are dropped.
func (m *ConnectionManager) sendJSON(c *Connection, channel string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if channel == "" {
		channel = "ctl:" + uuid.New().String()
	}
	c.queue(channel, data)
}

// sendRaw writes one frame with the configured write timeout.
func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}
