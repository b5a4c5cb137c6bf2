package instances

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// ErrInstanceUnavailable is returned when an RPC targets an instance with no
// live connection.
var ErrInstanceUnavailable = errors.New("instance not connected")

// EventHandler receives instance-initiated events. Wired during startup;
// the orchestrator and export store sit behind it.
type EventHandler interface {
	HandlePlatformExport(ev PlatformExportEvent)
	HandleTransferValidation(ev TransferValidationEvent)
}

// RPC is the request surface the orchestrator and platform tree consume.
type RPC interface {
	// Request sends a correlated request frame and waits for the matching
	// response, bounded by ctx.
	Request(ctx context.Context, instanceID int, msgType string, payload any) (json.RawMessage, error)

	// Notify sends a fire-and-forget frame (cosmetic status updates).
	Notify(instanceID int, msgType string, payload any) error
}

// Router owns all instance WebSocket connections: it registers instances on
// hello, correlates request/response frames by seq, and dispatches event
// frames to the handler.
type Router struct {
	registry *Registry

	handlerMu sync.RWMutex
	handler   EventHandler

	writeTimeout time.Duration
}

// NewRouter creates a Router over the given registry.
func NewRouter(registry *Registry, writeTimeout time.Duration) *Router {
	return &Router{registry: registry, writeTimeout: writeTimeout}
}

// SetHandler wires the event handler. Called once during startup after the
// orchestrator exists.
func (r *Router) SetHandler(h EventHandler) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	r.handler = h
}

// connection is one live instance WebSocket.
type connection struct {
	instanceID int
	conn       *websocket.Conn
	ctx        context.Context

	writeTimeout time.Duration

	seq     atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan Frame
}

// HandleConnection manages one instance connection: it expects a hello frame
// first, registers the instance, then routes frames until the socket closes.
// Blocks for the connection's lifetime.
func (r *Router) HandleConnection(parentCtx context.Context, wsConn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	var hello Hello
	_, data, err := wsConn.Read(ctx)
	if err != nil {
		return
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != MsgHello {
		slog.Warn("Instance connection did not start with hello, closing")
		wsConn.Close(websocket.StatusPolicyViolation, "hello expected")
		return
	}
	if err := json.Unmarshal(frame.Data, &hello); err != nil || hello.InstanceID <= 0 {
		slog.Warn("Malformed instance hello", "error", err)
		wsConn.Close(websocket.StatusPolicyViolation, "malformed hello")
		return
	}

	c := &connection{
		instanceID:   hello.InstanceID,
		conn:         wsConn,
		ctx:          ctx,
		writeTimeout: r.writeTimeout,
		pending:      make(map[int64]chan Frame),
	}
	r.registry.register(hello.InstanceID, hello.InstanceName, c)
	slog.Info("Instance connected",
		"instance_id", hello.InstanceID, "instance_name", hello.InstanceName)

	defer func() {
		r.registry.markDisconnected(hello.InstanceID, c)
		c.failPending()
		wsConn.Close(websocket.StatusNormalClosure, "")
		slog.Info("Instance disconnected", "instance_id", hello.InstanceID)
	}()

	for {
		_, data, err := wsConn.Read(ctx)
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("Invalid frame from instance",
				"instance_id", hello.InstanceID, "error", err)
			continue
		}
		r.dispatch(c, f)
	}
}

func (r *Router) dispatch(c *connection, f Frame) {
	switch f.Type {
	case MsgResponse:
		c.resolve(f)

	case MsgPlatformExport:
		var ev PlatformExportEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			slog.Warn("Malformed platform export event",
				"instance_id", c.instanceID, "error", err)
			return
		}
		if h := r.currentHandler(); h != nil {
			h.HandlePlatformExport(ev)
		}

	case MsgTransferValidation:
		var ev TransferValidationEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			slog.Warn("Malformed transfer validation event",
				"instance_id", c.instanceID, "error", err)
			return
		}
		if h := r.currentHandler(); h != nil {
			h.HandleTransferValidation(ev)
		}

	default:
		slog.Warn("Unknown frame type from instance",
			"instance_id", c.instanceID, "type", f.Type)
	}
}

func (r *Router) currentHandler() EventHandler {
	r.handlerMu.RLock()
	defer r.handlerMu.RUnlock()
	return r.handler
}

// Request implements RPC.
func (r *Router) Request(ctx context.Context, instanceID int, msgType string, payload any) (json.RawMessage, error) {
	c, ok := r.registry.connectionFor(instanceID)
	if !ok {
		return nil, fmt.Errorf("instance %d: %w", instanceID, ErrInstanceUnavailable)
	}
	return c.request(ctx, msgType, payload)
}

// Notify implements RPC.
func (r *Router) Notify(instanceID int, msgType string, payload any) error {
	c, ok := r.registry.connectionFor(instanceID)
	if !ok {
		return fmt.Errorf("instance %d: %w", instanceID, ErrInstanceUnavailable)
	}
	return c.write(Frame{Type: msgType, Data: marshalData(payload)})
}

func (c *connection) request(ctx context.Context, msgType string, payload any) (json.RawMessage, error) {
	seq := c.seq.Add(1)
	ch := make(chan Frame, 1)

	c.mu.Lock()
	c.pending[seq] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	if err := c.write(Frame{Seq: seq, Type: msgType, Data: marshalData(payload)}); err != nil {
		return nil, err
	}

	select {
	case f := <-ch:
		if f.Error != "" {
			return nil, fmt.Errorf("instance %d rpc %s: %s", c.instanceID, msgType, f.Error)
		}
		return f.Data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("instance %d rpc %s: %w", c.instanceID, msgType, ctx.Err())
	case <-c.ctx.Done():
		return nil, fmt.Errorf("instance %d rpc %s: %w", c.instanceID, msgType, ErrInstanceUnavailable)
	}
}

// resolve delivers a response frame to the waiter registered for its seq.
// Late responses after a timeout are dropped.
func (c *connection) resolve(f Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.Seq]
	if ok {
		delete(c.pending, f.Seq)
	}
	c.mu.Unlock()
	if ok {
		ch <- f
	}
}

// failPending unblocks every in-flight request when the connection dies.
// Waiters observe c.ctx.Done via request's select; this just drops the map.
func (c *connection) failPending() {
	c.mu.Lock()
	c.pending = make(map[int64]chan Frame)
	c.mu.Unlock()
}

func (c *connection) write(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func marshalData(payload any) json.RawMessage {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal RPC payload", "error", err)
		return nil
	}
	return data
}
