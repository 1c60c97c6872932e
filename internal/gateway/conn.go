package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/pokechess/internal/obslog"
	"github.com/park285/pokechess/internal/protocol"
	"github.com/park285/pokechess/pkg/wire"
)

var errClosed = errors.New("gateway: connection closed")

const writeTimeout = 10 * time.Second

// Conn is one client socket.
type Conn struct {
	hub *Hub
	ws  *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	seq atomic.Uint64

	mu       sync.Mutex
	playerID string
	pending  map[uint64]chan struct{}

	closeOnce sync.Once
}

func newConn(ctx context.Context, hub *Hub, ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(ctx)
	return &Conn{
		hub:     hub,
		ws:      ws,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[uint64]chan struct{}),
	}
}

func (c *Conn) PlayerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerID
}

// Bind ties the socket to playerID. Rebinding releases the previous player.
func (c *Conn) Bind(playerID string) {
	c.mu.Lock()
	prev := c.playerID
	if prev == playerID {
		c.mu.Unlock()
		return
	}
	c.playerID = playerID
	c.mu.Unlock()

	if prev != "" {
		c.hub.release(prev, c)
	}
	c.hub.claim(playerID, c)
}

// Close ends the socket with a policy violation.
func (c *Conn) Close(reason string) {
	c.closeWith(websocket.StatusPolicyViolation, reason)
}

func (c *Conn) closeWith(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close(code, reason)
	})
}

func (c *Conn) write(ctx context.Context, f wire.Frame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.ws, f)
}

func (c *Conn) push(ctx context.Context, event string, data json.RawMessage) error {
	return c.write(ctx, wire.Frame{Event: event, Data: data})
}

// request pushes an event that the client must ack within timeout.
func (c *Conn) request(ctx context.Context, event string, data json.RawMessage, timeout time.Duration) error {
	id := c.seq.Add(1)
	done := make(chan struct{})
	c.mu.Lock()
	c.pending[id] = done
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, wire.Frame{ID: id, Event: event, Data: data}); err != nil {
		return err
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		return protocol.ErrAckTimeout
	case <-c.ctx.Done():
		return errClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) resolve(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if done, ok := c.pending[id]; ok {
		delete(c.pending, id)
		close(done)
	}
}

// readLoop runs requests in arrival order and answers each with an ack frame.
func (c *Conn) readLoop(h Handler) {
	for {
		var f wire.Frame
		if err := wsjson.Read(c.ctx, c.ws, &f); err != nil {
			if websocket.CloseStatus(err) == -1 && c.ctx.Err() == nil {
				obslog.L().Debug("ws_read_error", zap.String("player_id", c.PlayerID()), zap.Error(err))
			}
			return
		}
		if f.Event == "" {
			if f.Ack != 0 {
				c.resolve(f.Ack)
			}
			continue
		}
		resp := h.Handle(c.ctx, c, f.Event, f.Data)
		if f.ID == 0 {
			continue
		}
		raw, err := json.Marshal(resp)
		if err != nil {
			obslog.L().Error("ws_encode_error", zap.String("event", f.Event), zap.Error(err))
			continue
		}
		if err := c.write(c.ctx, wire.Frame{Ack: f.ID, Data: raw}); err != nil {
			return
		}
	}
}

func (c *Conn) pingLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(c.ctx, 3*time.Second)
			err := c.ws.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				obslog.L().Info("ws_ping_failure", zap.String("player_id", c.PlayerID()))
				c.closeWith(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}
