// Package gateway terminates player websockets and routes pushes to them.
// Players connected to other processes are reached over Redis pub/sub.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"github.com/park285/pokechess/internal/obslog"
	"github.com/park285/pokechess/internal/protocol"
	"github.com/park285/pokechess/pkg/wire"
)

// Handler consumes inbound events and learns when a player has no socket left.
type Handler interface {
	Handle(ctx context.Context, c protocol.Conn, event string, data json.RawMessage) wire.Response
	Disconnected(ctx context.Context, playerID string)
}

type Options struct {
	// KeyPrefix namespaces the pub/sub channel and presence counters.
	KeyPrefix      string
	Instance       string
	PresenceTTL    time.Duration
	PingInterval   time.Duration
	ReadLimit      int64
	OriginPatterns []string
}

func (o Options) withDefaults() Options {
	if o.KeyPrefix == "" {
		o.KeyPrefix = "pc:"
	}
	if o.Instance == "" {
		o.Instance = uuid.NewString()
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 24 * time.Hour
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	return o
}

const (
	kindSend = "send"
	kindAsk  = "ask"
	kindAck  = "ack"

	// extra wait for an ack relayed through another process
	relaySlack = 250 * time.Millisecond
)

type envelope struct {
	Origin    string          `json:"origin"`
	Kind      string          `json:"kind"`
	To        []string        `json:"to,omitempty"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Reply     string          `json:"reply,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
}

type Hub struct {
	rdb     *redis.Client
	opts    Options
	channel string
	handler Handler

	mu      sync.RWMutex
	players map[string][]*Conn
	sockets map[*Conn]struct{}

	wg        sync.WaitGroup
	ready     chan struct{}
	readyOnce sync.Once
}

func NewHub(rdb *redis.Client, opts Options) *Hub {
	opts = opts.withDefaults()
	return &Hub{
		rdb:     rdb,
		opts:    opts,
		channel: opts.KeyPrefix + "gateway",
		players: make(map[string][]*Conn),
		sockets: make(map[*Conn]struct{}),
		ready:   make(chan struct{}),
	}
}

// Attach sets the event handler. It must be called before serving.
func (h *Hub) Attach(handler Handler) { h.handler = handler }

// Ready is closed once Run has subscribed to the relay channel.
func (h *Hub) Ready() <-chan struct{} { return h.ready }

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  h.opts.OriginPatterns,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Info("ws_accept_error", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	ws.SetReadLimit(h.opts.ReadLimit)

	c := newConn(r.Context(), h, ws)
	h.mu.Lock()
	h.sockets[c] = struct{}{}
	h.mu.Unlock()
	defer h.drop(c)

	go c.pingLoop(h.opts.PingInterval)
	c.readLoop(h.handler)
}

// drop forgets a finished socket.
func (h *Hub) drop(c *Conn) {
	c.closeWith(websocket.StatusNormalClosure, "")
	h.mu.Lock()
	delete(h.sockets, c)
	h.mu.Unlock()
	if id := c.PlayerID(); id != "" {
		h.release(id, c)
	}
}

func (h *Hub) presenceKey(playerID string) string {
	return h.opts.KeyPrefix + "presence:" + playerID
}

func (h *Hub) claim(playerID string, c *Conn) {
	h.mu.Lock()
	h.players[playerID] = append(h.players[playerID], c)
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	key := h.presenceKey(playerID)
	pipe := h.rdb.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, h.opts.PresenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		obslog.L().Warn("presence_incr_error", zap.String("player_id", playerID), zap.Error(err))
	}
}

// release drops c from playerID and reports the player gone when no socket
// remains on any process.
func (h *Hub) release(playerID string, c *Conn) {
	h.mu.Lock()
	list := h.players[playerID]
	found := false
	for i, x := range list {
		if x == c {
			list = append(list[:i:i], list[i+1:]...)
			found = true
			break
		}
	}
	if len(list) == 0 {
		delete(h.players, playerID)
	} else {
		h.players[playerID] = list
	}
	h.mu.Unlock()
	if !found {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	key := h.presenceKey(playerID)
	n, err := h.rdb.Decr(ctx, key).Result()
	if err != nil {
		obslog.L().Warn("presence_decr_error", zap.String("player_id", playerID), zap.Error(err))
		return
	}
	if n > 0 {
		return
	}
	_ = h.rdb.Del(ctx, key).Err()
	obslog.L().Info("player_offline", zap.String("player_id", playerID))
	if h.handler != nil {
		h.handler.Disconnected(context.Background(), playerID)
	}
}

func (h *Hub) local(playerID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*Conn(nil), h.players[playerID]...)
}

// Send pushes an unacknowledged event to every socket of each player.
func (h *Hub) Send(ctx context.Context, playerIDs []string, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	remote, err := h.deliver(ctx, playerIDs, event, raw)
	if len(remote) > 0 {
		perr := h.publish(ctx, h.channel, envelope{Kind: kindSend, To: remote, Event: event, Data: raw})
		err = errors.Join(err, perr)
	}
	return err
}

// deliver writes to local sockets and returns the players it could not reach.
func (h *Hub) deliver(ctx context.Context, playerIDs []string, event string, raw json.RawMessage) ([]string, error) {
	var g errgroup.Group
	var remote []string
	for _, id := range playerIDs {
		conns := h.local(id)
		if len(conns) == 0 {
			remote = append(remote, id)
			continue
		}
		for _, c := range conns {
			g.Go(func() error { return c.push(ctx, event, raw) })
		}
	}
	return remote, g.Wait()
}

// SendWithAck pushes to the player's newest socket and waits for its ack.
func (h *Hub) SendWithAck(ctx context.Context, playerID, event string, data any, timeout time.Duration) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if conns := h.local(playerID); len(conns) > 0 {
		return conns[len(conns)-1].request(ctx, event, raw, timeout)
	}
	return h.askRemote(ctx, playerID, event, raw, timeout)
}

func (h *Hub) askRemote(ctx context.Context, playerID, event string, raw json.RawMessage, timeout time.Duration) error {
	reply := h.channel + ":reply:" + uuid.NewString()
	sub := h.rdb.Subscribe(ctx, reply)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe reply: %w", err)
	}
	env := envelope{Kind: kindAsk, To: []string{playerID}, Event: event, Data: raw, Reply: reply, TimeoutMs: timeout.Milliseconds()}
	if err := h.publish(ctx, h.channel, env); err != nil {
		return err
	}
	t := time.NewTimer(timeout + relaySlack)
	defer t.Stop()
	select {
	case <-sub.Channel():
		return nil
	case <-t.C:
		return protocol.ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) publish(ctx context.Context, channel string, env envelope) error {
	env.Origin = h.opts.Instance
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := h.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", env.Kind, err)
	}
	return nil
}

// Run relays events published by other processes until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.rdb.Subscribe(ctx, h.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("gateway subscribe: %w", err)
	}
	h.readyOnce.Do(func() { close(h.ready) })
	obslog.L().Info("gateway_relay_started", zap.String("channel", h.channel), zap.String("instance", h.opts.Instance))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				obslog.L().Warn("gateway_bad_envelope", zap.Error(err))
				continue
			}
			if env.Origin == h.opts.Instance {
				continue
			}
			h.route(ctx, env)
		}
	}
}

func (h *Hub) route(ctx context.Context, env envelope) {
	switch env.Kind {
	case kindSend:
		if _, err := h.deliver(ctx, env.To, env.Event, env.Data); err != nil {
			obslog.L().Debug("relay_send_error", zap.String("event", env.Event), zap.Error(err))
		}
	case kindAsk:
		if len(env.To) != 1 {
			return
		}
		conns := h.local(env.To[0])
		if len(conns) == 0 {
			return
		}
		c := conns[len(conns)-1]
		timeout := time.Duration(env.TimeoutMs) * time.Millisecond
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			if err := c.request(ctx, env.Event, env.Data, timeout); err != nil {
				return
			}
			if err := h.publish(ctx, env.Reply, envelope{Kind: kindAck}); err != nil {
				obslog.L().Warn("relay_ack_error", zap.Error(err))
			}
		}()
	}
}

// Shutdown closes every socket and waits for relayed requests.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.sockets))
	for c := range h.sockets {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.closeWith(websocket.StatusGoingAway, "server shutdown")
	}
	h.wg.Wait()
}

// Connected reports how many sockets this process holds.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sockets)
}
