package pokeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/pokechess/pkg/wire"
)

var ErrSocketClosed = errors.New("pokeclient: socket closed")

// PushFunc receives server pushes. Acked pushes are acknowledged after it
// returns.
type PushFunc func(event string, data json.RawMessage)

type Socket struct {
	conn   *websocket.Conn
	onPush PushFunc

	seq     atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan wire.Response

	pingInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// DialSocket connects to the server's /ws endpoint.
func DialSocket(ctx context.Context, wsURL string, onPush PushFunc) (*Socket, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	s := &Socket{
		conn:         conn,
		onPush:       onPush,
		pending:      make(map[uint64]chan wire.Response),
		pingInterval: 30 * time.Second,
		stopCh:       make(chan struct{}),
	}
	s.rootCtx, s.rootCancel = context.WithCancel(context.Background())
	s.wg.Add(2)
	go s.listen()
	go s.pingLoop()
	return s, nil
}

// Request sends an event and waits for the server's answer.
func (s *Socket) Request(ctx context.Context, event string, data any) (wire.Response, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return wire.Response{}, fmt.Errorf("marshal %s: %w", event, err)
	}
	id := s.seq.Add(1)
	reply := make(chan wire.Response, 1)
	s.mu.Lock()
	s.pending[id] = reply
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, s.conn, wire.Frame{ID: id, Event: event, Data: raw}); err != nil {
		return wire.Response{}, err
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-s.stopCh:
		return wire.Response{}, ErrSocketClosed
	case <-ctx.Done():
		return wire.Response{}, ctx.Err()
	}
}

func (s *Socket) listen() {
	defer s.wg.Done()
	defer s.stop()
	for {
		var f wire.Frame
		if err := wsjson.Read(s.rootCtx, s.conn, &f); err != nil {
			return
		}
		if f.Event == "" {
			s.answer(f)
			continue
		}
		if s.onPush != nil {
			s.onPush(f.Event, f.Data)
		}
		if f.ID != 0 {
			if err := wsjson.Write(s.rootCtx, s.conn, wire.Frame{Ack: f.ID}); err != nil {
				return
			}
		}
	}
}

func (s *Socket) answer(f wire.Frame) {
	var resp wire.Response
	if err := json.Unmarshal(f.Data, &resp); err != nil {
		resp = wire.Err("undecodable reply")
	}
	s.mu.Lock()
	reply, ok := s.pending[f.Ack]
	s.mu.Unlock()
	if ok {
		reply <- resp
	}
}

func (s *Socket) pingLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(s.rootCtx, 3*time.Second)
			err := s.conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				s.stop()
				_ = s.conn.Close(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}

func (s *Socket) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Done is closed when the socket stops for any reason.
func (s *Socket) Done() <-chan struct{} { return s.stopCh }

func (s *Socket) Close(ctx context.Context) error {
	s.stop()
	_ = s.conn.Close(websocket.StatusNormalClosure, "close")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		s.rootCancel()
		return nil
	}
}
