// Package httpapi serves the stateless HTTP endpoints: room creation, join
// code resolution, leaving and health.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/pokechess/internal/directory"
	"github.com/park285/pokechess/internal/obslog"
	"github.com/park285/pokechess/pkg/wire"
)

// Rooms is the room lifecycle the endpoints drive.
type Rooms interface {
	CreateRoom(ctx context.Context, req wire.CreateRoomRequest) (*wire.RoomTicket, error)
	ResolveRoom(ctx context.Context, req wire.JoinByCodeRequest) (*wire.RoomTicket, error)
	Leave(ctx context.Context, id wire.Identity) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	rooms   Rooms
	health  Pinger
	timeout time.Duration
	origin  string
	stats   func() wire.Health
	srv     *fasthttp.Server
}

type Option func(*Server)

// WithRequestTimeout bounds the work done per request.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// WithAllowedOrigin sets the CORS origin header; empty disables it.
func WithAllowedOrigin(origin string) Option {
	return func(s *Server) { s.origin = origin }
}

// WithStats adds process counters to the /healthz payload.
func WithStats(fn func() wire.Health) Option {
	return func(s *Server) { s.stats = fn }
}

func New(rooms Rooms, health Pinger, opts ...Option) *Server {
	s := &Server{rooms: rooms, health: health, timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = &fasthttp.Server{
		Handler:            s.Handle,
		Name:               "pokechess",
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       10 * time.Second,
		MaxRequestBodySize: 16 << 10,
	}
	return s
}

func (s *Server) Serve(ln net.Listener) error { return s.srv.Serve(ln) }

func (s *Server) ListenAndServe(addr string) error { return s.srv.ListenAndServe(addr) }

func (s *Server) Shutdown(ctx context.Context) error { return s.srv.ShutdownWithContext(ctx) }

// Handle routes one request.
func (s *Server) Handle(rc *fasthttp.RequestCtx) {
	if s.origin != "" {
		rc.Response.Header.Set("Access-Control-Allow-Origin", s.origin)
		rc.Response.Header.Set("Access-Control-Allow-Headers", "Content-Type")
		rc.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	}
	if rc.IsOptions() {
		rc.SetStatusCode(fasthttp.StatusNoContent)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	path := string(rc.Path())
	switch {
	case path == "/healthz" && rc.IsGet():
		s.healthz(ctx, rc)
	case path == "/rooms" && rc.IsPost():
		var req wire.CreateRoomRequest
		if !decode(rc, &req) {
			return
		}
		ticket, err := s.rooms.CreateRoom(ctx, req)
		s.reply(rc, ticket, err)
	case path == "/rooms/join" && rc.IsPost():
		var req wire.JoinByCodeRequest
		if !decode(rc, &req) {
			return
		}
		ticket, err := s.rooms.ResolveRoom(ctx, req)
		s.reply(rc, ticket, err)
	case path == "/rooms/leave" && rc.IsPost():
		var req wire.Identity
		if !decode(rc, &req) {
			return
		}
		s.reply(rc, nil, s.rooms.Leave(ctx, req))
	default:
		writeJSON(rc, fasthttp.StatusNotFound, wire.Err("not found"))
	}
}

func (s *Server) healthz(ctx context.Context, rc *fasthttp.RequestCtx) {
	if s.health != nil {
		if err := s.health.Ping(ctx); err != nil {
			obslog.L().Warn("healthz_failed", zap.Error(err))
			writeJSON(rc, fasthttp.StatusServiceUnavailable, wire.Err("store unavailable"))
			return
		}
	}
	var h wire.Health
	if s.stats != nil {
		h = s.stats()
	}
	s.reply(rc, h, nil)
}

func decode(rc *fasthttp.RequestCtx, v any) bool {
	if err := json.Unmarshal(rc.PostBody(), v); err != nil {
		writeJSON(rc, fasthttp.StatusBadRequest, wire.Err("malformed body"))
		return false
	}
	return true
}

func (s *Server) reply(rc *fasthttp.RequestCtx, data any, err error) {
	if err != nil {
		status := statusFor(err)
		if status == fasthttp.StatusInternalServerError {
			obslog.L().Error("http_action_error", zap.String("path", string(rc.Path())), zap.Error(err))
			writeJSON(rc, status, wire.Err("internal error"))
			return
		}
		writeJSON(rc, status, wire.Err(err.Error()))
		return
	}
	resp := wire.OK()
	if data != nil {
		resp.Data = data
	}
	writeJSON(rc, fasthttp.StatusOK, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, directory.ErrInvalidArgs):
		return fasthttp.StatusBadRequest
	case errors.Is(err, directory.ErrSecretMismatch), errors.Is(err, directory.ErrRoomCode):
		return fasthttp.StatusUnauthorized
	case errors.Is(err, directory.ErrPlayerNotFound), errors.Is(err, directory.ErrRoomNotFound):
		return fasthttp.StatusNotFound
	case errors.Is(err, directory.ErrRoomFull), errors.Is(err, directory.ErrGameOngoing):
		return fasthttp.StatusConflict
	}
	return fasthttp.StatusInternalServerError
}

func writeJSON(rc *fasthttp.RequestCtx, status int, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		rc.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	rc.SetStatusCode(status)
	rc.SetContentType("application/json")
	rc.SetBody(raw)
}
