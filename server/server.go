// Package server exposes a tabkv.DB over a WebSocket JSON protocol.
//
// Each text message is one request: {"id", "op", "tenantId", "tableId", ...}.
// Each response echoes the id and carries an HTTP-style status code:
// 404 for missing tables or rows, 409 for existing tables, 400 for invalid
// input, 403 for writes on a read-only server, 429 when the connection exceeds
// its rate limit and 500 for store failures. Requests are served at /ws.
// Tenant authorization is left to the caller.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/andreyvit/tabkv"
)

type WsRequest struct {
	ID     int           `json:"id"`
	Action RequestAction `json:"op"`
}

type Options struct {
	Logger *slog.Logger

	// RateLimit is the sustained number of requests per second allowed on
	// one connection; zero disables limiting.
	RateLimit float64
	Burst     int

	// ReadLimit caps the size of one request message.
	ReadLimit      int64
	RequestTimeout time.Duration
	CheckOrigin    func(r *http.Request) bool

	// ReadOnly rejects every action that writes.
	ReadOnly bool
}

type Server struct {
	db       *tabkv.DB
	logger   *slog.Logger
	limit    rate.Limit
	burst    int
	timeout  time.Duration
	readMax  int64
	readOnly bool
	upgrader websocket.Upgrader
}

func New(db *tabkv.DB, opt Options) *Server {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.CheckOrigin == nil {
		opt.CheckOrigin = func(r *http.Request) bool { return true }
	}
	if opt.ReadLimit == 0 {
		opt.ReadLimit = 4 * 1024 * 1024
	}
	s := &Server{
		db:       db,
		logger:   opt.Logger,
		limit:    rate.Inf,
		timeout:  opt.RequestTimeout,
		readMax:  opt.ReadLimit,
		readOnly: opt.ReadOnly,
		upgrader: websocket.Upgrader{
			WriteBufferSize: 1024 * 10,
			ReadBufferSize:  1024 * 10,
			CheckOrigin:     opt.CheckOrigin,
		},
	}
	if opt.RateLimit > 0 {
		s.limit = rate.Limit(opt.RateLimit)
		s.burst = max(opt.Burst, 1)
	}
	return s
}

// Handler serves /health and the WebSocket endpoint at /.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", s.ServeWS)
	return mux
}

func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("server: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.readMax)

	s.logger.Info("server: connection opened", "remote", r.RemoteAddr)
	defer s.logger.Info("server: connection closed", "remote", r.RemoteAddr)

	limiter := rate.NewLimiter(s.limit, s.burst)
	ctx := r.Context()
	for {
		mt, buf, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("server: read failed", "remote", r.RemoteAddr, "err", err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		var res Response
		if !limiter.Allow() {
			res = NewErrorResponse(http.StatusTooManyRequests, "Rate limit exceeded")
			res.ID = peekID(buf)
		} else {
			res = s.Handle(ctx, buf)
		}
		if err := conn.WriteJSON(res); err != nil {
			s.logger.Warn("server: write failed", "remote", r.RemoteAddr, "err", err)
			return
		}
	}
}

func peekID(buf []byte) int {
	var req WsRequest
	json.Unmarshal(buf, &req)
	return req.ID
}

// Handle runs one request message and returns its response.
func (s *Server) Handle(ctx context.Context, buf []byte) Response {
	var req WsRequest
	if err := json.Unmarshal(buf, &req); err != nil {
		return NewErrorResponse(http.StatusBadRequest, err.Error())
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	var res Response
	if s.readOnly && !req.Action.IsReadOnly() {
		res = NewErrorResponse(http.StatusForbidden, fmt.Sprintf("Action %q is not allowed on a read-only server", req.Action))
	} else {
		res = ActionHandler(ctx, s.db, req.Action, buf)
	}
	res.ID = req.ID

	level := slog.LevelDebug
	if res.Status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.LogAttrs(ctx, level, "server: request", slog.String("op", string(req.Action)), slog.Int("status", res.Status), slog.Duration("elapsed", time.Since(start)), slog.String("message", res.Message))
	return res
}
