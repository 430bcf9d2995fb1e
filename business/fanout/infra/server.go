// Package infra contains the WebSocket server exposing the fan-out pool to
// clients.
package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/fd1az/market-collector/business/fanout/app"
	"github.com/fd1az/market-collector/business/fanout/domain"
	"github.com/fd1az/market-collector/internal/logger"
	"github.com/fd1az/market-collector/internal/ratelimit"
)

// ServerConfig holds WebSocket server configuration.
type ServerConfig struct {
	ListenAddr       string
	Path             string // default /ws
	InboundRateLimit int    // client messages per minute, 0 = unlimited
	ReadLimit        int64  // max inbound frame bytes
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig(addr string) ServerConfig {
	return ServerConfig{
		ListenAddr:       addr,
		Path:             "/ws",
		InboundRateLimit: 120,
		ReadLimit:        64 * 1024,
	}
}

// Server accepts WebSocket clients, admits them into the pool and speaks
// the client protocol: ping, subscribe/unsubscribe, stats and snapshots.
type Server struct {
	config    ServerConfig
	pool      *app.Pool
	stats     app.SystemStatsProvider
	snapshots app.SnapshotSource
	logger    logger.LoggerInterface

	httpServer *http.Server
}

// NewServer creates the WebSocket server. stats and snapshots may be nil;
// the matching requests then answer with an error envelope.
func NewServer(cfg ServerConfig, pool *app.Pool, stats app.SystemStatsProvider, snapshots app.SnapshotSource, log logger.LoggerInterface) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 64 * 1024
	}
	return &Server{
		config:    cfg,
		pool:      pool,
		stats:     stats,
		snapshots: snapshots,
		logger:    log,
	}
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleWS)

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(context.Background(), "websocket server failed", "error", err)
		}
	}()

	s.logger.Info(ctx, "websocket server started",
		"addr", s.config.ListenAddr, "path", s.config.Path)
	return nil
}

// Stop shuts the HTTP listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleWS upgrades the request and runs the connection's read loop.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug(r.Context(), "websocket accept failed", "error", err)
		return
	}
	sock.SetReadLimit(s.config.ReadLimit)

	id := uuid.NewString()

	if !s.pool.Add(id, &wsSocket{conn: sock}, map[string]any{
		"remote_addr": r.RemoteAddr,
		"user_agent":  r.UserAgent(),
	}) {
		sock.Close(websocket.StatusPolicyViolation, "pool full")
		return
	}

	// Accept returned, so the socket is open.
	s.pool.MarkOpen(id)

	conn, _ := s.pool.Get(id)
	s.send(conn, domain.TypeWelcome, domain.WelcomePayload{
		ConnectionID: id,
		ServerTime:   time.Now().UnixMilli(),
	})

	s.readLoop(r.Context(), conn, sock)
}

// readLoop handles inbound client messages until the socket dies. The
// subscription set is mutated only here and by cleanup.
func (s *Server) readLoop(ctx context.Context, conn *app.Conn, sock *websocket.Conn) {
	var limiter *ratelimit.Limiter
	if s.config.InboundRateLimit > 0 {
		limiter = ratelimit.New(s.config.InboundRateLimit)
	}

	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			reason := "read error"
			if websocket.CloseStatus(err) != -1 {
				reason = "client closed"
			}
			s.pool.Remove(conn.ID, reason)
			return
		}

		conn.Touch()

		if limiter != nil && !limiter.Allow() {
			s.sendError(conn, "RATE_LIMIT_EXCEEDED", "too many messages")
			continue
		}

		var msg domain.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(conn, "INVALID_FORMAT", "malformed message")
			continue
		}

		s.handleClientMessage(ctx, conn, msg)
	}
}

func (s *Server) handleClientMessage(ctx context.Context, conn *app.Conn, msg domain.ClientMessage) {
	switch msg.Type {
	case domain.TypePing:
		s.send(conn, domain.TypePong, nil)

	case domain.TypeSubscribe:
		channels, err := parseChannels(msg.Payload)
		if err != nil || len(channels) == 0 {
			s.sendError(conn, "INVALID_INPUT", "subscribe requires channel or channels")
			return
		}
		for _, ch := range channels {
			conn.Subscriptions().Add(ch)
		}
		s.send(conn, domain.TypeSubscribed, map[string]any{"channels": channels})

	case domain.TypeUnsubscribe:
		channels, err := parseChannels(msg.Payload)
		if err != nil || len(channels) == 0 {
			s.sendError(conn, "INVALID_INPUT", "unsubscribe requires channel or channels")
			return
		}
		for _, ch := range channels {
			conn.Subscriptions().Remove(ch)
		}
		s.send(conn, domain.TypeUnsubscribed, map[string]any{"channels": channels})

	case domain.TypeGetStats:
		s.send(conn, domain.TypeStats, conn.Stats())

	case domain.TypeGetSystemStats:
		if s.stats == nil {
			s.sendError(conn, "SERVICE_UNAVAILABLE", "system stats not available")
			return
		}
		s.send(conn, domain.TypeSystemStats, map[string]any{
			"engine": s.stats.Stats(),
			"pool":   s.pool.Stats(),
		})

	case domain.TypeRequestSnapshot:
		s.handleSnapshot(ctx, conn, msg.Payload)

	default:
		s.sendError(conn, "INVALID_INPUT", fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (s *Server) handleSnapshot(ctx context.Context, conn *app.Conn, payload json.RawMessage) {
	if s.snapshots == nil {
		s.sendError(conn, "SERVICE_UNAVAILABLE", "snapshots not available")
		return
	}

	var req domain.SnapshotPayload
	if err := json.Unmarshal(payload, &req); err != nil || req.Exchange == "" {
		s.sendError(conn, "INVALID_INPUT", "requestSnapshot requires exchange and symbols")
		return
	}

	snapCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	entries, err := s.snapshots.Snapshot(snapCtx, req.Exchange, req.Symbols)
	if err != nil {
		s.logger.Warn(ctx, "snapshot fetch failed", "exchange", req.Exchange, "error", err)
		s.sendError(conn, "INTERNAL_ERROR", "snapshot fetch failed")
		return
	}

	s.send(conn, domain.TypeSnapshot, map[string]any{
		"exchange": req.Exchange,
		"entries":  entries,
		"count":    len(entries),
	})
}

// send enqueues one envelope on the connection's serialized writer.
func (s *Server) send(conn *app.Conn, envelopeType string, payload any) {
	data, err := json.Marshal(domain.Envelope{
		Type:      envelopeType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		s.logger.Error(context.Background(), "envelope marshal failed",
			"type", envelopeType, "error", err)
		return
	}
	conn.Enqueue(data)
}

func (s *Server) sendError(conn *app.Conn, code, message string) {
	s.send(conn, domain.TypeError, domain.ErrorPayload{Code: code, Message: message})
}

func parseChannels(payload json.RawMessage) ([]string, error) {
	var p domain.SubscribePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	return p.All(), nil
}

// wsSocket adapts a coder/websocket connection to the pool socket port.
type wsSocket struct {
	conn *websocket.Conn
}

func (w *wsSocket) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsSocket) Ping(ctx context.Context) error {
	return w.conn.Ping(ctx)
}

func (w *wsSocket) Close(reason string) error {
	return w.conn.Close(websocket.StatusNormalClosure, reason)
}
