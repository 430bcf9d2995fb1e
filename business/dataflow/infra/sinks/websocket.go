package sinks

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/fd1az/market-collector/business/dataflow/app"
	"github.com/fd1az/market-collector/business/dataflow/domain"
	"github.com/fd1az/market-collector/internal/apperror"
	"github.com/fd1az/market-collector/internal/logger"
)

// Ensure interface compliance.
var _ app.Sink = (*WebSocketSink)(nil)

// WebSocketSinkConfig holds WebSocket sink configuration.
type WebSocketSinkConfig struct {
	ID      string
	Channel string // subscription channel broadcasts are filtered by
}

// WebSocketSink fans messages out to pool connections subscribed to the
// configured channel. The wire envelope uses the message type as its own
// type, with the message fields and merged metadata as payload.
type WebSocketSink struct {
	config      WebSocketSinkConfig
	broadcaster app.Broadcaster
	logger      logger.LoggerInterface

	counters *app.SinkCounters
	closed   atomic.Bool
}

// NewWebSocketSink creates a WebSocket sink over a broadcaster.
func NewWebSocketSink(cfg WebSocketSinkConfig, broadcaster app.Broadcaster, log logger.LoggerInterface) *WebSocketSink {
	if cfg.ID == "" {
		cfg.ID = "websocket"
	}
	if cfg.Channel == "" {
		cfg.Channel = "marketData"
	}
	return &WebSocketSink{
		config:      cfg,
		broadcaster: broadcaster,
		logger:      log,
		counters:    app.NewSinkCounters(),
	}
}

func (s *WebSocketSink) ID() string         { return s.config.ID }
func (s *WebSocketSink) Type() app.SinkType { return app.SinkTypeWebSocket }

// Write broadcasts the message envelope on the sink's channel.
func (s *WebSocketSink) Write(ctx context.Context, msg *domain.MarketMessage, meta map[string]any) error {
	if s.closed.Load() {
		return apperror.New(apperror.CodeSinkError,
			apperror.WithContext("websocket sink closed"))
	}

	metadata := make(map[string]any, len(msg.Metadata)+len(meta)+2)
	for k, v := range msg.Metadata {
		metadata[k] = v
	}
	for k, v := range meta {
		metadata[k] = v
	}
	metadata[domain.MetaChannelID] = s.config.ID
	metadata[domain.MetaChannelType] = string(app.SinkTypeWebSocket)

	envelope, err := json.Marshal(struct {
		Type      domain.MessageType `json:"type"`
		Payload   any                `json:"payload"`
		Timestamp int64              `json:"timestamp"`
	}{
		Type: msg.Type,
		Payload: struct {
			Exchange   string             `json:"exchange"`
			Symbol     string             `json:"symbol"`
			Type       domain.MessageType `json:"type"`
			Timestamp  int64              `json:"timestamp"`
			ReceivedAt int64              `json:"received_at,omitempty"`
			Data       domain.Payload     `json:"data"`
			Metadata   map[string]any     `json:"metadata,omitempty"`
		}{
			Exchange:   msg.Exchange,
			Symbol:     msg.Symbol,
			Type:       msg.Type,
			Timestamp:  msg.Timestamp,
			ReceivedAt: msg.ReceivedAt,
			Data:       msg.Data,
			Metadata:   metadata,
		},
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		s.counters.ObserveWrite(time.Now(), err)
		return apperror.New(apperror.CodeSinkError,
			apperror.WithContext("encode envelope"), apperror.WithCause(err))
	}

	start := time.Now()
	_, err = s.broadcaster.BroadcastToChannel(ctx, s.config.Channel, envelope)
	s.counters.ObserveWrite(start, err)

	if err != nil {
		return apperror.Wrap(err, apperror.CodeSinkError, s.config.ID)
	}
	return nil
}

// Status reports the sink status.
func (s *WebSocketSink) Status() app.SinkStatus {
	return s.counters.Status(s.config.ID, app.SinkTypeWebSocket, !s.closed.Load())
}

// Close marks the sink closed; the pool outlives the sink.
func (s *WebSocketSink) Close() error {
	s.closed.Store(true)
	return nil
}
