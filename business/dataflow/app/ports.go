// Package app contains application services and port definitions for the
// dataflow context.
package app

import (
	"context"
	"time"

	"github.com/fd1az/market-collector/business/dataflow/domain"
)

// SinkType identifies the concrete kind of a sink.
type SinkType string

const (
	SinkTypePublish   SinkType = "publish"
	SinkTypeWebSocket SinkType = "websocket"
	SinkTypeCache     SinkType = "cache"
	SinkTypeBatch     SinkType = "batch"
)

// Health is the derived health of a sink.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// SinkStatus is a point-in-time view of a sink.
type SinkStatus struct {
	ID           string        `json:"id"`
	Type         SinkType      `json:"type"`
	Enabled      bool          `json:"enabled"`
	Health       Health        `json:"health"`
	MessagesSent int64         `json:"messages_sent"`
	Errors       int64         `json:"errors"`
	LatencyP50   time.Duration `json:"latency_p50"`
	LatencyP95   time.Duration `json:"latency_p95"`
	LatencyP99   time.Duration `json:"latency_p99"`
}

// Sink is a named destination for market messages. Write errors are
// returned, never thrown across the interface; Close flushes buffered
// state and is idempotent.
type Sink interface {
	ID() string
	Type() SinkType
	Write(ctx context.Context, msg *domain.MarketMessage, meta map[string]any) error
	Status() SinkStatus
	Close() error
}

// BrokerPublisher is the broker client contract (out-of-process broker;
// specified only by this interface).
type BrokerPublisher interface {
	Publish(ctx context.Context, topic string, payload []byte, attributes map[string]string) error
}

// Broadcaster delivers an envelope to every pool connection subscribed to
// the channel and reports how many connections received it.
type Broadcaster interface {
	BroadcastToChannel(ctx context.Context, channel string, envelope []byte) (int, error)
}

// CacheStore is the last-write-wins key/value contract used by the cache
// sink.
type CacheStore interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Transformer is one step of the transform chain. Transform may rewrite
// the message in place or reject it with a validation error.
type Transformer interface {
	Name() string
	Transform(ctx context.Context, msg *domain.MarketMessage) error
	Stats() TransformStats
}

// TransformStats are the counters each transformer maintains.
type TransformStats struct {
	Transformed  int64     `json:"transformed"`
	Errors       int64     `json:"errors"`
	AvgLatencyUs int64     `json:"avg_latency_us"`
	LastActivity time.Time `json:"last_activity"`
}
