package sinks

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/fd1az/market-collector/business/dataflow/app"
	"github.com/fd1az/market-collector/business/dataflow/domain"
	"github.com/fd1az/market-collector/internal/apperror"
	"github.com/fd1az/market-collector/internal/logger"
)

// Ensure interface compliance.
var _ app.Sink = (*CacheSink)(nil)

// CacheSinkConfig holds cache sink configuration.
type CacheSinkConfig struct {
	ID  string
	TTL time.Duration // 0 = no expiry; eviction is the cache layer's concern
}

// CacheSink keeps the latest message per (exchange, symbol, type) key,
// last-write-wins.
type CacheSink struct {
	config CacheSinkConfig
	store  app.CacheStore
	logger logger.LoggerInterface

	counters *app.SinkCounters
	closed   atomic.Bool
}

// NewCacheSink creates a cache sink over a key/value store.
func NewCacheSink(cfg CacheSinkConfig, store app.CacheStore, log logger.LoggerInterface) *CacheSink {
	if cfg.ID == "" {
		cfg.ID = "cache"
	}
	return &CacheSink{
		config:   cfg,
		store:    store,
		logger:   log,
		counters: app.NewSinkCounters(),
	}
}

func (s *CacheSink) ID() string         { return s.config.ID }
func (s *CacheSink) Type() app.SinkType { return app.SinkTypeCache }

// Write stores the message under its key.
func (s *CacheSink) Write(ctx context.Context, msg *domain.MarketMessage, meta map[string]any) error {
	if s.closed.Load() {
		return apperror.New(apperror.CodeSinkError,
			apperror.WithContext("cache sink closed"))
	}

	extra := map[string]any{
		domain.MetaCachedAt:    time.Now().UnixMilli(),
		domain.MetaChannelID:   s.config.ID,
		domain.MetaChannelType: string(app.SinkTypeCache),
		domain.MetaRoutedBy:    metaString(meta, domain.MetaRoutedBy),
	}

	value, err := encodeMessage(msg, extra)
	if err != nil {
		s.counters.ObserveWrite(time.Now(), err)
		return apperror.New(apperror.CodeSinkError,
			apperror.WithContext("encode message"), apperror.WithCause(err))
	}

	start := time.Now()
	err = s.store.Set(ctx, msg.Key(), value, s.config.TTL)
	s.counters.ObserveWrite(start, err)

	if err != nil {
		return apperror.Wrap(err, apperror.CodeCacheWriteFailed, msg.Key())
	}
	return nil
}

// Status reports the sink status.
func (s *CacheSink) Status() app.SinkStatus {
	return s.counters.Status(s.config.ID, app.SinkTypeCache, !s.closed.Load())
}

// Close marks the sink closed; the store client is owned by the
// application container.
func (s *CacheSink) Close() error {
	s.closed.Store(true)
	return nil
}
