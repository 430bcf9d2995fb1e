// Package dataflow implements the DataFlow engine bounded context: the
// transform -> route -> dispatch pipeline with batching and backpressure.
package dataflow

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/fd1az/market-collector/business/dataflow/app"
	dataflowDI "github.com/fd1az/market-collector/business/dataflow/di"
	"github.com/fd1az/market-collector/business/dataflow/domain"
	"github.com/fd1az/market-collector/business/dataflow/infra/broker"
	"github.com/fd1az/market-collector/business/dataflow/infra/cache"
	"github.com/fd1az/market-collector/business/dataflow/infra/sinks"
	fanoutDI "github.com/fd1az/market-collector/business/fanout/di"
	"github.com/fd1az/market-collector/internal/config"
	"github.com/fd1az/market-collector/internal/di"
	"github.com/fd1az/market-collector/internal/logger"
	"github.com/fd1az/market-collector/internal/monolith"
)

// Module implements the dataflow bounded context.
type Module struct{}

// RegisterServices registers all dataflow services with the DI container.
func (m *Module) RegisterServices(c di.Container) error {
	di.RegisterToken(c, dataflowDI.Publisher, func(sr di.ServiceRegistry) app.BrokerPublisher {
		conn := sr.Get("broker").(*nats.Conn)
		return broker.NewNATSPublisher(conn)
	})

	di.RegisterToken(c, dataflowDI.CacheStore, func(sr di.ServiceRegistry) *cache.RedisStore {
		client := sr.Get("cache").(*redis.Client)
		return cache.NewRedisStore(client)
	})

	di.RegisterToken(c, dataflowDI.Engine, func(sr di.ServiceRegistry) *app.Engine {
		cfg := sr.Get("config").(*config.Config)
		log := sr.Get("logger").(logger.LoggerInterface)

		engineCfg := app.EngineConfig{
			Workers:               cfg.Performance.Workers,
			MaxQueueSize:          cfg.Performance.MaxQueueSize,
			BackpressureThreshold: cfg.Performance.BackpressureThreshold,
			EnableBackpressure:    cfg.Performance.EnableBackpressure,
			ProcessingTimeout:     cfg.Performance.ProcessingTimeout,
			MetricsInterval:       cfg.Monitoring.MetricsInterval,
			EnableMetrics:         cfg.Monitoring.EnableMetrics,
			EnableLatencyTracking: cfg.Monitoring.EnableLatencyTracking,
			BatchingEnabled:       cfg.Batching.Enabled,
			BatchSize:             cfg.Batching.BatchSize,
			BatchFlushTimeout:     cfg.Batching.FlushTimeout,
		}

		transforms := []app.Transformer{
			app.NewStandardTransform(app.DefaultStandardTransformConfig()),
			app.NewCompressionTransform(),
		}

		engine, err := app.NewEngine(engineCfg, transforms, log)
		if err != nil {
			panic("failed to create dataflow engine: " + err.Error())
		}
		return engine
	})

	return nil
}

// Startup registers the configured sinks and routing rules, then starts
// the engine.
func (m *Module) Startup(ctx context.Context, mono monolith.Monolith) error {
	cfg := mono.Config()
	log := mono.Logger()
	engine := dataflowDI.GetEngine(mono.Services())

	var targets []string

	if cfg.Sinks.EnablePublish {
		sink := sinks.NewPublishSink(sinks.PublishSinkConfig{
			ID:          "publish",
			TopicPrefix: cfg.Broker.TopicPrefix,
		}, dataflowDI.GetPublisher(mono.Services()), log)
		if err := engine.RegisterSink(sink); err != nil {
			return err
		}
		targets = append(targets, sink.ID())
	}

	if cfg.Sinks.EnableWebSocket {
		pool := fanoutDI.GetPool(mono.Services())
		sink := sinks.NewWebSocketSink(sinks.WebSocketSinkConfig{
			ID:      "websocket",
			Channel: cfg.Sinks.BroadcastChannel,
		}, pool, log)
		if err := engine.RegisterSink(sink); err != nil {
			return err
		}
		targets = append(targets, sink.ID())
	}

	if cfg.Sinks.EnableCache {
		sink := sinks.NewCacheSink(sinks.CacheSinkConfig{
			ID:  "cache",
			TTL: cfg.Cache.TTL,
		}, dataflowDI.GetCacheStore(mono.Services()), log)
		if err := engine.RegisterSink(sink); err != nil {
			return err
		}
		targets = append(targets, sink.ID())
	}

	engine.AddRoutingRule(domain.CatchAll("default", targets...))

	if err := engine.Start(ctx); err != nil {
		return err
	}

	log.Info(ctx, "dataflow module started", "sinks", len(targets))
	return nil
}
