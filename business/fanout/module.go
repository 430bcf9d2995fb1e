// Package fanout implements the WebSocket fan-out bounded context: the
// connection pool and the client-facing WebSocket server.
package fanout

import (
	"context"

	dataflowDI "github.com/fd1az/market-collector/business/dataflow/di"
	"github.com/fd1az/market-collector/business/fanout/app"
	fanoutDI "github.com/fd1az/market-collector/business/fanout/di"
	"github.com/fd1az/market-collector/business/fanout/infra"
	"github.com/fd1az/market-collector/internal/config"
	"github.com/fd1az/market-collector/internal/di"
	"github.com/fd1az/market-collector/internal/logger"
	"github.com/fd1az/market-collector/internal/monolith"
)

// Module implements the fanout bounded context.
type Module struct{}

// RegisterServices registers the pool and server with the DI container.
func (m *Module) RegisterServices(c di.Container) error {
	di.RegisterToken(c, fanoutDI.Pool, func(sr di.ServiceRegistry) *app.Pool {
		cfg := sr.Get("config").(*config.Config)
		log := sr.Get("logger").(logger.LoggerInterface)

		pool, err := app.NewPool(app.PoolConfig{
			MaxConnections:    cfg.Pool.MaxConnections,
			ConnectionTimeout: cfg.Pool.ConnectionTimeout,
			HeartbeatInterval: cfg.Pool.HeartbeatInterval,
			FlushInterval:     cfg.Pool.FlushInterval,
			EnableBatching:    cfg.Pool.EnableBatching,
			BatchSize:         cfg.Pool.BatchSize,
			MemoryThreshold:   cfg.Pool.MemoryThreshold,
		}, log)
		if err != nil {
			panic("failed to create connection pool: " + err.Error())
		}
		return pool
	})

	di.RegisterToken(c, fanoutDI.Server, func(sr di.ServiceRegistry) *infra.Server {
		cfg := sr.Get("config").(*config.Config)
		log := sr.Get("logger").(logger.LoggerInterface)

		serverCfg := infra.DefaultServerConfig(cfg.Pool.ListenAddr)
		serverCfg.InboundRateLimit = cfg.Pool.InboundRateLimit

		var snapshots app.SnapshotSource
		if cfg.Sinks.EnableCache {
			snapshots = dataflowDI.GetCacheStore(sr)
		}

		return infra.NewServer(
			serverCfg,
			fanoutDI.GetPool(sr),
			dataflowDI.GetEngine(sr),
			snapshots,
			log,
		)
	})

	return nil
}

// Startup starts the pool loops and the WebSocket listener.
func (m *Module) Startup(ctx context.Context, mono monolith.Monolith) error {
	pool := fanoutDI.GetPool(mono.Services())
	if err := pool.Start(ctx); err != nil {
		return err
	}

	server := fanoutDI.GetServer(mono.Services())
	if err := server.Start(ctx); err != nil {
		return err
	}

	mono.Logger().Info(ctx, "fanout module started")
	return nil
}
