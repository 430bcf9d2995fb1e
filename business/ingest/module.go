// Package ingest implements the ingest bounded context: exchange adapters
// feeding the DataFlow engine.
package ingest

import (
	"context"
	"time"

	dataflowDI "github.com/fd1az/market-collector/business/dataflow/di"
	"github.com/fd1az/market-collector/business/ingest/app"
	ingestDI "github.com/fd1az/market-collector/business/ingest/di"
	"github.com/fd1az/market-collector/business/ingest/infra/binance"
	"github.com/fd1az/market-collector/internal/config"
	"github.com/fd1az/market-collector/internal/di"
	"github.com/fd1az/market-collector/internal/logger"
	"github.com/fd1az/market-collector/internal/monolith"
	"github.com/fd1az/market-collector/pkg/ui"
)

// Module implements the ingest bounded context.
type Module struct{}

// RegisterServices registers the configured adapters with the DI container.
func (m *Module) RegisterServices(c di.Container) error {
	di.RegisterToken(c, ingestDI.BinanceAdapter, func(sr di.ServiceRegistry) app.Adapter {
		cfg := sr.Get("config").(*config.Config)
		log := sr.Get("logger").(logger.LoggerInterface)

		adapter, err := binance.NewAdapter(binance.AdapterConfig{
			WebSocketURL: cfg.Exchanges.Binance.WebSocketURL,
			Symbols:      cfg.Exchanges.Binance.Symbols,
			Streams:      cfg.Exchanges.Binance.Streams,
		}, dataflowDI.GetEngine(sr), log)
		if err != nil {
			panic("failed to create binance adapter: " + err.Error())
		}
		return adapter
	})

	return nil
}

// Startup connects the enabled adapters. A failed connect does not block
// startup; the adapter keeps retrying in the background.
func (m *Module) Startup(ctx context.Context, mono monolith.Monolith) error {
	cfg := mono.Config()
	log := mono.Logger()

	if !cfg.Exchanges.Binance.Enabled {
		log.Info(ctx, "binance adapter disabled")
		return nil
	}

	adapter := ingestDI.GetBinanceAdapter(mono.Services())

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := adapter.Connect(connectCtx); err != nil {
		log.Warn(ctx, "binance connection failed, will retry in background", "error", err)
		ui.Send(ui.AdapterMsg{Name: adapter.Name(), Connected: false})
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
					if err := adapter.Connect(ctx); err != nil {
						log.Warn(ctx, "binance retry failed", "error", err)
					} else {
						log.Info(ctx, "binance connected successfully")
						ui.Send(ui.AdapterMsg{Name: adapter.Name(), Connected: true})
						return
					}
				}
			}
		}()
	} else {
		ui.Send(ui.AdapterMsg{Name: adapter.Name(), Connected: true})
	}

	log.Info(ctx, "ingest module started", "symbols", len(cfg.Exchanges.Binance.Symbols))
	return nil
}
