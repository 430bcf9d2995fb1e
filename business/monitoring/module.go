// Package monitoring implements the monitoring bounded context:
// performance scoring, alerting and reporting.
package monitoring

import (
	"context"

	dataflowDI "github.com/fd1az/market-collector/business/dataflow/di"
	fanoutDI "github.com/fd1az/market-collector/business/fanout/di"
	"github.com/fd1az/market-collector/business/monitoring/app"
	monitoringDI "github.com/fd1az/market-collector/business/monitoring/di"
	"github.com/fd1az/market-collector/business/monitoring/infra"
	"github.com/fd1az/market-collector/internal/config"
	"github.com/fd1az/market-collector/internal/di"
	"github.com/fd1az/market-collector/internal/logger"
	"github.com/fd1az/market-collector/internal/monolith"

	dataflowApp "github.com/fd1az/market-collector/business/dataflow/app"
)

// Module implements the monitoring bounded context.
type Module struct{}

// RegisterServices registers the monitor and reporter with the DI container.
func (m *Module) RegisterServices(c di.Container) error {
	di.RegisterToken(c, monitoringDI.Monitor, func(sr di.ServiceRegistry) *app.Monitor {
		cfg := sr.Get("config").(*config.Config)
		log := sr.Get("logger").(logger.LoggerInterface)

		monitorCfg := app.MonitorConfig{
			Weights: app.ScoreWeights{
				Latency:    cfg.Monitoring.ScoreWeights.Latency,
				Throughput: cfg.Monitoring.ScoreWeights.Throughput,
				Success:    cfg.Monitoring.ScoreWeights.Success,
				Stability:  cfg.Monitoring.ScoreWeights.Stability,
			},
			Baseline: app.Baseline{
				MaxLatency:    cfg.Baseline.MaxLatency,
				MinThroughput: cfg.Baseline.MinThroughput,
				MaxErrorRate:  cfg.Baseline.MaxErrorRate,
			},
		}

		monitor := app.NewMonitor(monitorCfg, fanoutDI.GetPool(sr), log)
		for _, rule := range app.DefaultRules(
			cfg.Alerts.ErrorRateThreshold,
			cfg.Alerts.QueueSizeThreshold,
			cfg.Alerts.LatencyThreshold,
			cfg.Alerts.ChannelErrorThreshold,
			cfg.Alerts.Duration,
		) {
			monitor.AddRule(rule)
		}
		return monitor
	})

	di.RegisterToken(c, monitoringDI.Reporter, func(sr di.ServiceRegistry) app.Reporter {
		cfg := sr.Get("config").(*config.Config)
		if cfg.App.TUIMode {
			return infra.NewTUIReporter()
		}
		return infra.NewConsoleReporter()
	})

	return nil
}

// Startup wires the monitor and reporter onto the engine's event stream.
func (m *Module) Startup(ctx context.Context, mono monolith.Monolith) error {
	monitor := monitoringDI.GetMonitor(mono.Services())
	reporter := monitoringDI.GetReporter(mono.Services())
	engine := dataflowDI.GetEngine(mono.Services())
	pool := fanoutDI.GetPool(mono.Services())
	log := mono.Logger()

	if err := reporter.Start(ctx); err != nil {
		return err
	}

	engine.OnStatsUpdated(func(stats dataflowApp.StatsSnapshot) {
		monitor.OnStats(stats)
		reporter.UpdateStats(stats)
		reporter.UpdatePool(pool.Stats())
		reporter.UpdateScore(monitor.Score())
	})

	engine.OnBackpressureActivated(func(depth int) {
		log.Warn(ctx, "engine under backpressure", "queue_size", depth)
	})
	engine.OnBackpressureDeactivated(func(depth int) {
		log.Info(ctx, "engine backpressure cleared", "queue_size", depth)
	})

	monitor.OnAlertCreated(reporter.AlertCreated)
	monitor.OnAlertResolved(reporter.AlertResolved)

	log.Info(ctx, "monitoring module started")
	return nil
}
