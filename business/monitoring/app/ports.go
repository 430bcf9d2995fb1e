// Package app contains the monitor service and port definitions for the
// monitoring context.
package app

import (
	"context"

	dataflowApp "github.com/fd1az/market-collector/business/dataflow/app"
	fanoutApp "github.com/fd1az/market-collector/business/fanout/app"
	"github.com/fd1az/market-collector/business/monitoring/domain"
)

// PoolStatsProvider exposes the fan-out pool statistics to the monitor.
type PoolStatsProvider interface {
	Stats() fanoutApp.PoolStats
}

// Reporter renders monitor output (console or TUI).
type Reporter interface {
	Start(ctx context.Context) error
	UpdateStats(stats dataflowApp.StatsSnapshot)
	UpdatePool(stats fanoutApp.PoolStats)
	UpdateScore(score float64)
	AlertCreated(alert domain.Alert)
	AlertResolved(alert domain.Alert)
	Stop() error
}
