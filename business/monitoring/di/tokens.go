// Package di contains dependency injection tokens for the monitoring context.
package di

import (
	"github.com/fd1az/market-collector/business/monitoring/app"
	internalDI "github.com/fd1az/market-collector/internal/di"
)

// DI tokens for the monitoring module.
const (
	Monitor  = "monitoring.Monitor"
	Reporter = "monitoring.Reporter"
)

// GetMonitor resolves the monitor.
func GetMonitor(sr internalDI.ServiceRegistry) *app.Monitor {
	return internalDI.Resolve[*app.Monitor](sr, Monitor)
}

// GetReporter resolves the reporter.
func GetReporter(sr internalDI.ServiceRegistry) app.Reporter {
	return internalDI.Resolve[app.Reporter](sr, Reporter)
}
