// Package ui provides the Bubble Tea TUI for the market collector.
package ui

import (
	dataflowApp "github.com/fd1az/market-collector/business/dataflow/app"
	fanoutApp "github.com/fd1az/market-collector/business/fanout/app"
	monitoringDomain "github.com/fd1az/market-collector/business/monitoring/domain"
)

// Message types for TUI updates

// StatsMsg is sent on every engine stats snapshot.
type StatsMsg struct {
	Stats dataflowApp.StatsSnapshot
}

// PoolMsg is sent with the fan-out pool state.
type PoolMsg struct {
	Stats fanoutApp.PoolStats
}

// ScoreMsg carries the current performance score.
type ScoreMsg struct {
	Score float64
}

// AlertMsg is sent when an alert fires.
type AlertMsg struct {
	Alert monitoringDomain.Alert
}

// AlertResolvedMsg is sent when an alert resolves.
type AlertResolvedMsg struct {
	Alert monitoringDomain.Alert
}

// AdapterMsg reports upstream adapter connectivity.
type AdapterMsg struct {
	Name      string
	Connected bool
}

// ErrorMsg is sent when an error occurs.
type ErrorMsg struct {
	Error error
}

// TickMsg is sent periodically for UI updates.
type TickMsg struct{}

// StartModulesMsg signals that modules should start loading.
type StartModulesMsg struct{}
