package infra

import (
	"context"

	dataflowApp "github.com/fd1az/market-collector/business/dataflow/app"
	fanoutApp "github.com/fd1az/market-collector/business/fanout/app"
	"github.com/fd1az/market-collector/business/monitoring/app"
	"github.com/fd1az/market-collector/business/monitoring/domain"
	"github.com/fd1az/market-collector/pkg/ui"
)

// Ensure interface compliance.
var _ app.Reporter = (*TUIReporter)(nil)

// TUIReporter forwards monitor output to the Bubble Tea dashboard.
type TUIReporter struct{}

// NewTUIReporter creates a new TUIReporter.
func NewTUIReporter() *TUIReporter {
	return &TUIReporter{}
}

// Start is a no-op; the TUI program is owned by main.
func (r *TUIReporter) Start(ctx context.Context) error {
	return nil
}

// UpdateStats forwards an engine snapshot.
func (r *TUIReporter) UpdateStats(stats dataflowApp.StatsSnapshot) {
	ui.Send(ui.StatsMsg{Stats: stats})
}

// UpdatePool forwards pool stats.
func (r *TUIReporter) UpdatePool(stats fanoutApp.PoolStats) {
	ui.Send(ui.PoolMsg{Stats: stats})
}

// UpdateScore forwards the performance score.
func (r *TUIReporter) UpdateScore(score float64) {
	ui.Send(ui.ScoreMsg{Score: score})
}

// AlertCreated forwards a fired alert.
func (r *TUIReporter) AlertCreated(alert domain.Alert) {
	ui.Send(ui.AlertMsg{Alert: alert})
}

// AlertResolved forwards a resolved alert.
func (r *TUIReporter) AlertResolved(alert domain.Alert) {
	ui.Send(ui.AlertResolvedMsg{Alert: alert})
}

// Stop is a no-op.
func (r *TUIReporter) Stop() error {
	return nil
}
