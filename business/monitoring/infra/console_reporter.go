// Package infra contains reporter implementations for the monitoring
// context.
package infra

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	dataflowApp "github.com/fd1az/market-collector/business/dataflow/app"
	fanoutApp "github.com/fd1az/market-collector/business/fanout/app"
	"github.com/fd1az/market-collector/business/monitoring/app"
	"github.com/fd1az/market-collector/business/monitoring/domain"
)

// Ensure interface compliance.
var _ app.Reporter = (*ConsoleReporter)(nil)

// ConsoleReporter implements Reporter for CLI output. Stats lines are
// throttled; alerts print immediately.
type ConsoleReporter struct {
	out io.Writer

	mu        sync.Mutex
	lastPrint time.Time
	lastScore float64
	lastPool  fanoutApp.PoolStats
}

// NewConsoleReporter creates a new ConsoleReporter.
func NewConsoleReporter() *ConsoleReporter {
	return &ConsoleReporter{out: os.Stdout}
}

// Start initializes the console reporter.
func (r *ConsoleReporter) Start(ctx context.Context) error {
	fmt.Fprintln(r.out, "Market Collector Started")
	fmt.Fprintln(r.out, "========================")
	return nil
}

// UpdateStats prints a compact stats line at most every 5 seconds.
func (r *ConsoleReporter) UpdateStats(stats dataflowApp.StatsSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if time.Since(r.lastPrint) < 5*time.Second {
		return
	}
	r.lastPrint = time.Now()

	fmt.Fprintf(r.out, "[%s] processed=%d errors=%d dropped=%d queue=%d rate=%.1f/s p95=%s score=%.1f conns=%d\n",
		stats.Timestamp.Format("15:04:05"),
		stats.TotalProcessed,
		stats.TotalErrors,
		stats.TotalDropped,
		stats.CurrentQueueSize,
		stats.MessagesPerSecond,
		stats.LatencyP95.Round(time.Microsecond),
		r.lastScore,
		r.lastPool.ActiveConnections,
	)
}

// UpdatePool stores the pool stats for the next stats line.
func (r *ConsoleReporter) UpdatePool(stats fanoutApp.PoolStats) {
	r.mu.Lock()
	r.lastPool = stats
	r.mu.Unlock()
}

// UpdateScore stores the performance score for the next stats line.
func (r *ConsoleReporter) UpdateScore(score float64) {
	r.mu.Lock()
	r.lastScore = score
	r.mu.Unlock()
}

// AlertCreated prints a fired alert.
func (r *ConsoleReporter) AlertCreated(alert domain.Alert) {
	fmt.Fprintf(r.out, "!! ALERT [%s] %s\n", alert.Severity, alert.Message)
}

// AlertResolved prints a resolved alert.
func (r *ConsoleReporter) AlertResolved(alert domain.Alert) {
	fmt.Fprintf(r.out, "   resolved [%s] %s\n", alert.Severity, alert.Name)
}

// Stop shuts the reporter down.
func (r *ConsoleReporter) Stop() error {
	fmt.Fprintln(r.out, "Market Collector Stopped")
	return nil
}
