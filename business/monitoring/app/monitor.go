package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	dataflowApp "github.com/fd1az/market-collector/business/dataflow/app"
	fanoutApp "github.com/fd1az/market-collector/business/fanout/app"
	"github.com/fd1az/market-collector/business/monitoring/domain"
	"github.com/fd1az/market-collector/internal/logger"
)

// historyLimit bounds the resolved-alert history.
const historyLimit = 256

// ScoreWeights weight the performance score components. They should sum
// to 1; Score normalizes regardless.
type ScoreWeights struct {
	Latency    float64
	Throughput float64
	Success    float64
	Stability  float64
}

// Baseline is the performance baseline scores are computed against.
type Baseline struct {
	MaxLatency    float64 // ms
	MinThroughput float64 // msg/s
	MaxErrorRate  float64
}

// MonitorConfig holds monitor configuration.
type MonitorConfig struct {
	Weights  ScoreWeights
	Baseline Baseline
}

// DefaultMonitorConfig returns sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Weights:  ScoreWeights{Latency: 0.3, Throughput: 0.25, Success: 0.3, Stability: 0.15},
		Baseline: Baseline{MaxLatency: 100, MinThroughput: 100, MaxErrorRate: 0.01},
	}
}

// HealthNode is one entry of the structured health tree.
type HealthNode struct {
	Status  string                `json:"status"`
	Details map[string]HealthNode `json:"details,omitempty"`
	Message string                `json:"message,omitempty"`
}

// Monitor scores performance and raises/resolves alerts from the engine's
// periodic stats and the pool state.
type Monitor struct {
	config MonitorConfig
	logger logger.LoggerInterface
	pool   PoolStatsProvider

	rulesMu sync.RWMutex
	rules   []*domain.AlertRule

	alertsMu       sync.Mutex
	active         map[string]*domain.Alert // keyed by rule ID
	history        []domain.Alert
	violationSince map[string]time.Time

	statsMu    sync.RWMutex
	lastEngine dataflowApp.StatsSnapshot
	lastPool   fanoutApp.PoolStats

	handlersMu      sync.RWMutex
	onAlertCreated  func(domain.Alert)
	onAlertResolved func(domain.Alert)
}

// NewMonitor creates a monitor. pool may be nil when no fan-out layer is
// wired.
func NewMonitor(cfg MonitorConfig, pool PoolStatsProvider, log logger.LoggerInterface) *Monitor {
	if cfg.Weights == (ScoreWeights{}) {
		cfg.Weights = DefaultMonitorConfig().Weights
	}
	return &Monitor{
		config:         cfg,
		logger:         log,
		pool:           pool,
		active:         make(map[string]*domain.Alert),
		violationSince: make(map[string]time.Time),
	}
}

// OnAlertCreated registers the alert-created handler.
func (m *Monitor) OnAlertCreated(fn func(domain.Alert)) {
	m.handlersMu.Lock()
	m.onAlertCreated = fn
	m.handlersMu.Unlock()
}

// OnAlertResolved registers the alert-resolved handler.
func (m *Monitor) OnAlertResolved(fn func(domain.Alert)) {
	m.handlersMu.Lock()
	m.onAlertResolved = fn
	m.handlersMu.Unlock()
}

// AddRule adds an alert rule.
func (m *Monitor) AddRule(rule *domain.AlertRule) {
	m.rulesMu.Lock()
	m.rules = append(m.rules, rule)
	m.rulesMu.Unlock()
}

// OnStats ingests one engine stats snapshot and re-evaluates the rules.
// Wire it to the engine's statsUpdated event.
func (m *Monitor) OnStats(stats dataflowApp.StatsSnapshot) {
	var pool fanoutApp.PoolStats
	if m.pool != nil {
		pool = m.pool.Stats()
	}

	m.statsMu.Lock()
	m.lastEngine = stats
	m.lastPool = pool
	m.statsMu.Unlock()

	m.evaluate(m.metricsFrom(stats, pool), time.Now())
}

// metricsFrom derives the metric map the rules run against.
func (m *Monitor) metricsFrom(stats dataflowApp.StatsSnapshot, pool fanoutApp.PoolStats) map[string]float64 {
	attempts := stats.TotalProcessed + stats.TotalErrors
	errorRate := 0.0
	if attempts > 0 {
		errorRate = float64(stats.TotalErrors) / float64(attempts)
	}

	return map[string]float64{
		domain.MetricErrorRate:     errorRate,
		domain.MetricQueueSize:     float64(stats.CurrentQueueSize),
		domain.MetricLatencyP95:    float64(stats.LatencyP95.Microseconds()) / 1000.0,
		domain.MetricThroughput:    stats.MessagesPerSecond,
		domain.MetricChannelErrors: float64(pool.RecentErrors),
	}
}

// evaluate fires and resolves alerts. A rule fires once its metric has
// violated the threshold continuously for the rule duration; critical
// rules fire on first violation.
func (m *Monitor) evaluate(metrics map[string]float64, now time.Time) {
	m.rulesMu.RLock()
	rules := make([]*domain.AlertRule, len(m.rules))
	copy(rules, m.rules)
	m.rulesMu.RUnlock()

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		value, ok := metrics[rule.Metric]
		if !ok {
			continue
		}

		if !rule.Violated(value) {
			m.alertsMu.Lock()
			delete(m.violationSince, rule.ID)
			m.alertsMu.Unlock()
			m.resolveRule(rule.ID, "condition cleared")
			continue
		}

		m.alertsMu.Lock()
		since, tracking := m.violationSince[rule.ID]
		if !tracking {
			since = now
			m.violationSince[rule.ID] = since
		}
		_, alreadyActive := m.active[rule.ID]
		m.alertsMu.Unlock()

		if alreadyActive {
			continue
		}

		sustained := now.Sub(since) >= rule.Duration
		if rule.Severity == domain.SeverityCritical || sustained {
			m.fire(rule, value, now)
		}
	}
}

// fire creates and emits an alert for the rule.
func (m *Monitor) fire(rule *domain.AlertRule, value float64, now time.Time) {
	alert := &domain.Alert{
		ID:        uuid.NewString(),
		RuleID:    rule.ID,
		Name:      rule.Name,
		Metric:    rule.Metric,
		Value:     value,
		Threshold: rule.Threshold,
		Severity:  rule.Severity,
		Message:   domain.NewAlertMessage(rule, value),
		CreatedAt: now,
	}

	m.alertsMu.Lock()
	if _, exists := m.active[rule.ID]; exists {
		m.alertsMu.Unlock()
		return
	}
	m.active[rule.ID] = alert
	m.alertsMu.Unlock()

	m.logger.Warn(context.Background(), "alert created",
		"rule", rule.ID, "severity", rule.Severity, "message", alert.Message)

	m.handlersMu.RLock()
	fn := m.onAlertCreated
	m.handlersMu.RUnlock()
	if fn != nil {
		fn(*alert)
	}
}

// ResolveAlert manually clears an active alert by rule ID.
func (m *Monitor) ResolveAlert(ruleID string) bool {
	return m.resolveRule(ruleID, "manually resolved")
}

func (m *Monitor) resolveRule(ruleID, reason string) bool {
	m.alertsMu.Lock()
	alert, ok := m.active[ruleID]
	if !ok {
		m.alertsMu.Unlock()
		return false
	}
	delete(m.active, ruleID)
	now := time.Now()
	alert.ResolvedAt = &now
	m.history = append(m.history, *alert)
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	m.alertsMu.Unlock()

	m.logger.Info(context.Background(), "alert resolved",
		"rule", ruleID, "reason", reason)

	m.handlersMu.RLock()
	fn := m.onAlertResolved
	m.handlersMu.RUnlock()
	if fn != nil {
		fn(*alert)
	}
	return true
}

// ActiveAlerts returns the active alerts.
func (m *Monitor) ActiveAlerts() []domain.Alert {
	m.alertsMu.Lock()
	defer m.alertsMu.Unlock()
	out := make([]domain.Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	return out
}

// History returns the resolved alert history, newest last.
func (m *Monitor) History() []domain.Alert {
	m.alertsMu.Lock()
	defer m.alertsMu.Unlock()
	out := make([]domain.Alert, len(m.history))
	copy(out, m.history)
	return out
}

// Score computes the performance score in [0, 100]: a weighted average of
// latency, throughput, success-rate and stability components.
func (m *Monitor) Score() float64 {
	m.statsMu.RLock()
	stats := m.lastEngine
	m.statsMu.RUnlock()

	m.alertsMu.Lock()
	activeAlerts := len(m.active)
	m.alertsMu.Unlock()

	baseline := m.config.Baseline

	latencyMs := float64(stats.LatencyP95.Microseconds()) / 1000.0
	latencyScore := 100.0
	if baseline.MaxLatency > 0 && latencyMs > baseline.MaxLatency {
		latencyScore = 100.0 * baseline.MaxLatency / latencyMs
	}

	throughputScore := 100.0
	if baseline.MinThroughput > 0 {
		throughputScore = 100.0 * stats.MessagesPerSecond / baseline.MinThroughput
		if throughputScore > 100 {
			throughputScore = 100
		}
	}

	attempts := stats.TotalProcessed + stats.TotalErrors
	successScore := 100.0
	if attempts > 0 {
		successScore = 100.0 * float64(stats.TotalProcessed) / float64(attempts)
	}

	stabilityScore := 100.0 - 20.0*float64(activeAlerts)
	if stabilityScore < 0 {
		stabilityScore = 0
	}

	w := m.config.Weights
	totalWeight := w.Latency + w.Throughput + w.Success + w.Stability
	if totalWeight <= 0 {
		return 0
	}

	score := (w.Latency*latencyScore +
		w.Throughput*throughputScore +
		w.Success*successScore +
		w.Stability*stabilityScore) / totalWeight

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// HealthCheck produces the structured health tree. It never panics and
// always returns a result.
func (m *Monitor) HealthCheck() HealthNode {
	defer func() { recover() }()

	m.statsMu.RLock()
	engine := m.lastEngine
	pool := m.lastPool
	m.statsMu.RUnlock()

	m.alertsMu.Lock()
	activeAlerts := len(m.active)
	m.alertsMu.Unlock()

	sinkNodes := make(map[string]HealthNode, len(engine.Sinks))
	degraded := false
	for id, sink := range engine.Sinks {
		sinkNodes[id] = HealthNode{Status: string(sink.Health)}
		if sink.Health != dataflowApp.HealthHealthy {
			degraded = true
		}
	}

	poolStatus := "healthy"
	if m.pool != nil && !pool.Healthy {
		poolStatus = "degraded"
		degraded = true
	}

	status := "healthy"
	if degraded || activeAlerts > 0 {
		status = "degraded"
	}

	return HealthNode{
		Status: status,
		Details: map[string]HealthNode{
			"engine": {
				Status: "healthy",
				Details: map[string]HealthNode{
					"sinks": {Status: "healthy", Details: sinkNodes},
				},
			},
			"pool":   {Status: poolStatus},
			"alerts": {Status: status, Message: alertCountMessage(activeAlerts)},
		},
	}
}

func alertCountMessage(n int) string {
	if n == 0 {
		return "no active alerts"
	}
	return fmt.Sprintf("%d active alert(s)", n)
}

// DefaultRules builds the standard rule set from the configured
// thresholds.
func DefaultRules(errorRate, queueSize, latencyMs, channelErrors float64, duration time.Duration) []*domain.AlertRule {
	return []*domain.AlertRule{
		{
			ID: "error-rate", Name: "Error rate too high",
			Metric: domain.MetricErrorRate, Condition: domain.CondGreater,
			Threshold: errorRate, Duration: duration,
			Severity: domain.SeverityWarning, Enabled: true,
		},
		{
			ID: "queue-size", Name: "Ingress queue too deep",
			Metric: domain.MetricQueueSize, Condition: domain.CondGreater,
			Threshold: queueSize, Duration: duration,
			Severity: domain.SeverityWarning, Enabled: true,
		},
		{
			ID: "latency-p95", Name: "Processing latency too high",
			Metric: domain.MetricLatencyP95, Condition: domain.CondGreater,
			Threshold: latencyMs, Duration: duration,
			Severity: domain.SeverityWarning, Enabled: true,
		},
		{
			ID: "channel-errors", Name: "Channel errors spiking",
			Metric: domain.MetricChannelErrors, Condition: domain.CondGreater,
			Threshold: channelErrors, Duration: duration,
			Severity: domain.SeverityCritical, Enabled: true,
		},
	}
}
