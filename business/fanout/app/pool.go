package app

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/fd1az/market-collector/business/fanout/domain"
	"github.com/fd1az/market-collector/internal/logger"
)

const meterName = "github.com/fd1az/market-collector/business/fanout/app"

// Pool health bounds.
const (
	healthyUtilization = 0.9
)

// PoolConfig holds connection pool configuration.
type PoolConfig struct {
	MaxConnections    int
	ConnectionTimeout time.Duration // idle cutoff for cleanup
	HeartbeatInterval time.Duration
	FlushInterval     time.Duration // per-connection batch flush timeout
	EnableBatching    bool
	BatchSize         int
	MemoryThreshold   uint64 // RSS bytes before forced flush + GC hint
	SendBuffer        int
	WriteTimeout      time.Duration
	ErrorThreshold    int64 // recent errors above which the pool is unhealthy
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnections:    1000,
		ConnectionTimeout: 60 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		FlushInterval:     50 * time.Millisecond,
		EnableBatching:    false,
		BatchSize:         25,
		MemoryThreshold:   512 * 1024 * 1024,
		SendBuffer:        256,
		WriteTimeout:      10 * time.Second,
		ErrorThreshold:    100,
	}
}

// PoolStats is the pool-wide stats snapshot.
type PoolStats struct {
	ActiveConnections int     `json:"active_connections"`
	MaxConnections    int     `json:"max_connections"`
	Utilization       float64 `json:"utilization"`
	TotalMessagesSent int64   `json:"total_messages_sent"`
	TotalBytesSent    int64   `json:"total_bytes_sent"`
	TotalErrors       int64   `json:"total_errors"`
	RecentErrors      int64   `json:"recent_errors"`
	Healthy           bool    `json:"healthy"`
}

// poolMetrics holds OTEL metric instruments.
type poolMetrics struct {
	connections metric.Int64UpDownCounter
	broadcasts  metric.Int64Counter
	dropped     metric.Int64Counter
	removed     metric.Int64Counter
	memFlushes  metric.Int64Counter
}

// Pool owns the WebSocket client connections: admission, per-connection
// buffered send, heartbeat, idle cleanup and memory pressure handling.
type Pool struct {
	config PoolConfig
	logger logger.LoggerInterface

	mu    sync.RWMutex
	conns map[string]*Conn

	totalMessages atomic.Int64
	totalBytes    atomic.Int64
	totalErrors   atomic.Int64
	recentErrors  atomic.Int64 // reset every heartbeat sweep

	started atomic.Bool
	stopCh  chan struct{}
	stopper sync.Once
	wg      sync.WaitGroup

	metrics *poolMetrics
}

// NewPool creates a connection pool.
func NewPool(cfg PoolConfig, log logger.LoggerInterface) (*Pool, error) {
	def := DefaultPoolConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = def.ConnectionTimeout
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = def.ErrorThreshold
	}

	p := &Pool{
		config: cfg,
		logger: log,
		conns:  make(map[string]*Conn),
		stopCh: make(chan struct{}),
	}

	if err := p.initMetrics(); err != nil {
		return nil, err
	}

	return p, nil
}

// initMetrics initializes OTEL metric instruments.
func (p *Pool) initMetrics() error {
	meter := otel.Meter(meterName)
	var err error

	p.metrics = &poolMetrics{}

	p.metrics.connections, err = meter.Int64UpDownCounter(
		"fanout_connections",
		metric.WithDescription("Active pooled connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return err
	}

	p.metrics.broadcasts, err = meter.Int64Counter(
		"fanout_broadcasts_total",
		metric.WithDescription("Total broadcast envelopes fanned out"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}

	p.metrics.dropped, err = meter.Int64Counter(
		"fanout_envelopes_dropped_total",
		metric.WithDescription("Envelopes dropped due to full send buffers"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}

	p.metrics.removed, err = meter.Int64Counter(
		"fanout_connections_removed_total",
		metric.WithDescription("Connections removed by cleanup or errors"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return err
	}

	p.metrics.memFlushes, err = meter.Int64Counter(
		"fanout_memory_flushes_total",
		metric.WithDescription("Forced buffer flushes under memory pressure"),
		metric.WithUnit("{flush}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Start launches the heartbeat and memory watchdog loops.
func (p *Pool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return nil
	}

	p.wg.Add(2)
	go p.heartbeatLoop()
	go p.watchdogLoop()

	p.logger.Info(ctx, "connection pool started",
		"max_connections", p.config.MaxConnections,
		"batching", p.config.EnableBatching,
	)
	return nil
}

// Add admits a connection in state connecting. It returns false when the
// pool is full or the ID already exists.
func (p *Pool) Add(id string, sock Socket, metadata map[string]any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.conns) >= p.config.MaxConnections {
		p.logger.Warn(context.Background(), "connection refused, pool full",
			"connection", id, "max", p.config.MaxConnections)
		return false
	}
	if _, exists := p.conns[id]; exists {
		return false
	}

	conn := newConn(id, sock, metadata, connConfig{
		sendBuffer:     p.config.SendBuffer,
		writeTimeout:   p.config.WriteTimeout,
		enableBatching: p.config.EnableBatching,
		batchSize:      p.config.BatchSize,
		flushInterval:  p.config.FlushInterval,
	}, p.logger, func(deadID string) { p.Remove(deadID, "write failed") })

	p.conns[id] = conn
	p.metrics.connections.Add(context.Background(), 1)
	return true
}

// MarkOpen transitions a connection to open after the socket-open event.
func (p *Pool) MarkOpen(id string) {
	p.mu.RLock()
	conn, ok := p.conns[id]
	p.mu.RUnlock()
	if ok {
		conn.MarkOpen()
	}
}

// Get returns a connection by ID.
func (p *Pool) Get(id string) (*Conn, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conn, ok := p.conns[id]
	return conn, ok
}

// Remove takes a connection out of the pool, flushing its send buffer and
// closing the socket.
func (p *Pool) Remove(id string, reason string) {
	p.mu.Lock()
	conn, ok := p.conns[id]
	delete(p.conns, id)
	p.mu.Unlock()

	if !ok {
		return
	}

	p.metrics.connections.Add(context.Background(), -1)
	p.metrics.removed.Add(context.Background(), 1)

	// Fold the connection's counters into pool totals before it goes away.
	p.totalMessages.Add(conn.messagesSent.Load())
	p.totalBytes.Add(conn.bytesSent.Load())
	p.totalErrors.Add(conn.sendErrors.Load())

	conn.shutdown(reason)
	p.logger.Debug(context.Background(), "connection removed",
		"connection", id, "reason", reason)
}

// Broadcast enqueues the envelope on every open connection the predicate
// accepts and returns how many connections received it.
func (p *Pool) Broadcast(ctx context.Context, envelope []byte, pred func(*Conn) bool) (int, error) {
	p.mu.RLock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if c.State() != domain.StateOpen {
			continue
		}
		if pred != nil && !pred(c) {
			continue
		}
		if c.Enqueue(envelope) {
			delivered++
		} else {
			p.recentErrors.Add(1)
			p.metrics.dropped.Add(ctx, 1)
		}
	}

	p.metrics.broadcasts.Add(ctx, int64(delivered))
	return delivered, nil
}

// BroadcastToChannel delivers the envelope to connections subscribed to
// the channel. This implements the dataflow broadcaster port.
func (p *Pool) BroadcastToChannel(ctx context.Context, channel string, envelope []byte) (int, error) {
	return p.Broadcast(ctx, envelope, func(c *Conn) bool {
		return c.Subscriptions().Has(channel)
	})
}

// heartbeatLoop pings open connections and removes idle or dead ones.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
			p.recentErrors.Store(0)
		}
	}
}

// sweep performs one heartbeat pass.
func (p *Pool) sweep() {
	p.mu.RLock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.RUnlock()

	cutoff := time.Now().Add(-p.config.ConnectionTimeout)

	for _, c := range conns {
		if c.State() != domain.StateOpen {
			continue
		}
		if c.IdleSince().Before(cutoff) {
			p.Remove(c.ID, "idle timeout")
			continue
		}

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.Ping(pingCtx)
		cancel()
		if err != nil {
			p.recentErrors.Add(1)
			p.Remove(c.ID, "ping failed")
		}
	}
}

// watchdogLoop samples process RSS and forces buffer flushes above the
// memory threshold.
func (p *Pool) watchdogLoop() {
	defer p.wg.Done()

	if p.config.MemoryThreshold == 0 {
		return
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		p.logger.Warn(context.Background(), "memory watchdog unavailable", "error", err)
		return
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			info, err := proc.MemoryInfo()
			if err != nil || info == nil {
				continue
			}
			if info.RSS < p.config.MemoryThreshold {
				continue
			}

			p.logger.Warn(context.Background(), "memory threshold exceeded, flushing buffers",
				"rss", info.RSS, "threshold", p.config.MemoryThreshold)
			p.metrics.memFlushes.Add(context.Background(), 1)

			p.mu.RLock()
			for _, c := range p.conns {
				c.FlushNow()
			}
			p.mu.RUnlock()

			runtime.GC()
		}
	}
}

// Stats returns the pool-wide snapshot, including live connections.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	active := len(p.conns)
	var liveMessages, liveBytes, liveErrors int64
	for _, c := range p.conns {
		liveMessages += c.messagesSent.Load()
		liveBytes += c.bytesSent.Load()
		liveErrors += c.sendErrors.Load()
	}
	p.mu.RUnlock()

	stats := PoolStats{
		ActiveConnections: active,
		MaxConnections:    p.config.MaxConnections,
		Utilization:       float64(active) / float64(p.config.MaxConnections),
		TotalMessagesSent: p.totalMessages.Load() + liveMessages,
		TotalBytesSent:    p.totalBytes.Load() + liveBytes,
		TotalErrors:       p.totalErrors.Load() + liveErrors,
		RecentErrors:      p.recentErrors.Load(),
	}
	stats.Healthy = stats.Utilization < healthyUtilization &&
		stats.RecentErrors < p.config.ErrorThreshold
	return stats
}

// ConnStats returns the stats of every live connection.
func (p *Pool) ConnStats() []domain.ConnStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.ConnStats, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c.Stats())
	}
	return out
}

// Stop removes every connection and stops the background loops.
// Idempotent.
func (p *Pool) Stop() error {
	p.stopper.Do(func() {
		close(p.stopCh)

		p.mu.Lock()
		conns := p.conns
		p.conns = make(map[string]*Conn)
		p.mu.Unlock()

		for id, c := range conns {
			c.shutdown("server shutdown")
			p.logger.Debug(context.Background(), "connection closed on shutdown", "connection", id)
		}

		if p.started.Load() {
			p.wg.Wait()
		}
		p.logger.Info(context.Background(), "connection pool stopped")
	})
	return nil
}
