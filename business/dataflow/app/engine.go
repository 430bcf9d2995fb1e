package app

import (
	"context"
	"hash/fnv"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fd1az/market-collector/business/dataflow/domain"
	"github.com/fd1az/market-collector/internal/apperror"
	"github.com/fd1az/market-collector/internal/logger"
)

const (
	tracerName = "github.com/fd1az/market-collector/business/dataflow/app"
	meterName  = "github.com/fd1az/market-collector/business/dataflow/app"
)

// EngineConfig holds DataFlow engine configuration.
type EngineConfig struct {
	Workers               int // 0 = NumCPU
	MaxQueueSize          int
	BackpressureThreshold int
	EnableBackpressure    bool
	ProcessingTimeout     time.Duration
	MetricsInterval       time.Duration
	EnableMetrics         bool
	EnableLatencyTracking bool

	BatchingEnabled   bool
	BatchSize         int
	BatchFlushTimeout time.Duration
}

// DefaultEngineConfig returns sensible defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Workers:               0,
		MaxQueueSize:          10000,
		BackpressureThreshold: 5000,
		EnableBackpressure:    true,
		ProcessingTimeout:     5 * time.Second,
		MetricsInterval:       time.Second,
		EnableMetrics:         true,
		EnableLatencyTracking: true,
		BatchSize:             50,
		BatchFlushTimeout:     100 * time.Millisecond,
	}
}

type ingressItem struct {
	msg      *domain.MarketMessage
	enqueued time.Time
}

// engineMetrics holds OTEL metric instruments.
type engineMetrics struct {
	processed      metric.Int64Counter
	errors         metric.Int64Counter
	dropped        metric.Int64Counter
	queueDepth     metric.Int64Gauge
	processLatency metric.Float64Histogram
}

// Engine is the in-process pipeline: ingress queue -> workers ->
// transform chain -> router -> sinks. Per-(exchange,symbol,type) FIFO
// into each sink is guaranteed by hashing the key onto a fixed worker.
type Engine struct {
	config EngineConfig
	logger logger.LoggerInterface

	router     *domain.Router
	transforms []Transformer

	sinks   map[string]Sink
	sinksMu sync.RWMutex

	queue  chan ingressItem
	shards []chan ingressItem
	depth  atomic.Int64

	bpActive atomic.Bool

	started  atomic.Bool
	stopVal  atomic.Bool
	submitMu sync.RWMutex // serializes Submit sends against queue close
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopper  sync.Once

	// Counters
	totalProcessed atomic.Int64
	totalErrors    atomic.Int64
	totalDropped   atomic.Int64

	latencies *LatencyRing
	rate      *RateTracker

	// Event handlers
	handlersMu                sync.RWMutex
	onBackpressureActivated   func(depth int)
	onBackpressureDeactivated func(depth int)
	onStatsUpdated            func(StatsSnapshot)
	onRoutingError            func(err error, msg *domain.MarketMessage)
	onSinkError               func(sinkID string, err error, msg *domain.MarketMessage)

	// Observability
	tracer  trace.Tracer
	metrics *engineMetrics
}

// NewEngine creates a new DataFlow engine with the given transform chain.
func NewEngine(cfg EngineConfig, transforms []Transformer, log logger.LoggerInterface) (*Engine, error) {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultEngineConfig().MaxQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 5 * time.Second
	}

	e := &Engine{
		config:     cfg,
		logger:     log,
		router:     domain.NewRouter(),
		transforms: transforms,
		sinks:      make(map[string]Sink),
		queue:      make(chan ingressItem, cfg.MaxQueueSize),
		stopCh:     make(chan struct{}),
		latencies:  NewLatencyRing(),
		rate:       NewRateTracker(0.5),
		tracer:     otel.Tracer(tracerName),
	}

	if err := e.initMetrics(); err != nil {
		return nil, err
	}

	return e, nil
}

// initMetrics initializes OTEL metric instruments.
func (e *Engine) initMetrics() error {
	meter := otel.Meter(meterName)
	var err error

	e.metrics = &engineMetrics{}

	e.metrics.processed, err = meter.Int64Counter(
		"dataflow_messages_processed_total",
		metric.WithDescription("Total messages fully processed"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}

	e.metrics.errors, err = meter.Int64Counter(
		"dataflow_errors_total",
		metric.WithDescription("Total non-fatal processing errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	e.metrics.dropped, err = meter.Int64Counter(
		"dataflow_messages_dropped_total",
		metric.WithDescription("Total messages rejected at ingress"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}

	e.metrics.queueDepth, err = meter.Int64Gauge(
		"dataflow_queue_depth",
		metric.WithDescription("Current ingress queue depth"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}

	e.metrics.processLatency, err = meter.Float64Histogram(
		"dataflow_processing_latency_ms",
		metric.WithDescription("End-to-end message processing latency"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000),
	)
	if err != nil {
		return err
	}

	return nil
}

// Event handler registration. Handlers may be set at any time; they are
// invoked synchronously from engine goroutines and must not block.

func (e *Engine) OnBackpressureActivated(fn func(depth int)) {
	e.handlersMu.Lock()
	e.onBackpressureActivated = fn
	e.handlersMu.Unlock()
}

func (e *Engine) OnBackpressureDeactivated(fn func(depth int)) {
	e.handlersMu.Lock()
	e.onBackpressureDeactivated = fn
	e.handlersMu.Unlock()
}

func (e *Engine) OnStatsUpdated(fn func(StatsSnapshot)) {
	e.handlersMu.Lock()
	e.onStatsUpdated = fn
	e.handlersMu.Unlock()
}

func (e *Engine) OnRoutingError(fn func(err error, msg *domain.MarketMessage)) {
	e.handlersMu.Lock()
	e.onRoutingError = fn
	e.handlersMu.Unlock()
}

func (e *Engine) OnSinkError(fn func(sinkID string, err error, msg *domain.MarketMessage)) {
	e.handlersMu.Lock()
	e.onSinkError = fn
	e.handlersMu.Unlock()
}

// RegisterSink adds a sink. When batching is enabled, non-batch sinks are
// wrapped in a BatchSink at registration time.
func (e *Engine) RegisterSink(sink Sink) error {
	if e.config.BatchingEnabled && sink.Type() != SinkTypeBatch {
		sink = NewBatchSink(sink, BatchConfig{
			Size:         e.config.BatchSize,
			FlushTimeout: e.config.BatchFlushTimeout,
		}, e.logger)
	}

	e.sinksMu.Lock()
	defer e.sinksMu.Unlock()

	if _, exists := e.sinks[sink.ID()]; exists {
		return apperror.New(apperror.CodeDuplicateSink, apperror.WithContext(sink.ID()))
	}
	e.sinks[sink.ID()] = sink
	return nil
}

// UnregisterSink removes and closes a sink.
func (e *Engine) UnregisterSink(id string) error {
	e.sinksMu.Lock()
	sink, ok := e.sinks[id]
	delete(e.sinks, id)
	e.sinksMu.Unlock()

	if !ok {
		return apperror.New(apperror.CodeUnknownSink, apperror.WithContext(id))
	}
	return sink.Close()
}

// AddRoutingRule inserts a routing rule.
func (e *Engine) AddRoutingRule(rule *domain.RoutingRule) {
	e.router.Add(rule)
}

// RemoveRoutingRule removes a routing rule by ID.
func (e *Engine) RemoveRoutingRule(id string) bool {
	return e.router.Remove(id)
}

// Start launches the dispatcher, worker pool and stats emitter.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return apperror.New(apperror.CodeInvalidState, apperror.WithContext("engine already started"))
	}

	e.shards = make([]chan ingressItem, e.config.Workers)
	for i := range e.shards {
		e.shards[i] = make(chan ingressItem, 64)
	}

	e.wg.Add(1)
	go e.dispatch()

	for i := range e.shards {
		e.wg.Add(1)
		go e.worker(i)
	}

	if e.config.EnableMetrics && e.config.MetricsInterval > 0 {
		go e.emitStats()
	}

	e.logger.Info(ctx, "dataflow engine started",
		"workers", e.config.Workers,
		"max_queue_size", e.config.MaxQueueSize,
		"batching", e.config.BatchingEnabled,
	)
	return nil
}

// Submit enqueues a message for processing. It never waits for a sink:
// when the queue is full the message is rejected with a backpressure
// error, and after Stop it is rejected with an engine-stopped error.
func (e *Engine) Submit(msg *domain.MarketMessage) error {
	e.submitMu.RLock()
	defer e.submitMu.RUnlock()

	if e.stopVal.Load() {
		return apperror.New(apperror.CodeEngineStopped)
	}

	// Reserve a queue slot.
	for {
		d := e.depth.Load()
		if d >= int64(e.config.MaxQueueSize) {
			e.totalDropped.Add(1)
			e.metrics.dropped.Add(context.Background(), 1)
			return apperror.New(apperror.CodeBackpressureRejected,
				apperror.WithContext(msg.Ident()))
		}
		if e.depth.CompareAndSwap(d, d+1) {
			break
		}
	}

	// Slot accounting guarantees capacity, so the send cannot block.
	e.queue <- ingressItem{msg: msg, enqueued: time.Now()}

	e.checkBackpressureActivation()
	return nil
}

// checkBackpressureActivation emits backpressureActivated exactly once per
// episode when depth crosses the threshold upward.
func (e *Engine) checkBackpressureActivation() {
	if !e.config.EnableBackpressure {
		return
	}
	depth := int(e.depth.Load())
	if depth >= e.config.BackpressureThreshold && e.bpActive.CompareAndSwap(false, true) {
		e.logger.Warn(context.Background(), "backpressure activated", "queue_size", depth)
		e.handlersMu.RLock()
		fn := e.onBackpressureActivated
		e.handlersMu.RUnlock()
		if fn != nil {
			fn(depth)
		}
	}
}

// checkBackpressureDeactivation emits backpressureDeactivated once the
// depth falls below half the activation threshold.
func (e *Engine) checkBackpressureDeactivation() {
	if !e.config.EnableBackpressure {
		return
	}
	depth := int(e.depth.Load())
	if depth < e.config.BackpressureThreshold/2 && e.bpActive.CompareAndSwap(true, false) {
		e.logger.Info(context.Background(), "backpressure deactivated", "queue_size", depth)
		e.handlersMu.RLock()
		fn := e.onBackpressureDeactivated
		e.handlersMu.RUnlock()
		if fn != nil {
			fn(depth)
		}
	}
}

// dispatch routes ingress items onto per-key shards.
func (e *Engine) dispatch() {
	defer e.wg.Done()
	defer func() {
		for _, shard := range e.shards {
			close(shard)
		}
	}()

	for item := range e.queue {
		idx := e.shardFor(item.msg.Key())
		e.shards[idx] <- item
	}
}

func (e *Engine) shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(e.shards)))
}

// worker processes its shard serially, preserving per-key order.
func (e *Engine) worker(idx int) {
	defer e.wg.Done()
	for item := range e.shards[idx] {
		e.process(item)
	}
}

// process runs one message through transform -> route -> dispatch.
func (e *Engine) process(item ingressItem) {
	defer func() {
		e.depth.Add(-1)
		e.metrics.queueDepth.Record(context.Background(), e.depth.Load())
		e.checkBackpressureDeactivation()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), e.config.ProcessingTimeout)
	defer cancel()

	msg := item.msg

	ctx, span := e.tracer.Start(ctx, "dataflow.process",
		trace.WithAttributes(
			attribute.String("message.exchange", msg.Exchange),
			attribute.String("message.symbol", msg.Symbol),
			attribute.String("message.type", string(msg.Type)),
		),
	)
	defer span.End()

	// Transform chain
	for _, tr := range e.transforms {
		if err := tr.Transform(ctx, msg); err != nil {
			e.totalErrors.Add(1)
			e.metrics.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", tr.Name())))
			span.RecordError(err)
			e.logger.Debug(ctx, "message rejected by transform",
				"transform", tr.Name(), "message", msg.Ident(), "error", err)
			return
		}
	}

	// Route
	decision, ruleErrs := e.router.Evaluate(msg)
	for _, ruleErr := range ruleErrs {
		e.totalErrors.Add(1)
		e.metrics.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "routing")))
		wrapped := apperror.New(apperror.CodeRoutingError,
			apperror.WithContext(ruleErr.RuleID), apperror.WithCause(ruleErr))
		e.logger.Warn(ctx, "routing rule failed",
			"rule", ruleErr.RuleID, "message", msg.Ident())
		e.emitRoutingError(wrapped, msg)
	}

	if len(decision.MatchedRules) == 0 {
		e.logger.Debug(ctx, "no routing rule matched", "message", msg.Ident())
		return
	}

	e.dispatchToSinks(ctx, msg, decision)

	e.totalProcessed.Add(1)
	e.metrics.processed.Add(ctx, 1)
	e.rate.Observe(1)

	if e.config.EnableLatencyTracking {
		elapsed := time.Since(item.enqueued)
		e.latencies.Record(elapsed)
		e.metrics.processLatency.Record(ctx, float64(elapsed.Microseconds())/1000.0)
	}
}

// dispatchToSinks writes the message to every target sink concurrently.
// One sink's failure does not cancel the others.
func (e *Engine) dispatchToSinks(ctx context.Context, msg *domain.MarketMessage, decision domain.Decision) {
	routedBy := strings.Join(decision.MatchedRules, ",")

	e.sinksMu.RLock()
	targets := make([]Sink, 0, len(decision.Targets))
	for _, id := range decision.Targets {
		sink, ok := e.sinks[id]
		if !ok {
			e.logger.Debug(ctx, "routing target not registered", "sink", id)
			continue
		}
		targets = append(targets, sink)
	}
	e.sinksMu.RUnlock()

	var wg sync.WaitGroup
	for _, sink := range targets {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()

			meta := map[string]any{domain.MetaRoutedBy: routedBy}
			if err := s.Write(ctx, msg, meta); err != nil {
				e.totalErrors.Add(1)
				e.metrics.errors.Add(ctx, 1, metric.WithAttributes(
					attribute.String("stage", "sink"),
					attribute.String("sink", s.ID()),
				))
				e.logger.Warn(ctx, "sink write failed",
					"sink", s.ID(), "message", msg.Ident(), "error", err)
				e.emitSinkError(s.ID(), err, msg)
			}
		}(sink)
	}
	wg.Wait()
}

func (e *Engine) emitRoutingError(err error, msg *domain.MarketMessage) {
	e.handlersMu.RLock()
	fn := e.onRoutingError
	e.handlersMu.RUnlock()
	if fn != nil {
		fn(err, msg)
	}
}

func (e *Engine) emitSinkError(sinkID string, err error, msg *domain.MarketMessage) {
	e.handlersMu.RLock()
	fn := e.onSinkError
	e.handlersMu.RUnlock()
	if fn != nil {
		fn(sinkID, err, msg)
	}
}

// emitStats periodically publishes a stats snapshot.
func (e *Engine) emitStats() {
	ticker := time.NewTicker(e.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			snapshot := e.Stats()
			e.handlersMu.RLock()
			fn := e.onStatsUpdated
			e.handlersMu.RUnlock()
			if fn != nil {
				fn(snapshot)
			}
		}
	}
}

// Stats returns the current statistics snapshot.
func (e *Engine) Stats() StatsSnapshot {
	p50, p95, p99 := e.latencies.Percentiles()

	e.sinksMu.RLock()
	sinks := make(map[string]SinkStatus, len(e.sinks))
	for id, sink := range e.sinks {
		sinks[id] = sink.Status()
	}
	e.sinksMu.RUnlock()

	return StatsSnapshot{
		TotalProcessed:    e.totalProcessed.Load(),
		TotalErrors:       e.totalErrors.Load(),
		TotalDropped:      e.totalDropped.Load(),
		CurrentQueueSize:  int(e.depth.Load()),
		MessagesPerSecond: e.rate.Rate(),
		LatencyP50:        p50,
		LatencyP95:        p95,
		LatencyP99:        p99,
		Sinks:             sinks,
		Timestamp:         time.Now(),
	}
}

// QueueDepth returns the current ingress depth.
func (e *Engine) QueueDepth() int {
	return int(e.depth.Load())
}

// Stop drains the engine: it stops accepting submits, waits up to the
// processing timeout for in-flight work, then flushes and closes every
// sink. Stop is idempotent.
func (e *Engine) Stop() error {
	var err error
	e.stopper.Do(func() {
		e.submitMu.Lock()
		e.stopVal.Store(true)
		close(e.stopCh)
		if e.started.Load() {
			close(e.queue)
		}
		e.submitMu.Unlock()

		if e.started.Load() {
			done := make(chan struct{})
			go func() {
				e.wg.Wait()
				close(done)
			}()

			select {
			case <-done:
			case <-time.After(e.config.ProcessingTimeout):
				e.logger.Warn(context.Background(), "engine drain timed out",
					"timeout", e.config.ProcessingTimeout, "remaining", e.depth.Load())
			}
		}

		e.sinksMu.Lock()
		for id, sink := range e.sinks {
			if cerr := sink.Close(); cerr != nil {
				e.logger.Error(context.Background(), "sink close failed", "sink", id, "error", cerr)
				err = cerr
			}
		}
		e.sinksMu.Unlock()

		e.logger.Info(context.Background(), "dataflow engine stopped",
			"processed", e.totalProcessed.Load(),
			"errors", e.totalErrors.Load(),
			"dropped", e.totalDropped.Load(),
		)
	})
	return err
}
