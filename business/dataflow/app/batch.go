package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fd1az/market-collector/business/dataflow/domain"
	"github.com/fd1az/market-collector/internal/apperror"
	"github.com/fd1az/market-collector/internal/logger"
)

// BatchConfig holds batch sink tuning.
type BatchConfig struct {
	Size         int           // flush when this many messages are pending
	FlushTimeout time.Duration // flush when the oldest message is this old
}

type batchItem struct {
	msg  *domain.MarketMessage
	meta map[string]any
}

// BatchSink decorates another sink with size- and time-triggered batching.
// Flushes for one instance are serialized; Close performs a final
// synchronous flush so no message is lost on clean shutdown.
type BatchSink struct {
	inner  Sink
	config BatchConfig
	logger logger.LoggerInterface

	counters *SinkCounters

	mu      sync.Mutex
	pending []batchItem
	oldest  time.Time

	flushMu sync.Mutex

	kick      chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBatchSink wraps a sink. The wrapper keeps the inner sink's ID so the
// routing table is unaffected by the batching switch.
func NewBatchSink(inner Sink, cfg BatchConfig, log logger.LoggerInterface) *BatchSink {
	if cfg.Size <= 0 {
		cfg.Size = 50
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 100 * time.Millisecond
	}

	b := &BatchSink{
		inner:    inner,
		config:   cfg,
		logger:   log,
		counters: NewSinkCounters(),
		kick:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}

	b.wg.Add(1)
	go b.flushLoop()

	return b
}

func (b *BatchSink) ID() string     { return b.inner.ID() }
func (b *BatchSink) Type() SinkType { return SinkTypeBatch }

// Write buffers the message. The actual inner write happens on flush.
func (b *BatchSink) Write(ctx context.Context, msg *domain.MarketMessage, meta map[string]any) error {
	if b.closed.Load() {
		return apperror.New(apperror.CodeSinkError,
			apperror.WithContext("batch sink closed: "+b.ID()))
	}

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.oldest = time.Now()
	}
	b.pending = append(b.pending, batchItem{msg: msg, meta: meta})
	full := len(b.pending) >= b.config.Size
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// flushLoop flushes on size kicks and on the flush timeout.
func (b *BatchSink) flushLoop() {
	defer b.wg.Done()

	tick := b.config.FlushTimeout / 4
	if tick < time.Millisecond {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-b.kick:
			b.flush(context.Background())
		case <-ticker.C:
			b.mu.Lock()
			due := len(b.pending) > 0 && time.Since(b.oldest) >= b.config.FlushTimeout
			b.mu.Unlock()
			if due {
				b.flush(context.Background())
			}
		}
	}
}

// flush delivers pending items to the inner sink in buffered order.
func (b *BatchSink) flush(ctx context.Context) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	for _, item := range batch {
		meta := make(map[string]any, len(item.meta)+2)
		for k, v := range item.meta {
			meta[k] = v
		}
		meta[domain.MetaBatchedBy] = b.ID()
		meta[domain.MetaBatchSize] = len(batch)

		start := time.Now()
		err := b.inner.Write(ctx, item.msg, meta)
		b.counters.ObserveWrite(start, err)
		if err != nil {
			b.logger.Warn(ctx, "batched write failed",
				"sink", b.ID(), "message", item.msg.Ident(), "error", err)
		}
	}
}

// Status reports the wrapper's own counters.
func (b *BatchSink) Status() SinkStatus {
	return b.counters.Status(b.ID(), SinkTypeBatch, !b.closed.Load())
}

// Close stops the flush loop, synchronously flushes the remainder and
// closes the inner sink. It is idempotent.
func (b *BatchSink) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.stopCh)
		b.wg.Wait()

		b.flush(context.Background())
		err = b.inner.Close()
	})
	return err
}
