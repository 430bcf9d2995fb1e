package app

import (
	"context"
	"testing"
	"time"

	"github.com/fd1az/market-collector/business/dataflow/domain"
)

func TestBatchSink_FlushOnTimeout(t *testing.T) {
	inner := newTestSink("wrapped")
	batch := NewBatchSink(inner, BatchConfig{Size: 10, FlushTimeout: 100 * time.Millisecond}, testLogger())
	defer batch.Close()

	msg := testMsg("binance", "BTCUSDT", domain.TypeTrade)
	if err := batch.Write(context.Background(), msg, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Nothing flushes before the timeout.
	time.Sleep(30 * time.Millisecond)
	if inner.count() != 0 {
		t.Fatal("batch flushed before timeout")
	}

	if !waitFor(t, time.Second, func() bool { return inner.count() == 1 }) {
		t.Fatalf("expected 1 delivery after timeout, got %d", inner.count())
	}

	inner.mu.Lock()
	meta := inner.metas[0]
	inner.mu.Unlock()

	if meta[domain.MetaBatchedBy] != "wrapped" {
		t.Errorf("batchedBy = %v", meta[domain.MetaBatchedBy])
	}
	if meta[domain.MetaBatchSize] != 1 {
		t.Errorf("batchSize = %v, expected 1", meta[domain.MetaBatchSize])
	}
}

func TestBatchSink_FlushOnSize(t *testing.T) {
	inner := newTestSink("wrapped")
	batch := NewBatchSink(inner, BatchConfig{Size: 5, FlushTimeout: 10 * time.Second}, testLogger())
	defer batch.Close()

	for i := 0; i < 5; i++ {
		if err := batch.Write(context.Background(), testMsg("binance", "BTCUSDT", domain.TypeTrade), nil); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	if !waitFor(t, time.Second, func() bool { return inner.count() == 5 }) {
		t.Fatalf("size-triggered flush missing, got %d", inner.count())
	}

	inner.mu.Lock()
	batchSize := inner.metas[0][domain.MetaBatchSize]
	inner.mu.Unlock()
	if batchSize != 5 {
		t.Errorf("batchSize = %v, expected 5", batchSize)
	}
}

func TestBatchSink_OrderPreserved(t *testing.T) {
	inner := newTestSink("wrapped")
	batch := NewBatchSink(inner, BatchConfig{Size: 100, FlushTimeout: 30 * time.Millisecond}, testLogger())
	defer batch.Close()

	for i := 1; i <= 10; i++ {
		msg := testMsg("binance", "BTCUSDT", domain.TypeTrade)
		msg.Timestamp = int64(i)
		if err := batch.Write(context.Background(), msg, nil); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	if !waitFor(t, time.Second, func() bool { return inner.count() == 10 }) {
		t.Fatalf("expected 10 deliveries, got %d", inner.count())
	}

	for i, msg := range inner.messages() {
		if msg.Timestamp != int64(i+1) {
			t.Fatalf("order broken at %d: timestamp %d", i, msg.Timestamp)
		}
	}
}

func TestBatchSink_CloseFlushesRemainder(t *testing.T) {
	inner := newTestSink("wrapped")
	batch := NewBatchSink(inner, BatchConfig{Size: 100, FlushTimeout: 10 * time.Second}, testLogger())

	for i := 0; i < 3; i++ {
		if err := batch.Write(context.Background(), testMsg("binance", "BTCUSDT", domain.TypeTrade), nil); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	if err := batch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Final flush is synchronous: items must be delivered by now.
	if inner.count() != 3 {
		t.Fatalf("close lost messages: delivered %d of 3", inner.count())
	}
	if inner.closed.Load() != 1 {
		t.Errorf("inner closed %d times", inner.closed.Load())
	}

	// Idempotent close.
	if err := batch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if inner.closed.Load() != 1 {
		t.Errorf("second close reached inner sink")
	}

	// Writes after close fail.
	if err := batch.Write(context.Background(), testMsg("binance", "BTCUSDT", domain.TypeTrade), nil); err == nil {
		t.Error("write after close accepted")
	}
}

func TestEngine_BatchingWrapsSinks(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.BatchingEnabled = true
	cfg.BatchSize = 10
	cfg.BatchFlushTimeout = 50 * time.Millisecond
	cfg.EnableMetrics = false

	engine := newTestEngine(t, cfg, nil)

	inner := newTestSink("wrapped")
	if err := engine.RegisterSink(inner); err != nil {
		t.Fatalf("RegisterSink: %v", err)
	}
	engine.AddRoutingRule(domain.CatchAll("all", "wrapped"))

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer engine.Stop()

	if err := engine.Submit(testMsg("binance", "BTCUSDT", domain.TypeTrade)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if !waitFor(t, 2*time.Second, func() bool { return inner.count() == 1 }) {
		t.Fatal("batched sink did not deliver")
	}

	inner.mu.Lock()
	meta := inner.metas[0]
	inner.mu.Unlock()
	if meta[domain.MetaBatchedBy] != "wrapped" {
		t.Errorf("engine batching did not stamp batchedBy: %v", meta)
	}
}
