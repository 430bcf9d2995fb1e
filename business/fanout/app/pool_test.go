package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fd1az/market-collector/business/fanout/domain"
	"github.com/fd1az/market-collector/internal/logger"
)

func testLogger() logger.LoggerInterface {
	return logger.New(io.Discard, logger.LevelError, "test", nil)
}

// fakeSocket records writes and can be told to fail.
type fakeSocket struct {
	mu      sync.Mutex
	writes  [][]byte
	pings   int
	closed  bool
	failing bool
}

func (s *fakeSocket) Write(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("socket dead")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.writes = append(s.writes, buf)
	return nil
}

func (s *fakeSocket) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("socket dead")
	}
	s.pings++
	return nil
}

func (s *fakeSocket) Close(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *fakeSocket) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.writes) == 0 {
		return nil
	}
	return s.writes[len(s.writes)-1]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func newTestPool(t *testing.T, cfg PoolConfig) *Pool {
	t.Helper()
	pool, err := NewPool(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return pool
}

// addOpen admits a connection and marks it open.
func addOpen(t *testing.T, pool *Pool, id string) *fakeSocket {
	t.Helper()
	sock := &fakeSocket{}
	if !pool.Add(id, sock, nil) {
		t.Fatalf("Add(%s) refused", id)
	}
	pool.MarkOpen(id)
	return sock
}

func TestPool_AdmissionLimits(t *testing.T) {
	pool := newTestPool(t, PoolConfig{MaxConnections: 2})
	defer pool.Stop()

	if !pool.Add("a", &fakeSocket{}, nil) {
		t.Fatal("first Add refused")
	}
	if pool.Add("a", &fakeSocket{}, nil) {
		t.Fatal("duplicate ID admitted")
	}
	if !pool.Add("b", &fakeSocket{}, nil) {
		t.Fatal("second Add refused")
	}
	if pool.Add("c", &fakeSocket{}, nil) {
		t.Fatal("pool over capacity")
	}

	stats := pool.Stats()
	if stats.ActiveConnections != 2 || stats.Utilization != 1.0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPool_SubscribeFilteredBroadcast(t *testing.T) {
	pool := newTestPool(t, PoolConfig{MaxConnections: 10})
	defer pool.Stop()

	sock1 := addOpen(t, pool, "conn1")
	sock2 := addOpen(t, pool, "conn2")
	sock3 := addOpen(t, pool, "conn3")

	conn1, _ := pool.Get("conn1")
	conn2, _ := pool.Get("conn2")
	conn1.Subscriptions().Add("marketData")
	conn2.Subscriptions().Add("marketData")

	envelope := []byte(`{"type":"trade","payload":{}}`)
	delivered, err := pool.BroadcastToChannel(context.Background(), "marketData", envelope)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if delivered != 2 {
		t.Errorf("delivered = %d, expected 2", delivered)
	}

	if !waitFor(t, time.Second, func() bool {
		return sock1.count() == 1 && sock2.count() == 1
	}) {
		t.Fatalf("subscribers did not receive: %d/%d", sock1.count(), sock2.count())
	}

	// The unsubscribed connection receives nothing.
	time.Sleep(50 * time.Millisecond)
	if sock3.count() != 0 {
		t.Errorf("unsubscribed connection received %d envelopes", sock3.count())
	}

	var received struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(sock1.last(), &received); err != nil {
		t.Fatalf("envelope not JSON: %v", err)
	}
	if received.Type != "trade" {
		t.Errorf("envelope type = %s", received.Type)
	}
}

func TestPool_ConnectingConnectionsSkipped(t *testing.T) {
	pool := newTestPool(t, PoolConfig{MaxConnections: 10})
	defer pool.Stop()

	sock := &fakeSocket{}
	pool.Add("pending", sock, nil) // never marked open
	conn, _ := pool.Get("pending")
	conn.Subscriptions().Add("marketData")

	delivered, _ := pool.BroadcastToChannel(context.Background(), "marketData", []byte(`{}`))
	if delivered != 0 {
		t.Errorf("connecting connection received broadcast")
	}
}

func TestPool_DeadConnectionRemovedOnWriteFailure(t *testing.T) {
	pool := newTestPool(t, PoolConfig{MaxConnections: 10})
	defer pool.Stop()

	sock := addOpen(t, pool, "doomed")
	sock.mu.Lock()
	sock.failing = true
	sock.mu.Unlock()

	conn, _ := pool.Get("doomed")
	conn.Subscriptions().Add("ch")

	pool.BroadcastToChannel(context.Background(), "ch", []byte(`{}`))

	if !waitFor(t, time.Second, func() bool {
		_, ok := pool.Get("doomed")
		return !ok
	}) {
		t.Fatal("dead connection not removed")
	}
}

func TestPool_RemoveFlushesBuffer(t *testing.T) {
	pool := newTestPool(t, PoolConfig{MaxConnections: 10})
	defer pool.Stop()

	sock := addOpen(t, pool, "leaving")
	conn, _ := pool.Get("leaving")

	for i := 0; i < 5; i++ {
		conn.Enqueue([]byte(fmt.Sprintf(`{"seq":%d}`, i)))
	}
	pool.Remove("leaving", "test")

	// Remove waits for the writer, so buffered envelopes are flushed.
	if sock.count() != 5 {
		t.Errorf("flushed %d of 5 buffered envelopes", sock.count())
	}
	sock.mu.Lock()
	closed := sock.closed
	sock.mu.Unlock()
	if !closed {
		t.Error("socket not closed on removal")
	}
}

func TestPool_BatchingAggregates(t *testing.T) {
	pool := newTestPool(t, PoolConfig{
		MaxConnections: 10,
		EnableBatching: true,
		BatchSize:      3,
		FlushInterval:  10 * time.Second, // size-triggered only
	})
	defer pool.Stop()

	sock := addOpen(t, pool, "batched")
	conn, _ := pool.Get("batched")

	for i := 0; i < 3; i++ {
		conn.Enqueue([]byte(fmt.Sprintf(`{"seq":%d}`, i)))
	}

	if !waitFor(t, time.Second, func() bool { return sock.count() == 1 }) {
		t.Fatalf("expected one batch frame, got %d", sock.count())
	}

	var batch domain.BatchEnvelope
	if err := json.Unmarshal(sock.last(), &batch); err != nil {
		t.Fatalf("batch not JSON: %v", err)
	}
	if batch.Type != domain.TypeBatch || batch.Count != 3 || len(batch.Messages) != 3 {
		t.Errorf("batch = %+v", batch)
	}
	if batch.Timestamp <= 0 {
		t.Error("batch missing timestamp")
	}
}

func TestPool_ShutdownSendsFinalBatch(t *testing.T) {
	pool := newTestPool(t, PoolConfig{
		MaxConnections: 10,
		EnableBatching: true,
		BatchSize:      100,
		FlushInterval:  10 * time.Second,
	})

	sock := addOpen(t, pool, "conn")
	conn, _ := pool.Get("conn")
	conn.Enqueue([]byte(`{"seq":0}`))
	conn.Enqueue([]byte(`{"seq":1}`))

	pool.Stop()

	if sock.count() != 1 {
		t.Fatalf("expected one final batch, got %d frames", sock.count())
	}
	var batch domain.BatchEnvelope
	if err := json.Unmarshal(sock.last(), &batch); err != nil {
		t.Fatalf("batch not JSON: %v", err)
	}
	if batch.Type != domain.TypeBatchFinal || batch.Count != 2 {
		t.Errorf("final batch = %+v", batch)
	}
}

func TestPool_IdleCleanup(t *testing.T) {
	pool := newTestPool(t, PoolConfig{
		MaxConnections:    10,
		HeartbeatInterval: 20 * time.Millisecond,
		ConnectionTimeout: 50 * time.Millisecond,
	})
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	addOpen(t, pool, "idle")
	addOpen(t, pool, "busy")

	go func() {
		// Keep one connection active past the idle cutoff.
		for i := 0; i < 20; i++ {
			if conn, ok := pool.Get("busy"); ok {
				conn.Touch()
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	if !waitFor(t, 2*time.Second, func() bool {
		_, idleThere := pool.Get("idle")
		_, busyThere := pool.Get("busy")
		return !idleThere && busyThere
	}) {
		t.Fatal("idle connection survived cleanup or busy connection was dropped")
	}
}

func TestPool_StopIdempotent(t *testing.T) {
	pool := newTestPool(t, PoolConfig{MaxConnections: 10})
	addOpen(t, pool, "a")

	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := pool.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if pool.Stats().ActiveConnections != 0 {
		t.Error("connections survived stop")
	}
}
