package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fd1az/market-collector/business/dataflow/app"
	"github.com/fd1az/market-collector/business/dataflow/domain"
	"github.com/fd1az/market-collector/internal/logger"
)

func testLogger() logger.LoggerInterface {
	return logger.New(io.Discard, logger.LevelError, "test", nil)
}

func sampleTrade() *domain.MarketMessage {
	msg := &domain.MarketMessage{
		Exchange:   "binance",
		Symbol:     "BTCUSDT",
		Type:       domain.TypeTrade,
		Timestamp:  1700000000000,
		ReceivedAt: 1700000000100,
		Data: domain.TradeData{
			Price:    decimal.RequireFromString("42000.5"),
			Quantity: decimal.RequireFromString("0.25"),
			Side:     domain.SideBuy,
		},
	}
	msg.SetMeta(domain.MetaSource, "exchange-collector")
	return msg
}

// fakePublisher records broker publishes.
type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	attrs  []map[string]string
	bodies [][]byte
	err    error
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, payload []byte, attributes map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.attrs = append(p.attrs, attributes)
	p.bodies = append(p.bodies, payload)
	return nil
}

func TestPublishSink_TopicAndAttributes(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewPublishSink(PublishSinkConfig{ID: "publish", TopicPrefix: "market"}, pub, testLogger())

	meta := map[string]any{domain.MetaRoutedBy: "default"}
	if err := sink.Write(context.Background(), sampleTrade(), meta); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if pub.topics[0] != "market-trade-binance" {
		t.Errorf("topic = %s", pub.topics[0])
	}

	attrs := pub.attrs[0]
	for key, want := range map[string]string{
		"exchange":    "binance",
		"symbol":      "BTCUSDT",
		"type":        "trade",
		"source":      "exchange-collector",
		"channelId":   "publish",
		"channelType": "publish",
		"routedBy":    "default",
	} {
		if attrs[key] != want {
			t.Errorf("attr %s = %q, expected %q", key, attrs[key], want)
		}
	}

	var body map[string]any
	if err := json.Unmarshal(pub.bodies[0], &body); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if body["exchange"] != "binance" || body["symbol"] != "BTCUSDT" {
		t.Errorf("payload identity wrong: %v", body)
	}
}

func TestPublishSink_KlineTopicCollapses(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewPublishSink(PublishSinkConfig{ID: "publish", TopicPrefix: "market"}, pub, testLogger())

	msg := sampleTrade()
	msg.Type = "kline_5m"
	msg.Data = domain.KlineData{Interval: "5m", Open: decimal.NewFromInt(1)}

	if err := sink.Write(context.Background(), msg, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if pub.topics[0] != "market-kline-binance" {
		t.Errorf("kline interval leaked into topic: %s", pub.topics[0])
	}
}

func TestPublishSink_ErrorDegradesHealth(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	sink := NewPublishSink(PublishSinkConfig{}, pub, testLogger())

	for i := 0; i < 10; i++ {
		if err := sink.Write(context.Background(), sampleTrade(), nil); err == nil {
			t.Fatal("expected publish error")
		}
	}

	status := sink.Status()
	if status.Errors != 10 {
		t.Errorf("errors = %d", status.Errors)
	}
	if status.Health != app.HealthUnhealthy {
		t.Errorf("health = %s after persistent failures", status.Health)
	}
}

func TestPublishSink_CloseIdempotent(t *testing.T) {
	sink := NewPublishSink(PublishSinkConfig{}, &fakePublisher{}, testLogger())
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := sink.Write(context.Background(), sampleTrade(), nil); err == nil {
		t.Error("write after close accepted")
	}
}

// fakeBroadcaster records broadcast envelopes.
type fakeBroadcaster struct {
	mu        sync.Mutex
	channels  []string
	envelopes [][]byte
}

func (b *fakeBroadcaster) BroadcastToChannel(ctx context.Context, channel string, envelope []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = append(b.channels, channel)
	b.envelopes = append(b.envelopes, envelope)
	return 1, nil
}

func TestWebSocketSink_EnvelopeShape(t *testing.T) {
	bc := &fakeBroadcaster{}
	sink := NewWebSocketSink(WebSocketSinkConfig{ID: "websocket", Channel: "marketData"}, bc, testLogger())

	meta := map[string]any{domain.MetaRoutedBy: "default"}
	if err := sink.Write(context.Background(), sampleTrade(), meta); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if bc.channels[0] != "marketData" {
		t.Errorf("channel = %s", bc.channels[0])
	}

	var envelope struct {
		Type      string         `json:"type"`
		Payload   map[string]any `json:"payload"`
		Timestamp int64          `json:"timestamp"`
	}
	if err := json.Unmarshal(bc.envelopes[0], &envelope); err != nil {
		t.Fatalf("envelope not JSON: %v", err)
	}

	if envelope.Type != "trade" {
		t.Errorf("envelope type = %s", envelope.Type)
	}
	if envelope.Timestamp <= 0 {
		t.Error("envelope missing numeric timestamp")
	}

	metadata := envelope.Payload["metadata"].(map[string]any)
	if metadata["channelId"] != "websocket" || metadata["channelType"] != "websocket" {
		t.Errorf("channel metadata wrong: %v", metadata)
	}
	if metadata["routedBy"] != "default" {
		t.Errorf("routedBy missing: %v", metadata)
	}
}

func TestWebSocketSink_CompressedDepthEnvelope(t *testing.T) {
	bc := &fakeBroadcaster{}
	sink := NewWebSocketSink(WebSocketSinkConfig{}, bc, testLogger())

	depth := domain.DepthData{
		Bids: make([]domain.PriceLevel, 50),
		Asks: make([]domain.PriceLevel, 50),
	}
	for i := range depth.Bids {
		depth.Bids[i] = domain.PriceLevel{Price: decimal.NewFromInt(int64(100 - i)), Quantity: decimal.NewFromInt(1)}
		depth.Asks[i] = domain.PriceLevel{Price: decimal.NewFromInt(int64(101 + i)), Quantity: decimal.NewFromInt(1)}
	}

	msg := sampleTrade()
	msg.Type = domain.TypeDepth
	msg.Data = depth
	msg.SetMeta(domain.MetaCompressed, true)
	msg.SetMeta(domain.MetaOriginalSize, map[string]int{"bids": 1000, "asks": 1000})

	if err := sink.Write(context.Background(), msg, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var envelope struct {
		Payload struct {
			Data struct {
				Bids []json.RawMessage `json:"bids"`
				Asks []json.RawMessage `json:"asks"`
			} `json:"data"`
			Metadata map[string]any `json:"metadata"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(bc.envelopes[0], &envelope); err != nil {
		t.Fatalf("envelope not JSON: %v", err)
	}

	if total := len(envelope.Payload.Data.Bids) + len(envelope.Payload.Data.Asks); total > 100 {
		t.Errorf("compressed depth envelope carries %d levels", total)
	}
	if envelope.Payload.Metadata["compressed"] != true {
		t.Error("compressed flag missing from envelope metadata")
	}
}

// fakeStore records cache sets.
type fakeStore struct {
	mu     sync.Mutex
	keys   []string
	values [][]byte
	ttls   []time.Duration
}

func (s *fakeStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	s.values = append(s.values, value)
	s.ttls = append(s.ttls, ttl)
	return nil
}

func TestCacheSink_KeyAndMetadata(t *testing.T) {
	store := &fakeStore{}
	sink := NewCacheSink(CacheSinkConfig{ID: "cache", TTL: time.Minute}, store, testLogger())

	if err := sink.Write(context.Background(), sampleTrade(), nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if store.keys[0] != "binance:BTCUSDT:trade" {
		t.Errorf("key = %s", store.keys[0])
	}
	if store.ttls[0] != time.Minute {
		t.Errorf("ttl = %v", store.ttls[0])
	}

	var value struct {
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(store.values[0], &value); err != nil {
		t.Fatalf("value not JSON: %v", err)
	}
	if _, ok := value.Metadata["cached_at"]; !ok {
		t.Error("cached_at missing")
	}
	if value.Metadata["channelId"] != "cache" {
		t.Errorf("channelId = %v", value.Metadata["channelId"])
	}
}

func TestCacheSink_LastWriteWins(t *testing.T) {
	store := &fakeStore{}
	sink := NewCacheSink(CacheSinkConfig{}, store, testLogger())

	first := sampleTrade()
	second := sampleTrade()
	second.Timestamp = first.Timestamp + 1

	if err := sink.Write(context.Background(), first, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sink.Write(context.Background(), second, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Same key, two sets: the store's latest value is the second message.
	if store.keys[0] != store.keys[1] {
		t.Fatalf("keys differ: %s vs %s", store.keys[0], store.keys[1])
	}
	var value struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(store.values[1], &value); err != nil {
		t.Fatalf("value not JSON: %v", err)
	}
	if value.Timestamp != second.Timestamp {
		t.Errorf("last write lost: %d", value.Timestamp)
	}
}
