package binance

import (
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/fd1az/market-collector/business/dataflow/domain"
	"github.com/fd1az/market-collector/internal/logger"
)

func testLogger() logger.LoggerInterface {
	return logger.New(io.Discard, logger.LevelError, "test", nil)
}

// fakeSubmitter records submitted messages.
type fakeSubmitter struct {
	mu   sync.Mutex
	msgs []*domain.MarketMessage
}

func (s *fakeSubmitter) Submit(msg *domain.MarketMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeSubmitter) {
	t.Helper()
	sub := &fakeSubmitter{}
	adapter, err := NewAdapter(AdapterConfig{
		WebSocketURL: "wss://example.invalid",
		Symbols:      []string{"BTCUSDT", "ethusdt"},
		Streams:      []string{"trade", "ticker", "depth", "kline_1m"},
	}, sub, testLogger())
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	return adapter, sub
}

func TestAdapter_BuildStreamURL(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	url := adapter.buildStreamURL()
	if !strings.HasPrefix(url, "wss://example.invalid/stream?streams=") {
		t.Fatalf("unexpected url %s", url)
	}
	for _, part := range []string{
		"btcusdt@trade", "btcusdt@ticker", "btcusdt@depth20@100ms", "btcusdt@kline_1m",
		"ethusdt@trade",
	} {
		if !strings.Contains(url, part) {
			t.Errorf("url missing %s: %s", part, url)
		}
	}
}

func TestAdapter_TranslateTrade(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	frame := combinedFrame{
		Stream: "btcusdt@trade",
		Data: []byte(`{"e":"trade","E":1700000000100,"s":"BTCUSDT","t":42,
			"p":"42000.50","q":"0.25","T":1700000000050,"m":true}`),
	}

	msg, err := adapter.translate(frame)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}

	if msg.Exchange != "binance" || msg.Symbol != "BTCUSDT" {
		t.Errorf("identity wrong: %s/%s", msg.Exchange, msg.Symbol)
	}
	if msg.Type != "trade" {
		t.Errorf("raw type = %s", msg.Type)
	}
	if msg.Timestamp != 1700000000050 {
		t.Errorf("timestamp = %d", msg.Timestamp)
	}

	trade := msg.Data.(domain.TradeData)
	if trade.Price.String() != "42000.5" || trade.Quantity.String() != "0.25" {
		t.Errorf("trade numerics: %s/%s", trade.Price, trade.Quantity)
	}
	// Buyer is maker means the taker sold.
	if trade.Side != domain.SideSell {
		t.Errorf("side = %s", trade.Side)
	}
	if trade.TradeID != 42 {
		t.Errorf("trade id = %d", trade.TradeID)
	}
}

func TestAdapter_TranslateTicker(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	frame := combinedFrame{
		Stream: "btcusdt@ticker",
		Data: []byte(`{"e":"24hrTicker","E":1700000000100,"s":"BTCUSDT",
			"c":"42000","b":"41999","a":"42001","h":"43000","l":"41000","v":"1234.5","P":"-1.25"}`),
	}

	msg, err := adapter.translate(frame)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if msg.Type != "24hrTicker" {
		t.Errorf("raw type = %s, expected adapter token to survive until transform", msg.Type)
	}

	ticker := msg.Data.(domain.TickerData)
	if ticker.Last.String() != "42000" || ticker.Bid.String() != "41999" {
		t.Errorf("ticker numerics: %+v", ticker)
	}
}

func TestAdapter_TranslateDepth(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	frame := combinedFrame{
		Stream: "btcusdt@depth20@100ms",
		Data: []byte(`{"lastUpdateId":7,
			"bids":[["42000","1.5"],["41999","2"]],
			"asks":[["42001","0.5"]]}`),
	}

	msg, err := adapter.translate(frame)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if msg.Type != "partialBookDepth" {
		t.Errorf("raw type = %s", msg.Type)
	}
	if msg.Symbol != "BTCUSDT" {
		t.Errorf("symbol from stream name = %s", msg.Symbol)
	}

	depth := msg.Data.(domain.DepthData)
	if len(depth.Bids) != 2 || len(depth.Asks) != 1 {
		t.Fatalf("levels = %d/%d", len(depth.Bids), len(depth.Asks))
	}
	if depth.Bids[0].Price.String() != "42000" {
		t.Errorf("best bid = %s", depth.Bids[0].Price)
	}
}

func TestAdapter_TranslateKline(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	frame := combinedFrame{
		Stream: "btcusdt@kline_1m",
		Data: []byte(`{"e":"kline","E":1700000000100,"s":"BTCUSDT",
			"k":{"i":"1m","o":"42000","h":"42100","l":"41900","c":"42050","v":"10","x":true}}`),
	}

	msg, err := adapter.translate(frame)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if msg.Type != "kline_1m" {
		t.Errorf("raw type = %s", msg.Type)
	}

	k := msg.Data.(domain.KlineData)
	if k.Interval != "1m" || !k.Closed {
		t.Errorf("kline = %+v", k)
	}
	if k.Close.String() != "42050" {
		t.Errorf("close = %s", k.Close)
	}
}

func TestAdapter_UnknownStreamSkipped(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	msg, err := adapter.translate(combinedFrame{
		Stream: "btcusdt@bookTicker",
		Data:   []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("unknown stream errored: %v", err)
	}
	if msg != nil {
		t.Errorf("unknown stream produced message: %+v", msg)
	}
}

func TestAdapter_MalformedFrameCounted(t *testing.T) {
	adapter, sub := newTestAdapter(t)

	adapter.handleFrame(t.Context(), []byte(`not json`))

	if adapter.parseErrors.Load() != 1 {
		t.Errorf("parse errors = %d", adapter.parseErrors.Load())
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.msgs) != 0 {
		t.Error("malformed frame submitted")
	}
}

func TestAdapter_HandleFrameSubmits(t *testing.T) {
	adapter, sub := newTestAdapter(t)

	adapter.handleFrame(t.Context(), []byte(`{"stream":"btcusdt@trade",
		"data":{"e":"trade","E":1,"s":"BTCUSDT","t":1,"p":"1","q":"1","T":1,"m":false}}`))

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.msgs) != 1 {
		t.Fatalf("submitted %d messages", len(sub.msgs))
	}
	if sub.msgs[0].ReceivedAt == 0 {
		t.Error("received_at not stamped")
	}
}
