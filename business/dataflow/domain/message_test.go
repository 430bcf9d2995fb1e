package domain

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func TestMarketMessage_Key(t *testing.T) {
	msg := tradeMsg("binance", "BTCUSDT")
	if msg.Key() != "binance:BTCUSDT:trade" {
		t.Errorf("unexpected key %q", msg.Key())
	}
}

func TestMarketMessage_TypeFamily(t *testing.T) {
	msg := tradeMsg("binance", "BTCUSDT")
	if msg.TypeFamily() != "trade" {
		t.Errorf("expected trade family, got %s", msg.TypeFamily())
	}

	msg.Type = "kline_5m"
	if msg.TypeFamily() != "kline" {
		t.Errorf("expected kline family for interval type, got %s", msg.TypeFamily())
	}
}

func TestMarketMessage_ValidateTrade(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*MarketMessage)
		wantErr bool
	}{
		{"valid", func(*MarketMessage) {}, false},
		{"missing exchange", func(m *MarketMessage) { m.Exchange = "" }, true},
		{"missing symbol", func(m *MarketMessage) { m.Symbol = "" }, true},
		{"zero timestamp", func(m *MarketMessage) { m.Timestamp = 0 }, true},
		{"negative price", func(m *MarketMessage) {
			m.Data = TradeData{Price: decimal.NewFromInt(-1), Quantity: decimal.NewFromInt(1), Side: SideBuy}
		}, true},
		{"zero quantity", func(m *MarketMessage) {
			m.Data = TradeData{Price: decimal.NewFromInt(1), Quantity: decimal.Zero, Side: SideBuy}
		}, true},
		{"bad side", func(m *MarketMessage) {
			m.Data = TradeData{Price: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(1), Side: "long"}
		}, true},
		{"nil payload", func(m *MarketMessage) { m.Data = nil }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := tradeMsg("binance", "BTCUSDT")
			tc.mutate(msg)
			err := msg.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestMarketMessage_ValidateDepth(t *testing.T) {
	level := func(p, q int64) PriceLevel {
		return PriceLevel{Price: decimal.NewFromInt(p), Quantity: decimal.NewFromInt(q)}
	}

	msg := &MarketMessage{
		Exchange: "binance", Symbol: "BTCUSDT", Type: TypeDepth, Timestamp: 1,
		Data: DepthData{Bids: []PriceLevel{level(100, 1)}, Asks: []PriceLevel{level(101, 2)}},
	}
	if err := msg.Validate(); err != nil {
		t.Fatalf("valid depth rejected: %v", err)
	}

	msg.Data = DepthData{}
	if err := msg.Validate(); err == nil {
		t.Error("empty depth accepted")
	}

	msg.Data = DepthData{Bids: []PriceLevel{level(100, 0)}}
	if err := msg.Validate(); err == nil {
		t.Error("zero-quantity level accepted")
	}
}

func TestMarketMessage_RawFrameRejected(t *testing.T) {
	msg := tradeMsg("binance", "BTCUSDT")
	msg.Data = RawFrame{Raw: json.RawMessage(`{}`)}
	if err := msg.Validate(); err == nil {
		t.Error("untransformed raw frame accepted")
	}
}

func TestPriceLevel_JSONRoundTrip(t *testing.T) {
	level := PriceLevel{
		Price:    decimal.RequireFromString("42313.51"),
		Quantity: decimal.RequireFromString("0.125"),
	}

	data, err := json.Marshal(level)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `["42313.51","0.125"]` {
		t.Errorf("unexpected wire form %s", data)
	}

	var back PriceLevel
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Price.Equal(level.Price) || !back.Quantity.Equal(level.Quantity) {
		t.Errorf("round trip mismatch: %v", back)
	}
}
