// Package binance implements the reference Binance exchange adapter on
// top of the combined-stream WebSocket API.
package binance

import (
	"encoding/json"
	"strings"
)

// combinedFrame is the envelope of combined-stream messages:
// {"stream":"btcusdt@trade","data":{...}}.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// streamSymbol extracts the lowercase symbol from a stream name.
func streamSymbol(stream string) string {
	if idx := strings.IndexByte(stream, '@'); idx > 0 {
		return stream[:idx]
	}
	return stream
}

// streamKind extracts the stream kind (trade, ticker, depth20, kline_1m).
func streamKind(stream string) string {
	if idx := strings.IndexByte(stream, '@'); idx >= 0 && idx+1 < len(stream) {
		kind := stream[idx+1:]
		// Depth streams may carry a speed suffix: depth20@100ms.
		if at := strings.IndexByte(kind, '@'); at > 0 {
			kind = kind[:at]
		}
		return kind
	}
	return ""
}

// TradeEvent is a raw trade stream payload.
type TradeEvent struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// TickerEvent is a raw 24hr ticker stream payload.
type TickerEvent struct {
	EventType  string `json:"e"`
	EventTime  int64  `json:"E"`
	Symbol     string `json:"s"`
	LastPrice  string `json:"c"`
	BidPrice   string `json:"b"`
	AskPrice   string `json:"a"`
	HighPrice  string `json:"h"`
	LowPrice   string `json:"l"`
	Volume     string `json:"v"`
	PriceChPct string `json:"P"`
}

// DepthEvent is a raw partial book depth payload. Level arrays are
// [price, quantity] string pairs.
type DepthEvent struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// KlineEvent is a raw kline stream payload.
type KlineEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		Interval string `json:"i"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}
