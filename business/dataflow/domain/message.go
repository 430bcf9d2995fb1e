// Package domain contains the core market message model and routing rules
// for the dataflow context.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MessageType is the canonical market message type.
type MessageType string

const (
	TypeTrade  MessageType = "trade"
	TypeTicker MessageType = "ticker"
	TypeDepth  MessageType = "depth"
	TypeKline  MessageType = "kline"
)

// Side is the taker side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Reserved metadata keys.
const (
	MetaSource            = "source"
	MetaProcessedAt       = "processed_at"
	MetaLatency           = "latency"
	MetaQualityScore      = "quality_score"
	MetaProcessingVersion = "processing_version"
	MetaCompressed        = "compressed"
	MetaCompressionRatio  = "compression_ratio"
	MetaOriginalSize      = "_original_size"
	MetaInterval          = "interval"
	MetaCachedAt          = "cached_at"
	MetaChannelID         = "channelId"
	MetaChannelType       = "channelType"
	MetaRoutedBy          = "routedBy"
	MetaBatchedBy         = "batchedBy"
	MetaBatchSize         = "batchSize"
)

// Payload is the type-specific data carried by a MarketMessage.
type Payload interface {
	isPayload()
}

// TradeData is the payload of a trade message.
type TradeData struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Side     Side            `json:"side"`
	TradeID  int64           `json:"trade_id,omitempty"`
}

func (TradeData) isPayload() {}

// TickerData is the payload of a 24h ticker message.
type TickerData struct {
	Last      decimal.Decimal `json:"last"`
	Bid       decimal.Decimal `json:"bid,omitempty"`
	Ask       decimal.Decimal `json:"ask,omitempty"`
	High      decimal.Decimal `json:"high,omitempty"`
	Low       decimal.Decimal `json:"low,omitempty"`
	Volume    decimal.Decimal `json:"volume,omitempty"`
	ChangePct decimal.Decimal `json:"change_pct,omitempty"`
}

func (TickerData) isPayload() {}

// PriceLevel is a single order book level.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// MarshalJSON encodes a level as the conventional [price, qty] pair.
func (l PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{l.Price.String(), l.Quantity.String()})
}

// UnmarshalJSON decodes a [price, qty] pair. Elements may be JSON
// strings or bare numbers.
func (l *PriceLevel) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	parse := func(elem json.RawMessage) (decimal.Decimal, error) {
		var s string
		if err := json.Unmarshal(elem, &s); err != nil {
			// Bare number
			s = string(elem)
		}
		return decimal.NewFromString(s)
	}

	price, err := parse(raw[0])
	if err != nil {
		return fmt.Errorf("parse level price: %w", err)
	}
	qty, err := parse(raw[1])
	if err != nil {
		return fmt.Errorf("parse level quantity: %w", err)
	}
	l.Price, l.Quantity = price, qty
	return nil
}

// DepthData is the payload of an order book snapshot.
// Bids are expected sorted descending by price, asks ascending.
type DepthData struct {
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

func (DepthData) isPayload() {}

// KlineData is the payload of a candle message.
type KlineData struct {
	Interval string          `json:"interval"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
	Closed   bool            `json:"closed,omitempty"`
}

func (KlineData) isPayload() {}

// RawFrame is an unparsed adapter frame awaiting transformation.
type RawFrame struct {
	Raw json.RawMessage `json:"raw"`
}

func (RawFrame) isPayload() {}

// MarketMessage is the canonical in-memory market data record. It is
// created by an adapter, owned by the engine from Submit until every sink
// has accepted or rejected it, then discarded.
type MarketMessage struct {
	Exchange   string         `json:"exchange"`
	Symbol     string         `json:"symbol"`
	Type       MessageType    `json:"type"`
	Timestamp  int64          `json:"timestamp"`   // ms since epoch
	ReceivedAt int64          `json:"received_at"` // ms since epoch
	Data       Payload        `json:"data"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Key returns the ordering key. Messages with equal keys are delivered to
// every sink in submit order.
func (m *MarketMessage) Key() string {
	return m.Exchange + ":" + m.Symbol + ":" + string(m.Type)
}

// Ident returns a log-safe identity string (never the payload).
func (m *MarketMessage) Ident() string {
	return fmt.Sprintf("%s/%s/%s", m.Exchange, m.Symbol, m.Type)
}

// SetMeta sets a metadata key, allocating the map on first use.
func (m *MarketMessage) SetMeta(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any, 8)
	}
	m.Metadata[key] = value
}

// Meta returns a metadata value.
func (m *MarketMessage) Meta(key string) (any, bool) {
	v, ok := m.Metadata[key]
	return v, ok
}

// TypeFamily collapses kline intervals onto the kline family; other types
// map to themselves. Used for topic naming.
func (m *MarketMessage) TypeFamily() string {
	if strings.HasPrefix(string(m.Type), "kline") {
		return string(TypeKline)
	}
	return string(m.Type)
}

// Validate checks the core field invariants and the type-specific payload.
func (m *MarketMessage) Validate() error {
	if m.Exchange == "" {
		return fmt.Errorf("missing exchange")
	}
	if m.Symbol == "" {
		return fmt.Errorf("missing symbol")
	}
	if m.Type == "" {
		return fmt.Errorf("missing type")
	}
	if m.Timestamp <= 0 {
		return fmt.Errorf("invalid timestamp %d", m.Timestamp)
	}

	switch data := m.Data.(type) {
	case TradeData:
		return validateTrade(data)
	case *TradeData:
		return validateTrade(*data)
	case DepthData:
		return validateDepth(data)
	case *DepthData:
		return validateDepth(*data)
	case TickerData, *TickerData, KlineData, *KlineData:
		// No additional payload invariants
		return nil
	case RawFrame, *RawFrame:
		return fmt.Errorf("raw frame has not been transformed")
	case nil:
		return fmt.Errorf("missing payload")
	default:
		return fmt.Errorf("unsupported payload type %T", m.Data)
	}
}

func validateTrade(trade TradeData) error {
	if !trade.Price.IsPositive() {
		return fmt.Errorf("trade price must be positive")
	}
	if !trade.Quantity.IsPositive() {
		return fmt.Errorf("trade quantity must be positive")
	}
	if trade.Side != SideBuy && trade.Side != SideSell {
		return fmt.Errorf("invalid trade side %q", trade.Side)
	}
	return nil
}

func validateDepth(depth DepthData) error {
	if len(depth.Bids) == 0 && len(depth.Asks) == 0 {
		return fmt.Errorf("depth has no levels")
	}
	for _, l := range depth.Bids {
		if !l.Price.IsPositive() || !l.Quantity.IsPositive() {
			return fmt.Errorf("invalid bid level [%s, %s]", l.Price, l.Quantity)
		}
	}
	for _, l := range depth.Asks {
		if !l.Price.IsPositive() || !l.Quantity.IsPositive() {
			return fmt.Errorf("invalid ask level [%s, %s]", l.Price, l.Quantity)
		}
	}
	return nil
}
