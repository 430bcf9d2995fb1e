package app

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fd1az/market-collector/business/dataflow/domain"
	"github.com/fd1az/market-collector/internal/apperror"
)

// ProcessingVersion is stamped on every transformed message.
const ProcessingVersion = "2.1.0"

// messageSource is the source tag stamped on transformed messages.
const messageSource = "exchange-collector"

// canonicalTypes maps adapter-specific type tokens onto canonical types.
// Kline tokens are handled separately to preserve the interval.
var canonicalTypes = map[string]domain.MessageType{
	"trade":            domain.TypeTrade,
	"trades":           domain.TypeTrade,
	"aggTrade":         domain.TypeTrade,
	"ticker":           domain.TypeTicker,
	"24hrTicker":       domain.TypeTicker,
	"depth":            domain.TypeDepth,
	"orderbook":        domain.TypeDepth,
	"partialBookDepth": domain.TypeDepth,
	"kline":            domain.TypeKline,
}

// transformCounters implements the shared stats tracking for transformers.
type transformCounters struct {
	transformed  atomic.Int64
	errors       atomic.Int64
	totalLatency atomic.Int64 // microseconds
	lastActivity atomic.Int64 // unix nanos
}

func (c *transformCounters) observe(start time.Time, err error) {
	c.lastActivity.Store(time.Now().UnixNano())
	if err != nil {
		c.errors.Add(1)
		return
	}
	c.transformed.Add(1)
	c.totalLatency.Add(time.Since(start).Microseconds())
}

func (c *transformCounters) stats() TransformStats {
	transformed := c.transformed.Load()
	var avg int64
	if transformed > 0 {
		avg = c.totalLatency.Load() / transformed
	}
	return TransformStats{
		Transformed:  transformed,
		Errors:       c.errors.Load(),
		AvgLatencyUs: avg,
		LastActivity: time.Unix(0, c.lastActivity.Load()),
	}
}

// StandardTransformConfig holds the standard transform tuning.
type StandardTransformConfig struct {
	// LatencySoftThreshold is the latency above which the quality score
	// starts to degrade.
	LatencySoftThreshold time.Duration
}

// DefaultStandardTransformConfig returns sensible defaults.
func DefaultStandardTransformConfig() StandardTransformConfig {
	return StandardTransformConfig{LatencySoftThreshold: time.Second}
}

// StandardTransform normalizes identifiers, canonicalizes the message type,
// validates the payload and computes latency and quality metadata. It is
// idempotent on an already-standardized message (bar processed_at).
type StandardTransform struct {
	config StandardTransformConfig
	transformCounters
}

// NewStandardTransform creates the standard transform.
func NewStandardTransform(cfg StandardTransformConfig) *StandardTransform {
	if cfg.LatencySoftThreshold <= 0 {
		cfg.LatencySoftThreshold = time.Second
	}
	return &StandardTransform{config: cfg}
}

func (t *StandardTransform) Name() string { return "standard" }

func (t *StandardTransform) Stats() TransformStats { return t.stats() }

func (t *StandardTransform) Transform(ctx context.Context, msg *domain.MarketMessage) (err error) {
	start := time.Now()
	defer func() { t.observe(start, err) }()

	msg.Exchange = strings.ToLower(strings.TrimSpace(msg.Exchange))
	msg.Symbol = strings.ToUpper(strings.TrimSpace(msg.Symbol))

	if err = t.canonicalizeType(msg); err != nil {
		return err
	}

	// Timestamps may arrive as numeric strings in metadata.
	if msg.Timestamp == 0 {
		if raw, ok := msg.Meta("timestamp"); ok {
			ts, perr := coerceTimestamp(raw)
			if perr != nil {
				return apperror.New(apperror.CodeValidationError,
					apperror.WithContext("unparseable timestamp"), apperror.WithCause(perr))
			}
			msg.Timestamp = ts
			delete(msg.Metadata, "timestamp")
		}
	}

	now := time.Now().UnixMilli()

	// Latency from receipt, when the receipt time is sensible.
	if msg.ReceivedAt > 0 && msg.ReceivedAt <= now {
		msg.SetMeta(domain.MetaLatency, now-msg.ReceivedAt)
	}

	if verr := msg.Validate(); verr != nil {
		return apperror.New(apperror.CodeValidationError,
			apperror.WithContext(verr.Error()))
	}

	msg.SetMeta(domain.MetaQualityScore, t.qualityScore(msg, now))
	msg.SetMeta(domain.MetaProcessedAt, now)
	msg.SetMeta(domain.MetaSource, messageSource)
	msg.SetMeta(domain.MetaProcessingVersion, ProcessingVersion)

	return nil
}

// canonicalizeType maps the raw type token onto the canonical set,
// preserving kline intervals in metadata.
func (t *StandardTransform) canonicalizeType(msg *domain.MarketMessage) error {
	raw := strings.TrimSpace(string(msg.Type))

	if interval, ok := strings.CutPrefix(raw, "kline_"); ok {
		msg.Type = domain.TypeKline
		if interval != "" {
			msg.SetMeta(domain.MetaInterval, interval)
		}
		return nil
	}

	canonical, ok := canonicalTypes[raw]
	if !ok {
		return apperror.New(apperror.CodeUnsupportedMessageType,
			apperror.WithContext(raw))
	}
	msg.Type = canonical

	// Carry the kline interval outward when the payload knows it.
	if canonical == domain.TypeKline {
		if k, ok := msg.Data.(domain.KlineData); ok && k.Interval != "" {
			msg.SetMeta(domain.MetaInterval, k.Interval)
		}
	}
	return nil
}

// qualityScore starts at 1 and subtracts penalties for missing optional
// fields and excess latency. The exact formula is internal; fresh complete
// messages score above 0.8, stale incomplete ones below 0.5.
func (t *StandardTransform) qualityScore(msg *domain.MarketMessage, nowMs int64) float64 {
	score := 1.0

	score -= 0.1 * float64(missingOptionalFields(msg))

	if msg.ReceivedAt > 0 && msg.ReceivedAt <= nowMs {
		latency := time.Duration(nowMs-msg.ReceivedAt) * time.Millisecond
		if latency > t.config.LatencySoftThreshold {
			excess := float64(latency-t.config.LatencySoftThreshold) /
				float64(t.config.LatencySoftThreshold)
			penalty := 0.5 * excess
			if penalty > 0.5 {
				penalty = 0.5
			}
			score -= penalty
		}
	}

	if score < 0 {
		return 0
	}
	return score
}

func missingOptionalFields(msg *domain.MarketMessage) int {
	missing := 0
	switch data := msg.Data.(type) {
	case domain.TickerData:
		if data.Bid.IsZero() {
			missing++
		}
		if data.Ask.IsZero() {
			missing++
		}
		if data.Volume.IsZero() {
			missing++
		}
	case domain.TradeData:
		if data.TradeID == 0 {
			missing++
		}
	}
	if msg.ReceivedAt == 0 {
		missing++
	}
	return missing
}

// coerceTimestamp accepts integers, floats and numeric strings.
func coerceTimestamp(v any) (int64, error) {
	switch ts := v.(type) {
	case int64:
		return ts, nil
	case int:
		return int64(ts), nil
	case float64:
		return int64(ts), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
	default:
		return 0, strconv.ErrSyntax
	}
}

// Depth compression bounds.
const (
	compressionTrigger = 200 // total levels above which depth is truncated
	compressionKeep    = 50  // levels kept per side
)

// CompressionTransform truncates oversized depth snapshots to the top
// levels per side, recording the original sizes and compression ratio.
// Non-depth messages pass through unchanged.
type CompressionTransform struct {
	transformCounters
}

// NewCompressionTransform creates the depth compression transform.
func NewCompressionTransform() *CompressionTransform {
	return &CompressionTransform{}
}

func (t *CompressionTransform) Name() string { return "compression" }

func (t *CompressionTransform) Stats() TransformStats { return t.stats() }

func (t *CompressionTransform) Transform(ctx context.Context, msg *domain.MarketMessage) (err error) {
	start := time.Now()
	defer func() { t.observe(start, err) }()

	if msg.Type != domain.TypeDepth {
		return nil
	}

	depth, ok := msg.Data.(domain.DepthData)
	if !ok {
		if p, isPtr := msg.Data.(*domain.DepthData); isPtr {
			depth = *p
		} else {
			return nil
		}
	}

	oldBids, oldAsks := len(depth.Bids), len(depth.Asks)
	if oldBids+oldAsks <= compressionTrigger {
		return nil
	}

	// Input sides are assumed ordered: bids descending, asks ascending.
	if oldBids > compressionKeep {
		depth.Bids = depth.Bids[:compressionKeep]
	}
	if oldAsks > compressionKeep {
		depth.Asks = depth.Asks[:compressionKeep]
	}
	msg.Data = depth

	msg.SetMeta(domain.MetaOriginalSize, map[string]int{
		"bids": oldBids,
		"asks": oldAsks,
	})
	msg.SetMeta(domain.MetaCompressed, true)
	msg.SetMeta(domain.MetaCompressionRatio, 100.0/float64(oldBids+oldAsks))

	return nil
}
