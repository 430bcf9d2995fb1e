package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/fd1az/market-collector/business/dataflow/domain"
	"github.com/fd1az/market-collector/business/ingest/app"
	"github.com/fd1az/market-collector/internal/apperror"
	"github.com/fd1az/market-collector/internal/logger"
	"github.com/fd1az/market-collector/internal/wsconn"
)

const meterName = "github.com/fd1az/market-collector/business/ingest/infra/binance"

// BaseWSURL is the default Binance combined-stream endpoint.
const BaseWSURL = "wss://stream.binance.com:9443"

// Ensure interface compliance.
var _ app.Adapter = (*Adapter)(nil)

// AdapterConfig holds Binance adapter configuration.
type AdapterConfig struct {
	WebSocketURL string
	Symbols      []string // e.g. BTCUSDT
	Streams      []string // trade, ticker, depth, kline_1m...
	DepthLevels  int      // partial book depth, default 20
}

// adapterMetrics holds OTEL metric instruments.
type adapterMetrics struct {
	messagesReceived metric.Int64Counter
	parseErrors      metric.Int64Counter
	rejected         metric.Int64Counter
}

// Adapter consumes Binance combined streams and submits raw-typed market
// messages to the engine. Raw type tokens (trade, 24hrTicker,
// partialBookDepth, kline_<interval>) are canonicalized by the standard
// transform, not here.
type Adapter struct {
	config    AdapterConfig
	submitter app.Submitter
	logger    logger.LoggerInterface

	conn *wsconn.Client

	messagesReceived atomic.Int64
	parseErrors      atomic.Int64
	rejected         atomic.Int64
	lastMessage      atomic.Int64 // unix nanos

	metrics *adapterMetrics
}

// NewAdapter creates the Binance adapter.
func NewAdapter(cfg AdapterConfig, submitter app.Submitter, log logger.LoggerInterface) (*Adapter, error) {
	if cfg.WebSocketURL == "" {
		cfg.WebSocketURL = BaseWSURL
	}
	if cfg.DepthLevels <= 0 {
		cfg.DepthLevels = 20
	}
	if len(cfg.Streams) == 0 {
		cfg.Streams = []string{"trade", "ticker", "depth"}
	}

	a := &Adapter{
		config:    cfg,
		submitter: submitter,
		logger:    log,
	}

	if err := a.initMetrics(); err != nil {
		return nil, err
	}

	wsCfg := wsconn.DefaultConfig(a.buildStreamURL(), "binance")
	conn, err := wsconn.New(wsCfg)
	if err != nil {
		return nil, err
	}
	conn.OnMessage(a.handleFrame)
	a.conn = conn

	return a, nil
}

// initMetrics initializes OTEL metric instruments.
func (a *Adapter) initMetrics() error {
	meter := otel.Meter(meterName)
	var err error

	a.metrics = &adapterMetrics{}

	a.metrics.messagesReceived, err = meter.Int64Counter(
		"binance_frames_total",
		metric.WithDescription("Total combined-stream frames received"),
	)
	if err != nil {
		return err
	}

	a.metrics.parseErrors, err = meter.Int64Counter(
		"binance_parse_errors_total",
		metric.WithDescription("Frames that failed to parse"),
	)
	if err != nil {
		return err
	}

	a.metrics.rejected, err = meter.Int64Counter(
		"binance_submits_rejected_total",
		metric.WithDescription("Messages rejected by the engine at ingress"),
	)
	if err != nil {
		return err
	}

	return nil
}

// buildStreamURL assembles the combined-stream URL for the configured
// symbols and streams.
func (a *Adapter) buildStreamURL() string {
	parts := make([]string, 0, len(a.config.Symbols)*len(a.config.Streams))
	for _, symbol := range a.config.Symbols {
		sym := strings.ToLower(symbol)
		for _, stream := range a.config.Streams {
			switch {
			case stream == "depth":
				parts = append(parts, fmt.Sprintf("%s@depth%d@100ms", sym, a.config.DepthLevels))
			default:
				parts = append(parts, sym+"@"+stream)
			}
		}
	}
	return fmt.Sprintf("%s/stream?streams=%s", a.config.WebSocketURL, strings.Join(parts, "/"))
}

func (a *Adapter) Name() string { return "binance" }

// Connect dials the stream with retry and backoff.
func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.conn.ConnectWithRetry(ctx); err != nil {
		return apperror.New(apperror.CodeExchangeConnectionFailed,
			apperror.WithContext("binance"), apperror.WithCause(err))
	}
	return nil
}

// Close closes the upstream connection.
func (a *Adapter) Close() error {
	return a.conn.Close()
}

// Status reports the adapter state.
func (a *Adapter) Status() app.AdapterStatus {
	return app.AdapterStatus{
		Name:             "binance",
		State:            string(a.conn.State()),
		Connected:        a.conn.IsConnected(),
		MessagesReceived: a.messagesReceived.Load(),
		ParseErrors:      a.parseErrors.Load(),
		Rejected:         a.rejected.Load(),
		LastMessage:      time.Unix(0, a.lastMessage.Load()),
	}
}

// handleFrame decodes one combined-stream frame and submits it.
func (a *Adapter) handleFrame(ctx context.Context, data []byte) {
	a.messagesReceived.Add(1)
	a.metrics.messagesReceived.Add(ctx, 1)
	a.lastMessage.Store(time.Now().UnixNano())

	var frame combinedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		a.observeParseError(ctx, err)
		return
	}

	msg, err := a.translate(frame)
	if err != nil {
		a.observeParseError(ctx, err)
		return
	}
	if msg == nil {
		return
	}

	if err := a.submitter.Submit(msg); err != nil {
		a.rejected.Add(1)
		a.metrics.rejected.Add(ctx, 1)
		a.logger.Debug(ctx, "submit rejected", "message", msg.Ident(), "error", err)
	}
}

func (a *Adapter) observeParseError(ctx context.Context, err error) {
	a.parseErrors.Add(1)
	a.metrics.parseErrors.Add(ctx, 1)
	a.logger.Debug(ctx, "frame parse failed", "error", err)
}

// translate maps one frame onto a raw-typed MarketMessage.
func (a *Adapter) translate(frame combinedFrame) (*domain.MarketMessage, error) {
	kind := streamKind(frame.Stream)
	symbol := streamSymbol(frame.Stream)
	now := time.Now().UnixMilli()

	switch {
	case kind == "trade":
		var ev TradeEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(ev.Price)
		if err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(ev.Quantity)
		if err != nil {
			return nil, err
		}
		side := domain.SideBuy
		if ev.IsBuyerMaker {
			side = domain.SideSell
		}
		return &domain.MarketMessage{
			Exchange:   "binance",
			Symbol:     ev.Symbol,
			Type:       domain.MessageType(ev.EventType), // "trade"
			Timestamp:  ev.TradeTime,
			ReceivedAt: now,
			Data: domain.TradeData{
				Price:    price,
				Quantity: qty,
				Side:     side,
				TradeID:  ev.TradeID,
			},
		}, nil

	case kind == "ticker":
		var ev TickerEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			return nil, err
		}
		ticker := domain.TickerData{}
		var err error
		if ticker.Last, err = decimal.NewFromString(ev.LastPrice); err != nil {
			return nil, err
		}
		ticker.Bid, _ = decimal.NewFromString(ev.BidPrice)
		ticker.Ask, _ = decimal.NewFromString(ev.AskPrice)
		ticker.High, _ = decimal.NewFromString(ev.HighPrice)
		ticker.Low, _ = decimal.NewFromString(ev.LowPrice)
		ticker.Volume, _ = decimal.NewFromString(ev.Volume)
		ticker.ChangePct, _ = decimal.NewFromString(ev.PriceChPct)
		return &domain.MarketMessage{
			Exchange:   "binance",
			Symbol:     ev.Symbol,
			Type:       domain.MessageType(ev.EventType), // "24hrTicker"
			Timestamp:  ev.EventTime,
			ReceivedAt: now,
			Data:       ticker,
		}, nil

	case strings.HasPrefix(kind, "depth"):
		var ev DepthEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			return nil, err
		}
		depth := domain.DepthData{
			Bids: make([]domain.PriceLevel, 0, len(ev.Bids)),
			Asks: make([]domain.PriceLevel, 0, len(ev.Asks)),
		}
		for _, raw := range ev.Bids {
			level, err := parseLevel(raw)
			if err != nil {
				return nil, err
			}
			depth.Bids = append(depth.Bids, level)
		}
		for _, raw := range ev.Asks {
			level, err := parseLevel(raw)
			if err != nil {
				return nil, err
			}
			depth.Asks = append(depth.Asks, level)
		}
		return &domain.MarketMessage{
			Exchange:   "binance",
			Symbol:     strings.ToUpper(symbol),
			Type:       "partialBookDepth",
			Timestamp:  now,
			ReceivedAt: now,
			Data:       depth,
		}, nil

	case strings.HasPrefix(kind, "kline"):
		var ev KlineEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			return nil, err
		}
		k := domain.KlineData{Interval: ev.Kline.Interval, Closed: ev.Kline.Closed}
		var err error
		if k.Open, err = decimal.NewFromString(ev.Kline.Open); err != nil {
			return nil, err
		}
		k.High, _ = decimal.NewFromString(ev.Kline.High)
		k.Low, _ = decimal.NewFromString(ev.Kline.Low)
		k.Close, _ = decimal.NewFromString(ev.Kline.Close)
		k.Volume, _ = decimal.NewFromString(ev.Kline.Volume)
		return &domain.MarketMessage{
			Exchange:   "binance",
			Symbol:     ev.Symbol,
			Type:       domain.MessageType("kline_" + ev.Kline.Interval),
			Timestamp:  ev.EventTime,
			ReceivedAt: now,
			Data:       k,
		}, nil

	default:
		// Unknown stream kinds are skipped silently.
		return nil, nil
	}
}

func parseLevel(raw [2]string) (domain.PriceLevel, error) {
	price, err := decimal.NewFromString(raw[0])
	if err != nil {
		return domain.PriceLevel{}, err
	}
	qty, err := decimal.NewFromString(raw[1])
	if err != nil {
		return domain.PriceLevel{}, err
	}
	return domain.PriceLevel{Price: price, Quantity: qty}, nil
}
