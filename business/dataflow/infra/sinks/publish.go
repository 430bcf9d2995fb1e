package sinks

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/fd1az/market-collector/business/dataflow/app"
	"github.com/fd1az/market-collector/business/dataflow/domain"
	"github.com/fd1az/market-collector/internal/apperror"
	"github.com/fd1az/market-collector/internal/circuitbreaker"
	"github.com/fd1az/market-collector/internal/logger"
)

// Ensure interface compliance.
var _ app.Sink = (*PublishSink)(nil)

// PublishSinkConfig holds publish sink configuration.
type PublishSinkConfig struct {
	ID          string
	TopicPrefix string
}

// PublishSink delivers messages to the broker under
// {prefix}-{typeFamily}-{exchange} topics. Publishes run through a
// circuit breaker so a dead broker degrades the sink instead of stalling
// workers.
type PublishSink struct {
	config    PublishSinkConfig
	publisher app.BrokerPublisher
	logger    logger.LoggerInterface

	breaker  *circuitbreaker.CircuitBreaker[struct{}]
	counters *app.SinkCounters
	closed   atomic.Bool
}

// NewPublishSink creates a publish sink on top of a broker publisher.
func NewPublishSink(cfg PublishSinkConfig, publisher app.BrokerPublisher, log logger.LoggerInterface) *PublishSink {
	if cfg.ID == "" {
		cfg.ID = "publish"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "market"
	}

	s := &PublishSink{
		config:    cfg,
		publisher: publisher,
		logger:    log,
		counters:  app.NewSinkCounters(),
	}

	cbCfg := circuitbreaker.DefaultConfig("publish-sink")
	cbCfg.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn(context.Background(), "publish breaker state changed",
			"breaker", name, "from", from.String(), "to", to.String())
	}
	s.breaker = circuitbreaker.New[struct{}](cbCfg)

	return s
}

func (s *PublishSink) ID() string         { return s.config.ID }
func (s *PublishSink) Type() app.SinkType { return app.SinkTypePublish }

// Write publishes the full message with routing attributes.
func (s *PublishSink) Write(ctx context.Context, msg *domain.MarketMessage, meta map[string]any) error {
	if s.closed.Load() {
		return apperror.New(apperror.CodeSinkError,
			apperror.WithContext("publish sink closed"))
	}

	topic := fmt.Sprintf("%s-%s-%s", s.config.TopicPrefix, msg.TypeFamily(), msg.Exchange)

	extra := map[string]any{
		domain.MetaChannelID:   s.config.ID,
		domain.MetaChannelType: string(app.SinkTypePublish),
		domain.MetaRoutedBy:    metaString(meta, domain.MetaRoutedBy),
	}

	payload, err := encodeMessage(msg, extra)
	if err != nil {
		s.counters.ObserveWrite(time.Now(), err)
		return apperror.New(apperror.CodeSinkError,
			apperror.WithContext("encode message"), apperror.WithCause(err))
	}

	attributes := map[string]string{
		"exchange":    msg.Exchange,
		"symbol":      msg.Symbol,
		"type":        string(msg.Type),
		"source":      metaString(msg.Metadata, domain.MetaSource),
		"channelId":   s.config.ID,
		"channelType": string(app.SinkTypePublish),
		"routedBy":    metaString(meta, domain.MetaRoutedBy),
	}

	start := time.Now()
	_, err = s.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, s.publisher.Publish(ctx, topic, payload, attributes)
	})
	s.counters.ObserveWrite(start, err)

	if err != nil {
		return apperror.Wrap(err, apperror.CodeBrokerPublishFailed, topic)
	}
	return nil
}

// Status reports the sink status.
func (s *PublishSink) Status() app.SinkStatus {
	return s.counters.Status(s.config.ID, app.SinkTypePublish, !s.closed.Load())
}

// Close marks the sink closed. Idempotent; the broker connection is owned
// by the application container, not the sink.
func (s *PublishSink) Close() error {
	s.closed.Store(true)
	return nil
}
