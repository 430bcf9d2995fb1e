// Package app contains port definitions for the ingest context. Exchange
// adapters produce market messages and hand them to the engine.
package app

import (
	"context"
	"time"

	"github.com/fd1az/market-collector/business/dataflow/domain"
)

// AdapterStatus is the adapter's connection and throughput state.
type AdapterStatus struct {
	Name             string    `json:"name"`
	State            string    `json:"state"`
	Connected        bool      `json:"connected"`
	MessagesReceived int64     `json:"messages_received"`
	ParseErrors      int64     `json:"parse_errors"`
	Rejected         int64     `json:"rejected"`
	LastMessage      time.Time `json:"last_message"`
}

// Adapter is the exchange adapter contract.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error
	Status() AdapterStatus
}

// Submitter accepts messages into the pipeline; the engine implements it.
type Submitter interface {
	Submit(msg *domain.MarketMessage) error
}
