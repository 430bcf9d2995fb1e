// Package di contains dependency injection tokens for the ingest context.
package di

import (
	"github.com/fd1az/market-collector/business/ingest/app"
	internalDI "github.com/fd1az/market-collector/internal/di"
)

// DI tokens for the ingest module.
const (
	BinanceAdapter = "ingest.BinanceAdapter"
)

// GetBinanceAdapter resolves the Binance adapter.
func GetBinanceAdapter(sr internalDI.ServiceRegistry) app.Adapter {
	return internalDI.Resolve[app.Adapter](sr, BinanceAdapter)
}
