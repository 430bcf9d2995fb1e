// Package di contains dependency injection tokens for the fanout context.
package di

import (
	"github.com/fd1az/market-collector/business/fanout/app"
	"github.com/fd1az/market-collector/business/fanout/infra"
	internalDI "github.com/fd1az/market-collector/internal/di"
)

// DI tokens for the fanout module.
const (
	Pool   = "fanout.Pool"
	Server = "fanout.Server"
)

// GetPool resolves the connection pool.
func GetPool(sr internalDI.ServiceRegistry) *app.Pool {
	return internalDI.Resolve[*app.Pool](sr, Pool)
}

// GetServer resolves the WebSocket server.
func GetServer(sr internalDI.ServiceRegistry) *infra.Server {
	return internalDI.Resolve[*infra.Server](sr, Server)
}
