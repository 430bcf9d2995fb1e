// Package di contains dependency injection tokens for the dataflow context.
package di

import (
	"github.com/fd1az/market-collector/business/dataflow/app"
	"github.com/fd1az/market-collector/business/dataflow/infra/cache"
	internalDI "github.com/fd1az/market-collector/internal/di"
)

// DI tokens for the dataflow module.
const (
	Engine     = "dataflow.Engine"
	Publisher  = "dataflow.BrokerPublisher"
	CacheStore = "dataflow.CacheStore"
)

// GetEngine resolves the DataFlow engine.
func GetEngine(sr internalDI.ServiceRegistry) *app.Engine {
	return internalDI.Resolve[*app.Engine](sr, Engine)
}

// GetPublisher resolves the broker publisher.
func GetPublisher(sr internalDI.ServiceRegistry) app.BrokerPublisher {
	return internalDI.Resolve[app.BrokerPublisher](sr, Publisher)
}

// GetCacheStore resolves the Redis-backed cache store.
func GetCacheStore(sr internalDI.ServiceRegistry) *cache.RedisStore {
	return internalDI.Resolve[*cache.RedisStore](sr, CacheStore)
}
