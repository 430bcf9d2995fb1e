// Package monolith provides the application container and module interface.
package monolith

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/fd1az/market-collector/internal/config"
	"github.com/fd1az/market-collector/internal/di"
	"github.com/fd1az/market-collector/internal/logger"
)

// Monolith is the main application container providing access to shared infrastructure.
type Monolith interface {
	Config() *config.Config
	Logger() logger.LoggerInterface
	Broker() *nats.Conn
	Cache() *redis.Client
	Services() di.ServiceRegistry
}

// Module represents a bounded context module that can register services and start up.
type Module interface {
	RegisterServices(di.Container) error
	Startup(context.Context, Monolith) error
}

// app implements the Monolith interface.
type app struct {
	config    *config.Config
	logger    logger.LoggerInterface
	broker    *nats.Conn
	cache     *redis.Client
	container di.Container
}

// New creates a new Monolith instance. The broker connection is only
// established when the publish sink is enabled; same for the cache client.
func New(cfg *config.Config, log logger.LoggerInterface) (*app, error) {
	a := &app{
		config:    cfg,
		logger:    log,
		container: di.NewContainer(),
	}

	if cfg.Sinks.EnablePublish {
		nc, err := nats.Connect(cfg.Broker.URL,
			nats.Name(cfg.App.Name),
			nats.MaxReconnects(cfg.Broker.MaxReconnects),
			nats.ReconnectWait(cfg.Broker.ReconnectWait),
			nats.PingInterval(cfg.Broker.PingInterval),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn(context.Background(), "broker disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info(context.Background(), "broker reconnected", "url", nc.ConnectedUrl())
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("connect broker: %w", err)
		}
		a.broker = nc
	}

	if cfg.Sinks.EnableCache {
		a.cache = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
	}

	// Register global services
	a.container.Register("config", cfg)
	a.container.Register("logger", log)
	a.container.Register("broker", a.broker)
	a.container.Register("cache", a.cache)

	return a, nil
}

func (a *app) Config() *config.Config {
	return a.config
}

func (a *app) Logger() logger.LoggerInterface {
	return a.logger
}

func (a *app) Broker() *nats.Conn {
	return a.broker
}

func (a *app) Cache() *redis.Client {
	return a.cache
}

func (a *app) Services() di.ServiceRegistry {
	return a.container
}

// Container returns the DI container for module registration.
func (a *app) Container() di.Container {
	return a.container
}

// RegisterModules registers all provided modules.
func (a *app) RegisterModules(modules ...Module) error {
	for _, m := range modules {
		if err := m.RegisterServices(a.container); err != nil {
			return err
		}
	}
	return nil
}

// StartModules starts all provided modules.
func (a *app) StartModules(ctx context.Context, modules ...Module) error {
	for _, m := range modules {
		if err := m.Startup(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all resources.
func (a *app) Close() error {
	if a.broker != nil {
		a.broker.Drain()
	}
	if a.cache != nil {
		return a.cache.Close()
	}
	return nil
}
