// Package monolith provides the application container and module interface.
package monolith

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/stablepay/chainexec/internal/config"
	"github.com/stablepay/chainexec/internal/di"
	"github.com/stablepay/chainexec/internal/health"
	"github.com/stablepay/chainexec/internal/logger"
	"github.com/stablepay/chainexec/internal/token"
)

// Monolith is the main application container providing access to shared infrastructure.
type Monolith interface {
	Config() *config.Config
	Logger() logger.LoggerInterface
	Health() *health.Server
	Redis() *redis.Client
	TokenRegistry() *token.Registry
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
	health    *health.Server
	redis     *redis.Client
	tokens    *token.Registry
	container di.Container
}

// New creates a new Monolith instance. The Redis client is only dialed
// when the nonce store is configured in redis mode.
func New(cfg *config.Config, log logger.LoggerInterface, healthSrv *health.Server) (*app, error) {
	container := di.NewContainer()

	var rdb *redis.Client
	if cfg.Nonce.Mode == config.NonceModeRedis {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Nonce.RedisAddr,
			Password: cfg.Nonce.RedisPassword,
			DB:       cfg.Nonce.RedisDB,
		})
	}

	// Use the default token registry (pre-populated with common tokens)
	tokens := token.DefaultRegistry()

	// Register global services
	container.Register("config", cfg)
	container.Register("logger", log)
	container.Register("health", healthSrv)
	container.Register("tokens", tokens)
	if rdb != nil {
		container.Register("redis", rdb)
	}

	return &app{
		config:    cfg,
		logger:    log,
		health:    healthSrv,
		redis:     rdb,
		tokens:    tokens,
		container: container,
	}, nil
}

func (a *app) Config() *config.Config {
	return a.config
}

func (a *app) Logger() logger.LoggerInterface {
	return a.logger
}

func (a *app) Health() *health.Server {
	return a.health
}

// Redis returns the shared Redis client, or nil when the nonce store runs
// in memory mode.
func (a *app) Redis() *redis.Client {
	return a.redis
}

// TokenRegistry returns the shared ERC-20 token registry.
func (a *app) TokenRegistry() *token.Registry {
	return a.tokens
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
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}
