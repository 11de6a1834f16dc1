// Package nonce implements the nonce coordination bounded context: strictly
// increasing per-address nonce allocation and in-flight transaction
// bookkeeping for stuck transaction replacement.
package nonce

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/stablepay/chainexec/business/nonce/app"
	nonceDI "github.com/stablepay/chainexec/business/nonce/di"
	"github.com/stablepay/chainexec/business/nonce/infra/memory"
	"github.com/stablepay/chainexec/business/nonce/infra/redisnonce"
	rpcDI "github.com/stablepay/chainexec/business/rpc/di"
	"github.com/stablepay/chainexec/internal/config"
	"github.com/stablepay/chainexec/internal/di"
	"github.com/stablepay/chainexec/internal/logger"
	"github.com/stablepay/chainexec/internal/monolith"
)

// Module implements the nonce bounded context.
type Module struct{}

// RegisterServices registers the allocator and registry with the DI
// container. The allocator backend follows the configured nonce mode.
func (m *Module) RegisterServices(c di.Container) error {
	di.RegisterToken(c, nonceDI.Allocator, func(sr di.ServiceRegistry) app.Allocator {
		cfg := sr.Get("config").(*config.Config)
		log := sr.Get("logger").(logger.LoggerInterface)
		pool := rpcDI.GetClientPool(sr)

		if cfg.Nonce.Mode == config.NonceModeRedis {
			rdb := sr.Get("redis").(*redis.Client)
			return redisnonce.NewAllocator(rdb, pool, log, cfg.Nonce.CacheTTL, cfg.Nonce.ReservationTTL)
		}
		return memory.NewAllocator(pool, log, cfg.Nonce.CacheTTL)
	})
	di.RegisterToken(c, nonceDI.Registry, func(sr di.ServiceRegistry) app.Registry {
		cfg := sr.Get("config").(*config.Config)
		return memory.NewRegistry(cfg.Nonce.HistoryRetention)
	})
	return nil
}

// Startup verifies the Redis backend is reachable when configured.
func (m *Module) Startup(ctx context.Context, mono monolith.Monolith) error {
	log := mono.Logger()
	cfg := mono.Config()

	if cfg.Nonce.Mode == config.NonceModeRedis {
		if err := mono.Redis().Ping(ctx).Err(); err != nil {
			return err
		}
		if health := mono.Health(); health != nil {
			rdb := mono.Redis()
			health.RegisterCheck("nonce-redis", func(ctx context.Context) (bool, string) {
				if err := rdb.Ping(ctx).Err(); err != nil {
					return false, err.Error()
				}
				return true, ""
			})
		}
	}

	log.Info(ctx, "nonce module started", "mode", cfg.Nonce.Mode)
	return nil
}
