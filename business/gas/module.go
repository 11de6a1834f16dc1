// Package gas implements the fee estimation bounded context: EIP-1559 fee
// recommendations with ceiling clamping and pre-flight simulation.
package gas

import (
	"context"

	"github.com/stablepay/chainexec/business/gas/app"
	gasDI "github.com/stablepay/chainexec/business/gas/di"
	rpcDI "github.com/stablepay/chainexec/business/rpc/di"
	"github.com/stablepay/chainexec/internal/config"
	"github.com/stablepay/chainexec/internal/di"
	"github.com/stablepay/chainexec/internal/logger"
	"github.com/stablepay/chainexec/internal/monolith"
)

// Module implements the gas bounded context.
type Module struct{}

// RegisterServices registers the estimation service with the DI container.
func (m *Module) RegisterServices(c di.Container) error {
	di.RegisterToken(c, gasDI.Estimator, func(sr di.ServiceRegistry) app.Estimator {
		cfg := sr.Get("config").(*config.Config)
		log := sr.Get("logger").(logger.LoggerInterface)
		pool := rpcDI.GetClientPool(sr)
		return app.NewService(pool, cfg.Gas, log)
	})
	return nil
}

// Startup logs the active estimation policy.
func (m *Module) Startup(ctx context.Context, mono monolith.Monolith) error {
	cfg := mono.Config()
	mono.Logger().Info(ctx, "gas module started",
		"limit_buffer_pct", cfg.Gas.LimitBufferPct,
		"base_fee_multiplier", cfg.Gas.BaseFeeMultiplier,
		"min_priority_fee_gwei", cfg.Gas.MinPriorityFeeGwei)
	return nil
}
