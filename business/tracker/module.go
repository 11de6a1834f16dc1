// Package tracker implements the confirmation tracking bounded context:
// per-chain head monitoring, confirmation counting and reorg detection.
package tracker

import (
	"context"

	rpcDI "github.com/stablepay/chainexec/business/rpc/di"
	"github.com/stablepay/chainexec/business/tracker/app"
	trackerDI "github.com/stablepay/chainexec/business/tracker/di"
	"github.com/stablepay/chainexec/internal/di"
	"github.com/stablepay/chainexec/internal/logger"
	"github.com/stablepay/chainexec/internal/monolith"
)

// Module implements the tracker bounded context.
type Module struct{}

// RegisterServices registers the confirmation monitor with the DI container.
func (m *Module) RegisterServices(c di.Container) error {
	di.RegisterToken(c, trackerDI.Tracker, func(sr di.ServiceRegistry) app.Tracker {
		log := sr.Get("logger").(logger.LoggerInterface)
		pool := rpcDI.GetClientPool(sr)
		monitor, err := app.NewMonitor(pool, log)
		if err != nil {
			panic("failed to create confirmation monitor: " + err.Error())
		}
		return monitor
	})
	return nil
}

// Startup launches the per-chain monitor loops.
func (m *Module) Startup(ctx context.Context, mono monolith.Monolith) error {
	log := mono.Logger()
	tracker := trackerDI.GetTracker(mono.Services())

	go func() {
		if err := tracker.Run(ctx); err != nil {
			log.Error(ctx, "confirmation monitor stopped", "error", err.Error())
		}
	}()

	log.Info(ctx, "tracker module started", "chains", len(mono.Config().Chains))
	return nil
}
