// Package executor implements the chain execution bounded context: the
// dispatch pipeline turning payment instructions into confirmed
// transactions.
package executor

import (
	"context"

	"github.com/stablepay/chainexec/business/executor/app"
	executorDI "github.com/stablepay/chainexec/business/executor/di"
	"github.com/stablepay/chainexec/business/executor/infra/signer"
	gasDI "github.com/stablepay/chainexec/business/gas/di"
	nonceDI "github.com/stablepay/chainexec/business/nonce/di"
	rpcDI "github.com/stablepay/chainexec/business/rpc/di"
	trackerDI "github.com/stablepay/chainexec/business/tracker/di"
	trackerdomain "github.com/stablepay/chainexec/business/tracker/domain"
	"github.com/stablepay/chainexec/internal/config"
	"github.com/stablepay/chainexec/internal/di"
	"github.com/stablepay/chainexec/internal/httpclient"
	"github.com/stablepay/chainexec/internal/logger"
	"github.com/stablepay/chainexec/internal/monolith"
)

// Module implements the executor bounded context.
type Module struct{}

// RegisterServices registers the signer and the dispatch pipeline with the
// DI container.
func (m *Module) RegisterServices(c di.Container) error {
	di.RegisterToken(c, executorDI.Signer, func(sr di.ServiceRegistry) app.Signer {
		cfg := sr.Get("config").(*config.Config)
		return buildSigner(cfg)
	})
	di.RegisterToken(c, executorDI.Executor, func(sr di.ServiceRegistry) app.Executor {
		cfg := sr.Get("config").(*config.Config)
		log := sr.Get("logger").(logger.LoggerInterface)
		return app.NewService(
			rpcDI.GetClientPool(sr),
			gasDI.GetEstimator(sr),
			nonceDI.GetAllocator(sr),
			nonceDI.GetRegistry(sr),
			trackerDI.GetTracker(sr),
			executorDI.GetSigner(sr),
			cfg.Executor,
			cfg.Gas.TolerateSimulationTimeouts,
			log,
		)
	})
	return nil
}

func buildSigner(cfg *config.Config) app.Signer {
	switch cfg.Signer.Mode {
	case config.SignerModeMPC:
		opts := []httpclient.Option{
			httpclient.WithBaseURL(cfg.Signer.MPCBaseURL),
			httpclient.WithTimeout(cfg.Signer.MPCTimeout),
		}
		if cfg.Signer.MPCAPIKey != "" {
			opts = append(opts, httpclient.WithHeader("Authorization", "Bearer "+cfg.Signer.MPCAPIKey))
		}
		client, err := httpclient.New("mpc-signer", opts...)
		if err != nil {
			panic("failed to create mpc signer client: " + err.Error())
		}
		return signer.NewMPC(client, cfg.Signer.AccountHandle)
	default:
		local, err := signer.NewLocal(cfg.Signer.LocalKeyHex)
		if err != nil {
			panic("failed to parse local signer key: " + err.Error())
		}
		return local
	}
}

// Startup wires cross-context event forwarding and launches the stuck
// transaction replacement loop.
func (m *Module) Startup(ctx context.Context, mono monolith.Monolith) error {
	log := mono.Logger()
	cfg := mono.Config()
	services := mono.Services()

	exec := executorDI.GetExecutor(services)
	svc, _ := exec.(*app.Service)
	tracker := trackerDI.GetTracker(services)
	pool := rpcDI.GetClientPool(services)

	if svc != nil {
		// Surface failovers and reorgs as dispatch events.
		pool.SetFailoverListener(func(chain, fromURL, toURL string, err error) {
			svc.Publish(app.Event{Kind: app.EventFailover, Chain: chain,
				Detail: fromURL + " -> " + toURL + ": " + err.Error()})
		})
		tracker.OnReorg(func(ev trackerdomain.ReorgEvent) {
			kind := app.EventReorged
			if ev.Severity == trackerdomain.SeverityCritical {
				kind = app.EventHalted
			}
			svc.Publish(app.Event{Kind: kind, Chain: ev.Chain,
				Detail: string(ev.Severity)})
		})
	}

	go func() {
		if err := exec.Run(ctx); err != nil {
			log.Error(ctx, "replacement loop stopped", "error", err.Error())
		}
	}()

	log.Info(ctx, "executor module started",
		"signer_mode", cfg.Signer.Mode,
		"simulate_before_send", cfg.Executor.SimulateBeforeSend,
		"stuck_timeout", cfg.Executor.StuckTimeout.String())
	return nil
}
