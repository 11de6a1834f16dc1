// Package rpc implements the chain access bounded context: fault-tolerant
// JSON-RPC clients with per-endpoint health tracking and failover.
package rpc

import (
	"context"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/stablepay/chainexec/business/rpc/app"
	rpcDI "github.com/stablepay/chainexec/business/rpc/di"
	"github.com/stablepay/chainexec/business/rpc/domain"
	"github.com/stablepay/chainexec/business/rpc/infra/jsonrpc"
	"github.com/stablepay/chainexec/internal/config"
	"github.com/stablepay/chainexec/internal/di"
	"github.com/stablepay/chainexec/internal/logger"
	"github.com/stablepay/chainexec/internal/monolith"
)

// Module implements the rpc bounded context.
type Module struct{}

// RegisterServices registers the chain client pool with the DI container.
func (m *Module) RegisterServices(c di.Container) error {
	di.RegisterToken(c, rpcDI.ClientPool, func(sr di.ServiceRegistry) app.Pool {
		cfg := sr.Get("config").(*config.Config)
		log := sr.Get("logger").(logger.LoggerInterface)

		clients := make(map[string]app.ChainClient, len(cfg.Chains))
		for i := range cfg.Chains {
			desc := DescriptorFromConfig(&cfg.Chains[i])
			client, err := jsonrpc.New(desc, log)
			if err != nil {
				panic("failed to create chain client: " + err.Error())
			}
			clients[desc.Name] = client
		}
		return app.NewClientPool(clients)
	})
	return nil
}

// Startup registers health checks for every configured chain.
func (m *Module) Startup(ctx context.Context, mono monolith.Monolith) error {
	log := mono.Logger()
	pool := rpcDI.GetClientPool(mono.Services())

	if health := mono.Health(); health != nil {
		for _, chain := range pool.Chains() {
			client, err := pool.ClientFor(chain)
			if err != nil {
				return err
			}
			name := "rpc-" + chain
			health.RegisterCheck(name, func(ctx context.Context) (bool, string) {
				if _, err := client.BlockNumber(ctx); err != nil {
					return false, err.Error()
				}
				return true, ""
			})
		}
	}

	log.Info(ctx, "rpc module started", "chains", pool.Chains())
	return nil
}

// DescriptorFromConfig converts the loaded chain configuration into the
// immutable runtime descriptor.
func DescriptorFromConfig(cc *config.ChainConfig) *domain.Descriptor {
	endpoints := make([]domain.Endpoint, 0, len(cc.Endpoints))
	for _, ep := range cc.Endpoints {
		endpoints = append(endpoints, domain.Endpoint{
			URL:              ep.URL,
			Priority:         ep.Priority,
			Timeout:          ep.Timeout,
			FailureThreshold: ep.FailureThreshold,
			Cooldown:         ep.Cooldown,
			RateLimitPerSec:  ep.RateLimitPerSec,
		})
	}

	var maxFeeWei *big.Int
	if cc.MaxFeeGwei > 0 {
		maxFeeWei = decimal.NewFromFloat(cc.MaxFeeGwei).
			Mul(decimal.New(1, 9)). // gwei to wei
			BigInt()
	}

	return &domain.Descriptor{
		Name:                cc.Name,
		ChainID:             cc.ChainID,
		Endpoints:           endpoints,
		Confirmations:       cc.Confirmations,
		ConfirmationTimeout: cc.ConfirmationTimeout,
		BlockInterval:       cc.BlockInterval,
		MaxFeeWei:           maxFeeWei,
		NativeToken:         cc.NativeToken,
		NativeTokenPriceUSD: decimal.NewFromFloat(cc.NativeTokenPriceUSD),
		ReorgWindow:         cc.ReorgWindow,
		ReorgShallowDepth:   cc.ReorgShallowDepth,
		ReorgModerateDepth:  cc.ReorgModerateDepth,
		ReorgDeepDepth:      cc.ReorgDeepDepth,
		ValidateChainID:     cc.ValidateChainID,
		HistoryRetention:    cc.HistoryRetention,
	}
}
