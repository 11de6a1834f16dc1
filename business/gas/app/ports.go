// Package app contains application services and port definitions for the
// gas context.
package app

import (
	"context"

	"github.com/ethereum/go-ethereum"

	"github.com/stablepay/chainexec/business/gas/domain"
)

// Estimator produces fee recommendations and pre-flight simulations.
type Estimator interface {
	// Estimate returns a buffered gas limit and an EIP-1559 fee
	// recommendation for the call, clamped to the chain's fee ceiling.
	Estimate(ctx context.Context, chain string, call ethereum.CallMsg) (*domain.GasEstimation, error)

	// Fees returns the current fee market recommendation for the chain
	// without estimating a gas limit. Replacements use it so a bump after
	// a fee spike jumps to market instead of crawling from the original
	// price.
	Fees(ctx context.Context, chain string) (*domain.FeeRecommendation, error)

	// Simulate executes the call against the latest state without
	// broadcasting. A revert is a result, not an error; errors mean the
	// simulation itself could not run.
	Simulate(ctx context.Context, chain string, call ethereum.CallMsg) (*domain.SimulationResult, error)
}
