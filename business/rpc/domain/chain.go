// Package domain contains the core domain types for the rpc context.
package domain

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Endpoint is the static configuration of one RPC endpoint.
type Endpoint struct {
	URL              string
	Priority         int
	Timeout          time.Duration
	FailureThreshold int
	Cooldown         time.Duration
	RateLimitPerSec  float64
}

// Descriptor is the immutable per-chain configuration, loaded once at startup.
type Descriptor struct {
	Name                string
	ChainID             uint64
	Endpoints           []Endpoint
	Confirmations       uint64
	ConfirmationTimeout time.Duration
	BlockInterval       time.Duration
	// MaxFeeWei caps max fee per gas; nil means uncapped.
	MaxFeeWei           *big.Int
	NativeToken         string
	NativeTokenPriceUSD decimal.Decimal
	ReorgWindow         int
	ReorgShallowDepth   int
	ReorgModerateDepth  int
	ReorgDeepDepth      int
	ValidateChainID     bool
	// HistoryRetention bounds how long terminal transactions stay
	// queryable after their outcome; zero keeps no history.
	HistoryRetention time.Duration
}

// ChainIDBig returns the chain id as *big.Int for transaction signing.
func (d *Descriptor) ChainIDBig() *big.Int {
	return new(big.Int).SetUint64(d.ChainID)
}
