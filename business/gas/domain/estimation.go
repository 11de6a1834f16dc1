// Package domain contains the core entities of the gas context.
package domain

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

var weiPerEther = decimal.New(1, 18)

// GasEstimation is a complete fee recommendation for one transaction.
type GasEstimation struct {
	// GasLimit includes the configured safety buffer over the node's
	// estimate.
	GasLimit uint64
	// BaseFee is the latest block's base fee per gas.
	BaseFee *big.Int
	// GasTipCap is the priority fee per gas.
	GasTipCap *big.Int
	// GasFeeCap is the max fee per gas, possibly clamped to the chain's
	// configured ceiling.
	GasFeeCap *big.Int
	// Capped reports that GasFeeCap was clamped to the ceiling. Capped
	// transactions are still broadcast; they just may wait longer during
	// fee spikes.
	Capped      bool
	EstimatedAt time.Time
}

// FeeRecommendation is the current fee market recommendation for a chain,
// independent of any particular call.
type FeeRecommendation struct {
	BaseFee   *big.Int
	GasTipCap *big.Int
	// GasFeeCap is the recommended max fee per gas, possibly clamped to
	// the chain's configured ceiling.
	GasFeeCap *big.Int
	Capped    bool
}

// WorstCaseWei returns the maximum total fee the transaction can consume.
func (e *GasEstimation) WorstCaseWei() *big.Int {
	return new(big.Int).Mul(e.GasFeeCap, new(big.Int).SetUint64(e.GasLimit))
}

// WorstCaseNative converts the worst case fee to native token units.
func (e *GasEstimation) WorstCaseNative() decimal.Decimal {
	return decimal.NewFromBigInt(e.WorstCaseWei(), 0).Div(weiPerEther)
}

// WorstCaseFiat converts the worst case fee to fiat using the configured
// native token price. Returns zero when no price is configured.
func (e *GasEstimation) WorstCaseFiat(priceUSD decimal.Decimal) decimal.Decimal {
	if priceUSD.IsZero() {
		return decimal.Zero
	}
	return e.WorstCaseNative().Mul(priceUSD)
}
