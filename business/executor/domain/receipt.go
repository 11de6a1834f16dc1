package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var weiPerEther = decimal.New(1, 18)

// Receipt is the terminal outcome of a dispatched payment.
type Receipt struct {
	ID            string
	Chain         string
	TxHash        common.Hash
	From          common.Address
	To            common.Address
	Nonce         uint64
	Amount        *big.Int
	TokenAddress  *common.Address
	BlockNumber   uint64
	BlockHash     common.Hash
	Confirmations uint64

	GasUsed           uint64
	EffectiveGasPrice *big.Int
	// FeeWei is the actual fee paid: GasUsed * EffectiveGasPrice.
	FeeWei *big.Int
	// FeeNative and FeeUSD are derived views of FeeWei.
	FeeNative decimal.Decimal
	FeeUSD    decimal.Decimal

	// FeeCapped reports that the fee recommendation hit the chain's
	// configured ceiling.
	FeeCapped bool
	// Replacements counts fee-bumped rebroadcasts before confirmation.
	Replacements int

	SubmittedAt time.Time
	ConfirmedAt time.Time
}

// ComputeFees fills the derived fee fields from gas usage and price.
func (r *Receipt) ComputeFees(priceUSD decimal.Decimal) {
	if r.EffectiveGasPrice == nil {
		return
	}
	r.FeeWei = new(big.Int).Mul(r.EffectiveGasPrice, new(big.Int).SetUint64(r.GasUsed))
	r.FeeNative = decimal.NewFromBigInt(r.FeeWei, 0).Div(weiPerEther)
	if !priceUSD.IsZero() {
		r.FeeUSD = r.FeeNative.Mul(priceUSD)
	}
}
