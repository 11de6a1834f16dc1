// Package domain contains the core entities of the executor context.
package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PaymentInstruction is one requested on-chain transfer. Amount is in the
// smallest unit of the transferred asset: wei for the native token, token
// base units when TokenAddress is set.
type PaymentInstruction struct {
	// ID is the caller's idempotency handle, carried through events and
	// the receipt.
	ID    string
	Chain string
	To    common.Address
	// TokenAddress selects an ERC-20 transfer; nil means native transfer.
	TokenAddress *common.Address
	Amount       *big.Int
	// Data is extra calldata for native transfers to contracts. Ignored
	// for token transfers.
	Data []byte
}

// Native reports whether the payment moves the chain's native token.
func (p *PaymentInstruction) Native() bool {
	return p.TokenAddress == nil
}

// Validate checks the instruction is well formed before any chain access.
func (p *PaymentInstruction) Validate() error {
	if p.Chain == "" {
		return errEmptyChain
	}
	if p.To == (common.Address{}) {
		return errZeroRecipient
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return errNonPositiveAmount
	}
	return nil
}
