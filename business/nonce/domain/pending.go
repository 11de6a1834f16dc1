// Package domain contains the core entities of the nonce context.
package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PendingTransaction is an in-flight transaction the allocator is aware of.
// It carries enough of the original intent to build a replacement with the
// same nonce if the transaction gets stuck.
type PendingTransaction struct {
	Chain    string
	Hash     common.Hash
	From     common.Address
	To       common.Address
	Nonce    uint64
	Value    *big.Int
	Data     []byte
	GasLimit uint64
	// Effective fees of the last broadcast attempt. Replacements must
	// bump both by the chain's minimum replacement increment.
	GasTipCap *big.Int
	GasFeeCap *big.Int

	SubmittedAt time.Time
	LastBumpAt  time.Time
	BumpCount   int
}

// Fingerprint identifies the transaction intent independently of fees and
// hash, so a fee-bumped replacement is recognized as the same payment.
func (p *PendingTransaction) Fingerprint() common.Hash {
	var buf []byte
	buf = append(buf, p.From.Bytes()...)
	buf = append(buf, p.To.Bytes()...)
	var nonceBytes [8]byte
	for i := 0; i < 8; i++ {
		nonceBytes[7-i] = byte(p.Nonce >> (8 * i))
	}
	buf = append(buf, nonceBytes[:]...)
	if p.Value != nil {
		buf = append(buf, p.Value.Bytes()...)
	}
	buf = append(buf, p.Data...)
	return crypto.Keccak256Hash(buf)
}

// Age returns how long the transaction has been waiting since its last
// broadcast (original submission or latest bump).
func (p *PendingTransaction) Age(now time.Time) time.Duration {
	since := p.SubmittedAt
	if p.LastBumpAt.After(since) {
		since = p.LastBumpAt
	}
	return now.Sub(since)
}

// IsStuck reports whether the transaction has been unconfirmed longer than
// the configured threshold.
func (p *PendingTransaction) IsStuck(now time.Time, threshold time.Duration) bool {
	return p.Age(now) >= threshold
}
