// Package domain contains the core entities of the tracker context.
package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TxStatus is the lifecycle state of a watched transaction.
type TxStatus string

const (
	// StatusPending: broadcast, not yet included in a block.
	StatusPending TxStatus = "pending"
	// StatusConfirming: included, accumulating confirmations.
	StatusConfirming TxStatus = "confirming"
	// StatusConfirmed: reached the chain's confirmation threshold.
	StatusConfirmed TxStatus = "confirmed"
	// StatusFinalized: deep enough that a reorg is no longer expected.
	StatusFinalized TxStatus = "finalized"
	// StatusReorged: its block left the canonical chain; the transaction
	// may still reappear in a later block.
	StatusReorged TxStatus = "reorged"
	// StatusDropped: evicted from the mempool without inclusion.
	StatusDropped TxStatus = "dropped"
	// StatusFailed: included but reverted on chain.
	StatusFailed TxStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s TxStatus) Terminal() bool {
	switch s {
	case StatusFinalized, StatusDropped, StatusFailed:
		return true
	}
	return false
}

// TrackedTx is the tracker's view of one broadcast transaction.
type TrackedTx struct {
	Chain         string
	Hash          common.Hash
	Status        TxStatus
	BlockNumber   uint64
	BlockHash     common.Hash
	Confirmations uint64
	FirstSeen     time.Time
	// NotFoundPolls counts consecutive polls where the transaction was
	// absent from both the chain and the mempool.
	NotFoundPolls int
	// CompletedAt marks when the transaction reached a terminal state;
	// the entry stays queryable until the history retention expires.
	CompletedAt time.Time
}
