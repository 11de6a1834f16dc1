// Package app contains application services and port definitions for the
// nonce context.
package app

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stablepay/chainexec/business/nonce/domain"
)

// Allocator hands out strictly increasing nonces per (chain, address) and
// guarantees no two concurrent reservations receive the same value.
type Allocator interface {
	// Reserve allocates the next nonce for addr. The reservation is
	// consumed by broadcasting a transaction with it, or returned with
	// Release if the transaction never reaches the network.
	Reserve(ctx context.Context, chain string, addr common.Address) (uint64, error)

	// Release returns an unused reservation so it can be handed out again.
	// Only call this when the signed transaction was never broadcast;
	// a broadcast transaction owns its nonce until it reaches a terminal
	// state on chain.
	Release(ctx context.Context, chain string, addr common.Address, nonce uint64) error

	// Sync discards local state and re-reads the pending nonce from the
	// chain. Used on startup and after detected drift.
	Sync(ctx context.Context, chain string, addr common.Address) (uint64, error)
}

// Registry tracks in-flight transactions so stuck ones can be found and
// replaced with a fee bump at the same nonce.
type Registry interface {
	Register(ctx context.Context, tx *domain.PendingTransaction) error
	// Get returns the tracked transaction with the given hash.
	Get(ctx context.Context, chain string, hash common.Hash) (*domain.PendingTransaction, bool)
	// Replace swaps the tracked hash after a fee-bumped rebroadcast.
	Replace(ctx context.Context, chain string, oldHash common.Hash, tx *domain.PendingTransaction) error
	// Complete removes a transaction that reached a terminal state. The
	// entry stays queryable through Completed for a bounded history
	// window.
	Complete(ctx context.Context, chain string, hash common.Hash) error
	// Completed returns a recently completed transaction.
	Completed(ctx context.Context, chain string, hash common.Hash) (*domain.PendingTransaction, bool)
	PendingFor(ctx context.Context, chain string, addr common.Address) []*domain.PendingTransaction
	// Stuck returns transactions unconfirmed longer than threshold.
	Stuck(ctx context.Context, threshold time.Duration) []*domain.PendingTransaction
}
