// Package app contains the confirmation monitor of the tracker context.
package app

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/stablepay/chainexec/business/tracker/domain"
)

// ReorgListener observes detected chain reorganizations.
type ReorgListener func(domain.ReorgEvent)

// Tracker watches broadcast transactions until they confirm, and watches the
// chain head for reorganizations.
type Tracker interface {
	// Watch registers a broadcast transaction for monitoring.
	Watch(ctx context.Context, chain string, hash common.Hash) error

	// WaitForConfirmation blocks until hash reaches the chain's
	// confirmation threshold, then returns the receipt. It fails with a
	// coded error when the transaction reverts, is dropped, or the
	// chain's confirmation timeout elapses.
	WaitForConfirmation(ctx context.Context, chain string, hash common.Hash) (*types.Receipt, error)

	// Status returns the current lifecycle state of a watched transaction.
	Status(chain string, hash common.Hash) (*domain.TrackedTx, bool)

	// Halted reports whether dispatch on chain is latched shut after a
	// critical reorg.
	Halted(chain string) (bool, *domain.ReorgEvent)

	// ClearHalt releases the critical-reorg latch. Operator action.
	ClearHalt(chain string)

	// OnReorg registers a listener for reorg events. Must be called
	// before Run.
	OnReorg(fn ReorgListener)

	// Run starts one monitor loop per chain and blocks until ctx is
	// canceled or a monitor fails fatally.
	Run(ctx context.Context) error
}
