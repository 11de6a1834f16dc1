// Package app contains the dispatch pipeline of the executor context.
package app

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/stablepay/chainexec/business/executor/domain"
)

// Signer signs transactions with an externally held key. Implementations
// range from an in-process dev key to a remote MPC custody service.
type Signer interface {
	// Address returns the sending address the signer controls.
	Address(ctx context.Context) (common.Address, error)

	// SignTx returns a signed copy of tx for the given chain.
	SignTx(ctx context.Context, chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
}

// EventKind names a dispatch lifecycle event.
type EventKind string

const (
	EventSubmitted EventKind = "submitted"
	EventConfirmed EventKind = "confirmed"
	EventFailed    EventKind = "failed"
	EventReplaced  EventKind = "replaced"
	EventReorged   EventKind = "reorged"
	EventFailover  EventKind = "failover"
	EventHalted    EventKind = "halted"
)

// Event is one dispatch lifecycle notification.
type Event struct {
	Kind      EventKind
	Chain     string
	PaymentID string
	TxHash    common.Hash
	Detail    string
	At        time.Time
}

// EventListener observes dispatch lifecycle events.
type EventListener func(Event)

// Executor turns payment instructions into confirmed transactions.
type Executor interface {
	// Dispatch runs the full pipeline: estimate, simulate, reserve a
	// nonce, sign, broadcast and wait for confirmation. It returns once
	// the transaction is confirmed or has failed terminally.
	Dispatch(ctx context.Context, instr *domain.PaymentInstruction) (*domain.Receipt, error)

	// Replace rebroadcasts a tracked in-flight transaction at the same
	// nonce with bumped fees and returns the replacement hash.
	Replace(ctx context.Context, chain string, hash common.Hash) (common.Hash, error)

	// OnEvent registers a lifecycle event listener. Must be called before
	// the first Dispatch.
	OnEvent(fn EventListener)

	// Run drives the stuck transaction replacement loop until ctx is
	// canceled.
	Run(ctx context.Context) error
}
