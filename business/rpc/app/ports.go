// Package app contains application services and port definitions for the rpc context.
package app

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/stablepay/chainexec/business/rpc/domain"
)

// ChainClient is the typed chain access contract. Implementations retry
// across endpoints internally and only surface an error once all endpoints
// are exhausted (or on a non-retryable application error).
type ChainClient interface {
	// Descriptor returns the chain configuration this client serves.
	Descriptor() *domain.Descriptor

	// Call performs a raw JSON-RPC call with failover.
	Call(ctx context.Context, result any, method string, args ...any) error

	ChainID(ctx context.Context) (*big.Int, error)
	NonceAt(ctx context.Context, addr common.Address) (uint64, error)
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestPriorityFee(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*domain.Block, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)

	// Health returns a snapshot per endpoint URL.
	Health() map[string]domain.HealthSnapshot
}

// FailoverListener observes endpoint failover decisions.
type FailoverListener func(chain, fromURL, toURL string, err error)

// Pool resolves a ChainClient by chain name.
type Pool interface {
	ClientFor(chain string) (ChainClient, error)
	Chains() []string
	// SetFailoverListener forwards endpoint failover events from every
	// client to fn.
	SetFailoverListener(fn FailoverListener)
}
