package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	nonceapp "github.com/stablepay/chainexec/business/nonce/app"
	"github.com/stablepay/chainexec/business/nonce/domain"
	"github.com/stablepay/chainexec/internal/apperror"
)

// Registry keeps the in-flight transaction set in process memory. Entries
// are keyed by (chain, hash) with a secondary index per sender so the
// executor can find what occupies a nonce. Completed transactions move into
// a bounded history so recent outcomes stay queryable.
type Registry struct {
	retention time.Duration

	mu      sync.RWMutex
	byHash  map[string]*domain.PendingTransaction
	byNonce map[string]*domain.PendingTransaction
	history map[string]completedEntry
}

type completedEntry struct {
	tx *domain.PendingTransaction
	at time.Time
}

var _ nonceapp.Registry = (*Registry)(nil)

// NewRegistry creates an empty in-flight transaction registry. retention
// bounds how long completed entries stay queryable; zero keeps no history.
func NewRegistry(retention time.Duration) *Registry {
	return &Registry{
		retention: retention,
		byHash:    make(map[string]*domain.PendingTransaction),
		byNonce:   make(map[string]*domain.PendingTransaction),
		history:   make(map[string]completedEntry),
	}
}

func hashKey(chain string, hash common.Hash) string {
	return chain + "/" + hash.Hex()
}

func nonceKey(chain string, from common.Address, nonce uint64) string {
	return chain + "/" + from.Hex() + "/" + strconv.FormatUint(nonce, 10)
}

// Register records a broadcast transaction. Registering a second
// transaction at an occupied nonce fails unless it carries the same intent
// fingerprint, which marks it as a fee-bumped replacement.
func (r *Registry) Register(ctx context.Context, tx *domain.PendingTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	nk := nonceKey(tx.Chain, tx.From, tx.Nonce)
	if existing, ok := r.byNonce[nk]; ok {
		if existing.Fingerprint() != tx.Fingerprint() {
			return apperror.New(apperror.CodeNonceConflict,
				apperror.WithChain(tx.Chain),
				apperror.WithTxHash(existing.Hash.Hex()),
				apperror.WithContext("nonce already occupied by a different payment"))
		}
		delete(r.byHash, hashKey(tx.Chain, existing.Hash))
	}
	r.byHash[hashKey(tx.Chain, tx.Hash)] = tx
	r.byNonce[nk] = tx
	return nil
}

// Get returns the tracked transaction with the given hash.
func (r *Registry) Get(ctx context.Context, chain string, hash common.Hash) (*domain.PendingTransaction, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tx, ok := r.byHash[hashKey(chain, hash)]
	return tx, ok
}

// Replace swaps the tracked hash after a fee-bumped rebroadcast.
func (r *Registry) Replace(ctx context.Context, chain string, oldHash common.Hash, tx *domain.PendingTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.byHash[hashKey(chain, oldHash)]
	if !ok {
		return apperror.New(apperror.CodeNonceConflict,
			apperror.WithChain(chain),
			apperror.WithTxHash(oldHash.Hex()),
			apperror.WithContext("replaced transaction is not tracked"))
	}
	delete(r.byHash, hashKey(chain, oldHash))
	delete(r.byNonce, nonceKey(chain, old.From, old.Nonce))

	r.byHash[hashKey(chain, tx.Hash)] = tx
	r.byNonce[nonceKey(chain, tx.From, tx.Nonce)] = tx
	return nil
}

// Complete removes a transaction that reached a terminal state, freeing its
// nonce slot. The entry moves into the history for the retention window.
func (r *Registry) Complete(ctx context.Context, chain string, hash common.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.byHash[hashKey(chain, hash)]
	if !ok {
		return nil
	}
	delete(r.byHash, hashKey(chain, hash))
	delete(r.byNonce, nonceKey(chain, tx.From, tx.Nonce))
	if r.retention > 0 {
		r.pruneHistoryLocked()
		r.history[hashKey(chain, hash)] = completedEntry{tx: tx, at: time.Now()}
	}
	return nil
}

// Completed returns a recently completed transaction from the history.
func (r *Registry) Completed(ctx context.Context, chain string, hash common.Hash) (*domain.PendingTransaction, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.history[hashKey(chain, hash)]
	if !ok || time.Since(e.at) >= r.retention {
		return nil, false
	}
	return e.tx, true
}

// pruneHistoryLocked drops history entries past the retention window.
// Callers hold r.mu.
func (r *Registry) pruneHistoryLocked() {
	now := time.Now()
	for k, e := range r.history {
		if now.Sub(e.at) >= r.retention {
			delete(r.history, k)
		}
	}
}

// PendingFor returns the live transactions of one sender, unordered.
func (r *Registry) PendingFor(ctx context.Context, chain string, addr common.Address) []*domain.PendingTransaction {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.PendingTransaction
	for _, tx := range r.byHash {
		if tx.Chain == chain && tx.From == addr {
			out = append(out, tx)
		}
	}
	return out
}

// Stuck returns transactions unconfirmed longer than threshold.
func (r *Registry) Stuck(ctx context.Context, threshold time.Duration) []*domain.PendingTransaction {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	var out []*domain.PendingTransaction
	for _, tx := range r.byHash {
		if tx.IsStuck(now, threshold) {
			out = append(out, tx)
		}
	}
	return out
}
