// Package memory implements the single-process nonce allocator and the
// in-flight transaction registry.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	nonceapp "github.com/stablepay/chainexec/business/nonce/app"
	rpcapp "github.com/stablepay/chainexec/business/rpc/app"
	"github.com/stablepay/chainexec/internal/apperror"
	"github.com/stablepay/chainexec/internal/logger"
)

const meterName = "github.com/stablepay/chainexec/business/nonce/infra/memory"

// accountState is the per (chain, address) allocation state. All fields are
// guarded by mu; the allocator never holds more than one account lock.
type accountState struct {
	mu         sync.Mutex
	chainNonce uint64
	syncedAt   time.Time
	next       uint64
	released   map[uint64]struct{}
}

type allocatorMetrics struct {
	reservations metric.Int64Counter
	releases     metric.Int64Counter
	syncs        metric.Int64Counter
}

// Allocator hands out nonces for a single process. The chain's pending
// nonce is the floor; local bookkeeping fills reservation gaps so released
// nonces are reused before new ones are minted.
type Allocator struct {
	pool     rpcapp.Pool
	logger   logger.LoggerInterface
	cacheTTL time.Duration

	mu       sync.Mutex
	accounts map[string]*accountState

	metrics *allocatorMetrics
}

var _ nonceapp.Allocator = (*Allocator)(nil)

// NewAllocator creates the in-process allocator. cacheTTL bounds how stale
// the locally cached chain nonce may get before a re-read.
func NewAllocator(pool rpcapp.Pool, log logger.LoggerInterface, cacheTTL time.Duration) *Allocator {
	a := &Allocator{
		pool:     pool,
		logger:   log,
		cacheTTL: cacheTTL,
		accounts: make(map[string]*accountState),
	}
	a.initMetrics()
	return a
}

func (a *Allocator) initMetrics() {
	meter := otel.Meter(meterName)
	m := &allocatorMetrics{}
	m.reservations, _ = meter.Int64Counter("nonce_reservations_total",
		metric.WithDescription("Total nonce reservations handed out"))
	m.releases, _ = meter.Int64Counter("nonce_releases_total",
		metric.WithDescription("Total unused nonce reservations returned"))
	m.syncs, _ = meter.Int64Counter("nonce_syncs_total",
		metric.WithDescription("Total forced re-reads of the chain nonce"))
	a.metrics = m
}

func accountKey(chain string, addr common.Address) string {
	return chain + "/" + addr.Hex()
}

func (a *Allocator) state(chain string, addr common.Address) *accountState {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := accountKey(chain, addr)
	st, ok := a.accounts[key]
	if !ok {
		st = &accountState{released: make(map[uint64]struct{})}
		a.accounts[key] = st
	}
	return st
}

// Reserve allocates the next nonce for addr on chain.
func (a *Allocator) Reserve(ctx context.Context, chain string, addr common.Address) (uint64, error) {
	st := a.state(chain, addr)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := a.refreshLocked(ctx, st, chain, addr, false); err != nil {
		return 0, err
	}

	// Reuse the lowest released reservation before minting a new nonce,
	// otherwise the gap blocks every later transaction.
	if n, ok := lowestReleased(st); ok {
		delete(st.released, n)
		a.metrics.reservations.Add(ctx, 1, metric.WithAttributes(attribute.String("chain", chain)))
		return n, nil
	}

	n := st.next
	st.next++
	a.metrics.reservations.Add(ctx, 1, metric.WithAttributes(attribute.String("chain", chain)))
	return n, nil
}

// Release returns an unused reservation.
func (a *Allocator) Release(ctx context.Context, chain string, addr common.Address, nonce uint64) error {
	st := a.state(chain, addr)
	st.mu.Lock()
	defer st.mu.Unlock()

	if nonce >= st.next || nonce < st.chainNonce {
		// Never handed out, or already consumed on chain.
		return apperror.New(apperror.CodeNonceConflict,
			apperror.WithChain(chain),
			apperror.WithContext("released nonce was not an open reservation"))
	}
	if nonce == st.next-1 {
		st.next--
		// Collapse any released run that now sits at the top.
		for {
			if _, ok := st.released[st.next-1]; !ok || st.next == st.chainNonce {
				break
			}
			delete(st.released, st.next-1)
			st.next--
		}
	} else {
		st.released[nonce] = struct{}{}
	}
	// A release usually means a stuck transaction was given up on, and a
	// stuck transaction can still land. Drop the cached chain nonce so the
	// next Reserve re-reads it and never re-hands a consumed nonce.
	st.syncedAt = time.Time{}
	a.metrics.releases.Add(ctx, 1, metric.WithAttributes(attribute.String("chain", chain)))
	return nil
}

// Sync discards local state and re-reads the pending nonce from the chain.
func (a *Allocator) Sync(ctx context.Context, chain string, addr common.Address) (uint64, error) {
	st := a.state(chain, addr)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := a.refreshLocked(ctx, st, chain, addr, true); err != nil {
		return 0, err
	}
	a.metrics.syncs.Add(ctx, 1, metric.WithAttributes(attribute.String("chain", chain)))
	return st.chainNonce, nil
}

// refreshLocked re-reads the chain nonce when the cached value is stale or
// force is set. Callers hold st.mu.
func (a *Allocator) refreshLocked(ctx context.Context, st *accountState, chain string, addr common.Address, force bool) error {
	fresh := !st.syncedAt.IsZero() && time.Since(st.syncedAt) < a.cacheTTL
	if fresh && !force {
		return nil
	}

	client, err := a.pool.ClientFor(chain)
	if err != nil {
		return err
	}
	n, err := client.PendingNonceAt(ctx, addr)
	if err != nil {
		return apperror.New(apperror.CodeNonceSyncFailed,
			apperror.WithCause(err), apperror.WithChain(chain))
	}

	st.chainNonce = n
	st.syncedAt = time.Now()
	if force {
		st.next = n
		st.released = make(map[uint64]struct{})
		return nil
	}
	if n > st.next {
		// Another sender consumed nonces behind our back; fast-forward.
		a.logger.Warn(ctx, "local nonce view behind chain, fast-forwarding",
			"chain", chain, "address", addr.Hex(), "local", st.next, "chain_nonce", n)
		st.next = n
	}
	for r := range st.released {
		if r < n {
			delete(st.released, r)
		}
	}
	return nil
}

func lowestReleased(st *accountState) (uint64, bool) {
	var lowest uint64
	found := false
	for n := range st.released {
		if n < st.chainNonce {
			continue
		}
		if !found || n < lowest {
			lowest = n
			found = true
		}
	}
	return lowest, found
}
