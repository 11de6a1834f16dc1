package app

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	rpcapp "github.com/stablepay/chainexec/business/rpc/app"
	rpcdomain "github.com/stablepay/chainexec/business/rpc/domain"
	"github.com/stablepay/chainexec/business/tracker/domain"
	"github.com/stablepay/chainexec/internal/apperror"
	"github.com/stablepay/chainexec/internal/logger"
)

const (
	tracerName = "github.com/stablepay/chainexec/business/tracker/app"
	meterName  = "github.com/stablepay/chainexec/business/tracker/app"
)

// dropAfterPolls is how many consecutive polls a transaction may be absent
// from both the chain and the mempool before it counts as dropped.
const dropAfterPolls = 5

type waitResult struct {
	receipt *types.Receipt
	err     error
}

// chainState is the monitor's view of one chain. All fields are guarded by
// mu.
type chainState struct {
	mu       sync.Mutex
	desc     *rpcdomain.Descriptor
	window   *domain.Window
	tracked  map[common.Hash]*domain.TrackedTx
	receipts map[common.Hash]*types.Receipt
	waiters  map[common.Hash][]chan waitResult

	halted    bool
	haltEvent *domain.ReorgEvent
}

type monitorMetrics struct {
	reorgs    metric.Int64Counter
	confirmed metric.Int64Counter
	dropped   metric.Int64Counter
	reverted  metric.Int64Counter
	watched   metric.Int64UpDownCounter
	halts     metric.Int64Counter
}

// Monitor implements Tracker by polling each chain's head at its block
// interval.
type Monitor struct {
	pool   rpcapp.Pool
	logger logger.LoggerInterface

	mu     sync.RWMutex
	chains map[string]*chainState

	listenerMu sync.Mutex
	listeners  []ReorgListener

	tracer  trace.Tracer
	metrics *monitorMetrics
}

var _ Tracker = (*Monitor)(nil)

// NewMonitor creates the confirmation monitor for every chain in the pool.
func NewMonitor(pool rpcapp.Pool, log logger.LoggerInterface) (*Monitor, error) {
	m := &Monitor{
		pool:   pool,
		logger: log,
		chains: make(map[string]*chainState),
		tracer: otel.Tracer(tracerName),
	}
	for _, chain := range pool.Chains() {
		client, err := pool.ClientFor(chain)
		if err != nil {
			return nil, err
		}
		desc := client.Descriptor()
		m.chains[chain] = &chainState{
			desc:     desc,
			window:   domain.NewWindow(desc.ReorgWindow),
			tracked:  make(map[common.Hash]*domain.TrackedTx),
			receipts: make(map[common.Hash]*types.Receipt),
			waiters:  make(map[common.Hash][]chan waitResult),
		}
	}
	m.initMetrics()
	return m, nil
}

func (m *Monitor) initMetrics() {
	meter := otel.Meter(meterName)
	mm := &monitorMetrics{}
	mm.reorgs, _ = meter.Int64Counter("tracker_reorgs_total",
		metric.WithDescription("Total detected chain reorganizations by severity"))
	mm.confirmed, _ = meter.Int64Counter("tracker_confirmed_total",
		metric.WithDescription("Total transactions that reached the confirmation threshold"))
	mm.dropped, _ = meter.Int64Counter("tracker_dropped_total",
		metric.WithDescription("Total transactions evicted from the mempool without inclusion"))
	mm.reverted, _ = meter.Int64Counter("tracker_reverted_total",
		metric.WithDescription("Total transactions that reverted on chain"))
	mm.watched, _ = meter.Int64UpDownCounter("tracker_watched",
		metric.WithDescription("Transactions currently being watched"))
	mm.halts, _ = meter.Int64Counter("tracker_halts_total",
		metric.WithDescription("Total critical reorg halts"))
	m.metrics = mm
}

func (m *Monitor) chain(name string) (*chainState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.chains[name]
	if !ok {
		return nil, apperror.New(apperror.CodeChainNotConfigured, apperror.WithChain(name))
	}
	return st, nil
}

// Watch registers a broadcast transaction for monitoring.
func (m *Monitor) Watch(ctx context.Context, chain string, hash common.Hash) error {
	st, err := m.chain(chain)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.tracked[hash]; ok {
		return nil
	}
	st.tracked[hash] = &domain.TrackedTx{
		Chain:     chain,
		Hash:      hash,
		Status:    domain.StatusPending,
		FirstSeen: time.Now(),
	}
	m.metrics.watched.Add(ctx, 1, metric.WithAttributes(attribute.String("chain", chain)))
	return nil
}

// WaitForConfirmation blocks until hash confirms or fails terminally.
func (m *Monitor) WaitForConfirmation(ctx context.Context, chain string, hash common.Hash) (*types.Receipt, error) {
	ctx, span := m.tracer.Start(ctx, "tracker.WaitForConfirmation",
		trace.WithAttributes(
			attribute.String("chain", chain),
			attribute.String("tx", hash.Hex())))
	defer span.End()

	st, err := m.chain(chain)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if tx, ok := st.tracked[hash]; ok {
		switch tx.Status {
		case domain.StatusConfirmed, domain.StatusFinalized:
			receipt := st.receipts[hash]
			st.mu.Unlock()
			return receipt, nil
		case domain.StatusFailed:
			st.mu.Unlock()
			return nil, apperror.New(apperror.CodeExecutionReverted,
				apperror.WithChain(chain), apperror.WithTxHash(hash.Hex()))
		case domain.StatusDropped:
			st.mu.Unlock()
			return nil, apperror.New(apperror.CodeTransactionDropped,
				apperror.WithChain(chain), apperror.WithTxHash(hash.Hex()))
		}
	} else {
		st.tracked[hash] = &domain.TrackedTx{
			Chain:     chain,
			Hash:      hash,
			Status:    domain.StatusPending,
			FirstSeen: time.Now(),
		}
		m.metrics.watched.Add(ctx, 1, metric.WithAttributes(attribute.String("chain", chain)))
	}
	ch := make(chan waitResult, 1)
	st.waiters[hash] = append(st.waiters[hash], ch)
	timeout := st.desc.ConfirmationTimeout
	st.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case r := <-ch:
		return r.receipt, r.err
	case <-waitCtx.Done():
		m.removeWaiter(st, hash, ch)
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, apperror.New(apperror.CodeConfirmationTimeout,
				apperror.WithChain(chain), apperror.WithTxHash(hash.Hex()))
		}
		return nil, waitCtx.Err()
	}
}

func (m *Monitor) removeWaiter(st *chainState, hash common.Hash, ch chan waitResult) {
	st.mu.Lock()
	defer st.mu.Unlock()
	ws := st.waiters[hash]
	for i := range ws {
		if ws[i] == ch {
			st.waiters[hash] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(st.waiters[hash]) == 0 {
		delete(st.waiters, hash)
	}
}

// Status returns a copy of the tracked transaction state.
func (m *Monitor) Status(chain string, hash common.Hash) (*domain.TrackedTx, bool) {
	st, err := m.chain(chain)
	if err != nil {
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	tx, ok := st.tracked[hash]
	if !ok {
		return nil, false
	}
	cp := *tx
	return &cp, true
}

// Halted reports whether dispatch on chain is latched shut.
func (m *Monitor) Halted(chain string) (bool, *domain.ReorgEvent) {
	st, err := m.chain(chain)
	if err != nil {
		return false, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.halted, st.haltEvent
}

// ClearHalt releases the critical-reorg latch.
func (m *Monitor) ClearHalt(chain string) {
	st, err := m.chain(chain)
	if err != nil {
		return
	}
	st.mu.Lock()
	st.halted = false
	st.haltEvent = nil
	st.mu.Unlock()
	m.logger.Warn(context.Background(), "critical reorg halt cleared", "chain", chain)
}

// OnReorg registers a listener for reorg events.
func (m *Monitor) OnReorg(fn ReorgListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Monitor) fireReorg(ev domain.ReorgEvent) {
	m.listenerMu.Lock()
	listeners := make([]ReorgListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// Run starts one monitor loop per chain and blocks until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	m.mu.RLock()
	for name := range m.chains {
		chain := name
		g.Go(func() error {
			return m.monitorChain(ctx, chain)
		})
	}
	m.mu.RUnlock()
	return g.Wait()
}

func (m *Monitor) monitorChain(ctx context.Context, chain string) error {
	st, err := m.chain(chain)
	if err != nil {
		return err
	}
	client, err := m.pool.ClientFor(chain)
	if err != nil {
		return err
	}

	m.logger.Info(ctx, "confirmation monitor started",
		"chain", chain, "interval", st.desc.BlockInterval.String())

	ticker := time.NewTicker(st.desc.BlockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.poll(ctx, chain, st, client)
		}
	}
}

// receiptPoll is one transaction's chain lookup, gathered without holding
// the chain lock.
type receiptPoll struct {
	hash       common.Hash
	receipt    *types.Receipt
	err        error
	mempoolErr error
}

// poll advances the block window, detects reorgs and updates every watched
// transaction. All network reads run outside the chain lock so waiters and
// dispatches never stall behind a slow endpoint.
func (m *Monitor) poll(ctx context.Context, chain string, st *chainState, client rpcapp.ChainClient) {
	head, err := client.BlockByNumber(ctx, nil)
	if err != nil {
		m.logger.Warn(ctx, "head poll failed", "chain", chain, "error", err.Error())
		return
	}
	headRec := domain.BlockRecord{Number: head.Number, Hash: head.Hash, ParentHash: head.ParentHash}

	st.mu.Lock()
	prev, hasPrev := st.window.Head()
	if !hasPrev {
		st.window.Record(headRec)
	}
	walked := hasPrev && !(headRec.Number == prev.Number && headRec.Hash == prev.Hash)
	var snapshot *domain.Window
	if walked {
		snapshot = st.window.Clone()
	}
	st.mu.Unlock()

	var branch []domain.BlockRecord
	var ancestor *domain.BlockRecord
	if walked {
		var ok bool
		branch, ancestor, ok = m.walkBranch(ctx, client, st.desc, snapshot, headRec)
		if !ok {
			return
		}
	}
	reorg := classifyBranch(st.desc, prev, headRec, ancestor, walked)

	st.mu.Lock()
	if walked {
		if ancestor == nil {
			// The branch point lies beyond the window. Everything we
			// knew about this chain may be stale.
			st.window = domain.NewWindow(st.desc.ReorgWindow)
		} else {
			st.window.Rewind(ancestor.Number)
		}
		for i := len(branch) - 1; i >= 0; i-- {
			st.window.Record(branch[i])
		}
	}
	if reorg != nil {
		m.applyReorg(ctx, st, reorg)
	}
	newHead, _ := st.window.Head()
	headNumber := newHead.Number
	live := make([]common.Hash, 0, len(st.tracked))
	for hash, tx := range st.tracked {
		if !tx.Status.Terminal() {
			live = append(live, hash)
		}
	}
	st.mu.Unlock()

	polls := m.fetchReceipts(ctx, client, live)

	st.mu.Lock()
	m.applyReceipts(ctx, chain, st, polls, headNumber)
	m.pruneHistory(ctx, chain, st)
	st.mu.Unlock()

	if reorg != nil {
		m.fireReorg(*reorg)
	}
}

// walkBranch traces the new head back to a block the window already holds.
// It reads a window snapshot so no lock is held across the RPC calls. A nil
// ancestor with ok set means the branch point lies beyond the window.
func (m *Monitor) walkBranch(ctx context.Context, client rpcapp.ChainClient, desc *rpcdomain.Descriptor, window *domain.Window, head domain.BlockRecord) (branch []domain.BlockRecord, ancestor *domain.BlockRecord, ok bool) {
	branch = []domain.BlockRecord{head}
	cursor := head
	for len(branch) <= desc.ReorgWindow {
		if cursor.Number == 0 {
			break
		}
		if rec, found := window.Get(cursor.Number - 1); found && rec.Hash == cursor.ParentHash {
			ancestor = &rec
			break
		}
		parent, err := client.BlockByNumber(ctx, new(big.Int).SetUint64(cursor.Number-1))
		if err != nil {
			m.logger.Warn(ctx, "branch walk failed, skipping tick",
				"chain", desc.Name, "height", cursor.Number-1, "error", err.Error())
			return nil, nil, false
		}
		rec := domain.BlockRecord{Number: parent.Number, Hash: parent.Hash, ParentHash: parent.ParentHash}
		branch = append(branch, rec)
		cursor = rec
	}
	return branch, ancestor, true
}

// classifyBranch builds the reorg event for a window advance, or nil when
// the head moved forward without replacing recorded blocks.
func classifyBranch(desc *rpcdomain.Descriptor, prev, head domain.BlockRecord, ancestor *domain.BlockRecord, walked bool) *domain.ReorgEvent {
	if !walked {
		return nil
	}
	if ancestor == nil {
		return &domain.ReorgEvent{
			Chain:      desc.Name,
			Depth:      desc.ReorgWindow,
			Severity:   domain.SeverityCritical,
			OldHead:    prev.Hash,
			NewHead:    head.Hash,
			DetectedAt: time.Now(),
		}
	}
	if ancestor.Number >= prev.Number {
		return nil
	}
	ev := &domain.ReorgEvent{
		Chain:          desc.Name,
		Depth:          int(prev.Number - ancestor.Number),
		OldHead:        prev.Hash,
		NewHead:        head.Hash,
		AncestorNumber: ancestor.Number,
		AncestorHash:   ancestor.Hash,
		DetectedAt:     time.Now(),
	}
	ev.Severity = domain.ClassifySeverity(ev.Depth, domain.SeverityThresholds{
		Shallow:  desc.ReorgShallowDepth,
		Moderate: desc.ReorgModerateDepth,
		Deep:     desc.ReorgDeepDepth,
	})
	return ev
}

// applyReorg marks affected transactions and latches the chain shut on a
// critical reorg. Callers hold st.mu.
func (m *Monitor) applyReorg(ctx context.Context, st *chainState, ev *domain.ReorgEvent) {
	chain := st.desc.Name
	for hash, tx := range st.tracked {
		if tx.Status.Terminal() {
			continue
		}
		included := tx.Status == domain.StatusConfirming || tx.Status == domain.StatusConfirmed
		if !included || (ev.AncestorNumber > 0 && tx.BlockNumber <= ev.AncestorNumber) {
			continue
		}
		ev.AffectedTxs = append(ev.AffectedTxs, hash)
		tx.Status = domain.StatusReorged
		tx.Confirmations = 0
		delete(st.receipts, hash)

		if ev.Severity == domain.SeverityCritical {
			m.notifyLocked(ctx, st, hash, waitResult{err: apperror.New(apperror.CodeCriticalReorg,
				apperror.WithChain(chain), apperror.WithTxHash(hash.Hex()))})
		}
	}

	m.metrics.reorgs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("chain", chain),
		attribute.String("severity", string(ev.Severity))))
	m.logger.Error(ctx, "chain reorganization detected",
		"chain", chain, "depth", ev.Depth, "severity", string(ev.Severity),
		"affected", len(ev.AffectedTxs))

	if ev.Severity == domain.SeverityCritical {
		st.halted = true
		st.haltEvent = ev
		m.metrics.halts.Add(ctx, 1, metric.WithAttributes(attribute.String("chain", chain)))
		m.logger.Error(ctx, "dispatch halted until operator clears the latch", "chain", chain)
	}
}

// fetchReceipts looks up every live transaction on chain. No lock is held;
// a slow endpoint delays the poll, not the waiters.
func (m *Monitor) fetchReceipts(ctx context.Context, client rpcapp.ChainClient, hashes []common.Hash) []receiptPoll {
	polls := make([]receiptPoll, 0, len(hashes))
	for _, hash := range hashes {
		p := receiptPoll{hash: hash}
		p.receipt, p.err = client.TransactionReceipt(ctx, hash)
		if errors.Is(p.err, ethereum.NotFound) {
			_, _, p.mempoolErr = client.TransactionByHash(ctx, hash)
		}
		polls = append(polls, p)
	}
	return polls
}

// applyReceipts folds the chain lookups into the tracked set. Callers hold
// st.mu.
func (m *Monitor) applyReceipts(ctx context.Context, chain string, st *chainState, polls []receiptPoll, headNumber uint64) {
	attrs := metric.WithAttributes(attribute.String("chain", chain))
	for _, p := range polls {
		hash := p.hash
		tx, ok := st.tracked[hash]
		if !ok || tx.Status.Terminal() {
			continue
		}

		receipt, err := p.receipt, p.err
		switch {
		case err == nil:
			tx.NotFoundPolls = 0
			if receipt.Status == types.ReceiptStatusFailed {
				tx.Status = domain.StatusFailed
				m.metrics.reverted.Add(ctx, 1, attrs)
				m.notifyLocked(ctx, st, hash, waitResult{err: apperror.New(apperror.CodeExecutionReverted,
					apperror.WithChain(chain), apperror.WithTxHash(hash.Hex()))})
				continue
			}
			tx.BlockNumber = receipt.BlockNumber.Uint64()
			tx.BlockHash = receipt.BlockHash
			if headNumber < tx.BlockNumber {
				// Receipt from a block we have not observed yet.
				tx.Confirmations = 1
			} else {
				tx.Confirmations = headNumber - tx.BlockNumber + 1
			}
			switch {
			case tx.Confirmations >= uint64(st.desc.ReorgWindow):
				if tx.Status != domain.StatusFinalized {
					tx.Status = domain.StatusFinalized
					st.receipts[hash] = receipt
					m.notifyLocked(ctx, st, hash, waitResult{receipt: receipt})
				}
			case tx.Confirmations >= st.desc.Confirmations:
				if tx.Status != domain.StatusConfirmed {
					tx.Status = domain.StatusConfirmed
					st.receipts[hash] = receipt
					m.metrics.confirmed.Add(ctx, 1, attrs)
					m.notifyLocked(ctx, st, hash, waitResult{receipt: receipt})
				}
			default:
				tx.Status = domain.StatusConfirming
			}

		case errors.Is(err, ethereum.NotFound):
			if tx.BlockNumber != 0 && tx.Status != domain.StatusReorged {
				// Its block left the canonical chain between polls.
				tx.Status = domain.StatusReorged
				tx.Confirmations = 0
				delete(st.receipts, hash)
			}
			if p.mempoolErr == nil {
				if tx.Status != domain.StatusReorged {
					tx.Status = domain.StatusPending
				}
				tx.NotFoundPolls = 0
				continue
			}
			if !errors.Is(p.mempoolErr, ethereum.NotFound) {
				continue
			}
			tx.NotFoundPolls++
			if tx.NotFoundPolls >= dropAfterPolls {
				tx.Status = domain.StatusDropped
				m.metrics.dropped.Add(ctx, 1, attrs)
				m.notifyLocked(ctx, st, hash, waitResult{err: apperror.New(apperror.CodeTransactionDropped,
					apperror.WithChain(chain), apperror.WithTxHash(hash.Hex()))})
			}

		default:
			// Transient RPC failure; try again next tick.
			m.logger.Warn(ctx, "receipt poll failed",
				"chain", chain, "tx", hash.Hex(), "error", err.Error())
		}
	}

}

// pruneHistory stamps terminal entries and deletes them once the configured
// retention lapses and nobody is waiting. Until then the outcome stays
// queryable through Status and WaitForConfirmation. Callers hold st.mu.
func (m *Monitor) pruneHistory(ctx context.Context, chain string, st *chainState) {
	attrs := metric.WithAttributes(attribute.String("chain", chain))
	now := time.Now()
	for hash, tx := range st.tracked {
		if !tx.Status.Terminal() || len(st.waiters[hash]) != 0 {
			continue
		}
		if tx.CompletedAt.IsZero() {
			tx.CompletedAt = now
			m.metrics.watched.Add(ctx, -1, attrs)
		}
		if now.Sub(tx.CompletedAt) >= st.desc.HistoryRetention {
			delete(st.tracked, hash)
			delete(st.receipts, hash)
		}
	}
}

// notifyLocked delivers a result to every waiter of hash. Callers hold
// st.mu; waiter channels are buffered so sends never block.
func (m *Monitor) notifyLocked(ctx context.Context, st *chainState, hash common.Hash, r waitResult) {
	for _, ch := range st.waiters[hash] {
		select {
		case ch <- r:
		default:
		}
	}
	delete(st.waiters, hash)
}
