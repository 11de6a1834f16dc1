package app

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/stablepay/chainexec/business/executor/domain"
	gasdomain "github.com/stablepay/chainexec/business/gas/domain"
	noncedomain "github.com/stablepay/chainexec/business/nonce/domain"
	"github.com/stablepay/chainexec/business/nonce/infra/memory"
	rpcapp "github.com/stablepay/chainexec/business/rpc/app"
	rpcdomain "github.com/stablepay/chainexec/business/rpc/domain"
	trackerapp "github.com/stablepay/chainexec/business/tracker/app"
	trackerdomain "github.com/stablepay/chainexec/business/tracker/domain"
	"github.com/stablepay/chainexec/internal/apperror"
	"github.com/stablepay/chainexec/internal/config"
	"github.com/stablepay/chainexec/internal/logger"
)

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

// devKey is a throwaway test key, never funded anywhere.
const devKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type keySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newKeySigner(t *testing.T) *keySigner {
	t.Helper()
	key, err := crypto.HexToECDSA(devKey)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	return &keySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *keySigner) Address(ctx context.Context) (common.Address, error) { return s.addr, nil }

func (s *keySigner) SignTx(ctx context.Context, chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// fakeExecChain captures broadcasts; the embedded interface panics on
// anything the pipeline should not call.
type fakeExecChain struct {
	rpcapp.ChainClient

	desc    *rpcdomain.Descriptor
	balance *big.Int
	sendErr error

	mu   sync.Mutex
	sent []*types.Transaction
}

func (f *fakeExecChain) Descriptor() *rpcdomain.Descriptor { return f.desc }

func (f *fakeExecChain) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeExecChain) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	if f.sendErr != nil {
		return common.Hash{}, f.sendErr
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, err
	}
	f.mu.Lock()
	f.sent = append(f.sent, tx)
	f.mu.Unlock()
	return tx.Hash(), nil
}

func (f *fakeExecChain) lastSent() *types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

type fakeExecPool struct {
	client *fakeExecChain
}

func (p *fakeExecPool) ClientFor(chain string) (rpcapp.ChainClient, error) { return p.client, nil }

func (p *fakeExecPool) Chains() []string { return []string{"testchain"} }

func (p *fakeExecPool) SetFailoverListener(fn rpcapp.FailoverListener) {}

type fakeEstimator struct {
	est     *gasdomain.GasEstimation
	estErr  error
	fees    *gasdomain.FeeRecommendation
	feesErr error
	sim     *gasdomain.SimulationResult
	simErr  error
}

func (f *fakeEstimator) Estimate(ctx context.Context, chain string, call ethereum.CallMsg) (*gasdomain.GasEstimation, error) {
	return f.est, f.estErr
}

func (f *fakeEstimator) Fees(ctx context.Context, chain string) (*gasdomain.FeeRecommendation, error) {
	return f.fees, f.feesErr
}

func (f *fakeEstimator) Simulate(ctx context.Context, chain string, call ethereum.CallMsg) (*gasdomain.SimulationResult, error) {
	return f.sim, f.simErr
}

type fakeAllocator struct {
	mu       sync.Mutex
	next     uint64
	reserved []uint64
	released []uint64
}

func (f *fakeAllocator) Reserve(ctx context.Context, chain string, addr common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.next
	f.next++
	f.reserved = append(f.reserved, n)
	return n, nil
}

func (f *fakeAllocator) Release(ctx context.Context, chain string, addr common.Address, nonce uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, nonce)
	return nil
}

func (f *fakeAllocator) Sync(ctx context.Context, chain string, addr common.Address) (uint64, error) {
	return f.next, nil
}

// fakeTracker resolves waits through a settable hook.
type fakeTracker struct {
	mu        sync.Mutex
	watched   []common.Hash
	halted    bool
	haltEvent *trackerdomain.ReorgEvent
	waitFn    func(hash common.Hash) (*types.Receipt, error)
}

func (f *fakeTracker) Watch(ctx context.Context, chain string, hash common.Hash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched = append(f.watched, hash)
	return nil
}

func (f *fakeTracker) WaitForConfirmation(ctx context.Context, chain string, hash common.Hash) (*types.Receipt, error) {
	return f.waitFn(hash)
}

func (f *fakeTracker) Status(chain string, hash common.Hash) (*trackerdomain.TrackedTx, bool) {
	return nil, false
}

func (f *fakeTracker) Halted(chain string) (bool, *trackerdomain.ReorgEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.halted, f.haltEvent
}

func (f *fakeTracker) ClearHalt(chain string) {}

func (f *fakeTracker) OnReorg(fn trackerapp.ReorgListener) {}

func (f *fakeTracker) Run(ctx context.Context) error { return nil }

type execFixture struct {
	svc       *Service
	chain     *fakeExecChain
	estimator *fakeEstimator
	allocator *fakeAllocator
	registry  *memory.Registry
	tracker   *fakeTracker
	signer    *keySigner
}

func newExecFixture(t *testing.T) *execFixture {
	t.Helper()
	chain := &fakeExecChain{
		desc: &rpcdomain.Descriptor{
			Name:                "testchain",
			ChainID:             1,
			Confirmations:       3,
			NativeTokenPriceUSD: decimal.NewFromInt(2000),
			MaxFeeWei:           gwei(100),
		},
		balance: new(big.Int).Mul(gwei(1), big.NewInt(1_000_000_000)), // 1 ETH
	}
	estimator := &fakeEstimator{
		est: &gasdomain.GasEstimation{
			GasLimit:  21_000,
			BaseFee:   gwei(10),
			GasTipCap: gwei(1),
			GasFeeCap: gwei(30),
		},
		fees: &gasdomain.FeeRecommendation{
			BaseFee:   gwei(10),
			GasTipCap: gwei(1),
			GasFeeCap: gwei(30),
		},
		sim: &gasdomain.SimulationResult{OK: true},
	}
	allocator := &fakeAllocator{next: 5}
	registry := memory.NewRegistry(time.Hour)
	tracker := &fakeTracker{}
	signer := newKeySigner(t)

	cfg := config.ExecutorConfig{
		SimulateBeforeSend: true,
		StuckTimeout:       3 * time.Minute,
		FeeBumpPct:         10,
		PollInterval:       time.Second,
	}
	log := logger.New(io.Discard, logger.LevelError, "test", nil)
	svc := NewService(&fakeExecPool{client: chain}, estimator, allocator, registry, tracker, signer, cfg, false, log)
	return &execFixture{
		svc: svc, chain: chain, estimator: estimator, allocator: allocator,
		registry: registry, tracker: tracker, signer: signer,
	}
}

func nativeInstruction() *domain.PaymentInstruction {
	return &domain.PaymentInstruction{
		ID:     "pay-1",
		Chain:  "testchain",
		To:     common.HexToAddress("0x00000000000000000000000000000000000000b2"),
		Amount: big.NewInt(1_000_000),
	}
}

func confirmAtBlock(block uint64) func(hash common.Hash) (*types.Receipt, error) {
	return func(hash common.Hash) (*types.Receipt, error) {
		return &types.Receipt{
			Status:            types.ReceiptStatusSuccessful,
			TxHash:            hash,
			BlockNumber:       new(big.Int).SetUint64(block),
			BlockHash:         common.HexToHash("0xb10c"),
			GasUsed:           21_000,
			EffectiveGasPrice: gwei(12),
		}, nil
	}
}

func TestDispatchConfirmsNativePayment(t *testing.T) {
	f := newExecFixture(t)
	f.tracker.waitFn = confirmAtBlock(100)

	var events []Event
	f.svc.OnEvent(func(ev Event) { events = append(events, ev) })

	receipt, err := f.svc.Dispatch(context.Background(), nativeInstruction())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if receipt.Nonce != 5 {
		t.Errorf("nonce = %d, want 5", receipt.Nonce)
	}
	if receipt.BlockNumber != 100 {
		t.Errorf("block = %d, want 100", receipt.BlockNumber)
	}
	// fee = gasUsed * effective price; usd = fee * native price.
	wantFee := new(big.Int).Mul(big.NewInt(21_000), gwei(12))
	if receipt.FeeWei.Cmp(wantFee) != 0 {
		t.Errorf("fee = %s wei, want %s", receipt.FeeWei, wantFee)
	}
	if receipt.FeeUSD.IsZero() {
		t.Error("fee USD must be derived from the native token price")
	}

	sent := f.chain.lastSent()
	if sent == nil {
		t.Fatal("nothing was broadcast")
	}
	if sent.Nonce() != 5 || sent.Gas() != 21_000 {
		t.Errorf("broadcast tx nonce = %d gas = %d", sent.Nonce(), sent.Gas())
	}
	if sent.To() == nil || *sent.To() != nativeInstruction().To {
		t.Errorf("broadcast to = %v", sent.To())
	}

	if len(f.allocator.released) != 0 {
		t.Errorf("confirmed payment must not release its nonce, released %v", f.allocator.released)
	}
	if _, ok := f.registry.Get(context.Background(), "testchain", sent.Hash()); ok {
		t.Error("confirmed payment must be removed from the in-flight registry")
	}

	if len(events) != 2 || events[0].Kind != EventSubmitted || events[1].Kind != EventConfirmed {
		t.Errorf("events = %+v, want submitted then confirmed", events)
	}
}

func TestDispatchRejectsInvalidInstruction(t *testing.T) {
	f := newExecFixture(t)

	instr := nativeInstruction()
	instr.Amount = big.NewInt(0)
	_, err := f.svc.Dispatch(context.Background(), instr)
	if !apperror.HasCode(err, apperror.CodeInvalidInput) {
		t.Fatalf("error = %v, want code %s", err, apperror.CodeInvalidInput)
	}
}

func TestDispatchHaltedChain(t *testing.T) {
	f := newExecFixture(t)
	f.tracker.halted = true
	f.tracker.haltEvent = &trackerdomain.ReorgEvent{Depth: 20, Severity: trackerdomain.SeverityCritical}

	_, err := f.svc.Dispatch(context.Background(), nativeInstruction())
	if !apperror.HasCode(err, apperror.CodeChainHalted) {
		t.Fatalf("error = %v, want code %s", err, apperror.CodeChainHalted)
	}
	if len(f.allocator.reserved) != 0 {
		t.Error("halted dispatch must not touch the nonce allocator")
	}
}

func TestDispatchSimulationRevertConsumesNoNonce(t *testing.T) {
	f := newExecFixture(t)
	f.estimator.sim = &gasdomain.SimulationResult{
		Class:        gasdomain.FailureRevert,
		RevertReason: "transfer amount exceeds balance",
	}

	_, err := f.svc.Dispatch(context.Background(), nativeInstruction())
	if !apperror.HasCode(err, apperror.CodeSimulationReverted) {
		t.Fatalf("error = %v, want code %s", err, apperror.CodeSimulationReverted)
	}
	if len(f.allocator.reserved) != 0 {
		t.Error("failed simulation must not reserve a nonce")
	}
	if sent := f.chain.lastSent(); sent != nil {
		t.Error("failed simulation must not broadcast")
	}
}

func TestDispatchBroadcastFailureReleasesNonce(t *testing.T) {
	f := newExecFixture(t)
	f.chain.sendErr = errors.New("txpool is full")

	_, err := f.svc.Dispatch(context.Background(), nativeInstruction())
	if !apperror.HasCode(err, apperror.CodeBroadcastFailed) {
		t.Fatalf("error = %v, want code %s", err, apperror.CodeBroadcastFailed)
	}
	if len(f.allocator.released) != 1 || f.allocator.released[0] != 5 {
		t.Errorf("released = %v, want [5]", f.allocator.released)
	}
}

func TestDispatchOnChainRevertKeepsNonce(t *testing.T) {
	f := newExecFixture(t)
	f.tracker.waitFn = func(hash common.Hash) (*types.Receipt, error) {
		return nil, apperror.New(apperror.CodeExecutionReverted,
			apperror.WithChain("testchain"), apperror.WithTxHash(hash.Hex()))
	}

	_, err := f.svc.Dispatch(context.Background(), nativeInstruction())
	if !apperror.HasCode(err, apperror.CodeExecutionReverted) {
		t.Fatalf("error = %v, want code %s", err, apperror.CodeExecutionReverted)
	}
	// The nonce was consumed on chain even though execution failed.
	if len(f.allocator.released) != 0 {
		t.Errorf("reverted payment must not release its nonce, released %v", f.allocator.released)
	}
	sent := f.chain.lastSent()
	if _, ok := f.registry.Get(context.Background(), "testchain", sent.Hash()); ok {
		t.Error("reverted payment must be removed from the in-flight registry")
	}
}

func TestDispatchDroppedReleasesNonce(t *testing.T) {
	f := newExecFixture(t)
	f.tracker.waitFn = func(hash common.Hash) (*types.Receipt, error) {
		return nil, apperror.New(apperror.CodeTransactionDropped,
			apperror.WithChain("testchain"), apperror.WithTxHash(hash.Hex()))
	}

	_, err := f.svc.Dispatch(context.Background(), nativeInstruction())
	if !apperror.HasCode(err, apperror.CodeTransactionDropped) {
		t.Fatalf("error = %v, want code %s", err, apperror.CodeTransactionDropped)
	}
	if len(f.allocator.released) != 1 || f.allocator.released[0] != 5 {
		t.Errorf("released = %v, want [5]", f.allocator.released)
	}
}

func TestDispatchFollowsReplacementHash(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	var calls int
	f.tracker.waitFn = func(hash common.Hash) (*types.Receipt, error) {
		calls++
		if calls > 1 {
			return confirmAtBlock(200)(hash)
		}
		// First wait: the stuck loop replaced the transaction meanwhile.
		pending, ok := f.registry.Get(ctx, "testchain", hash)
		if !ok {
			t.Fatal("original broadcast is not tracked")
		}
		replacement := *pending
		replacement.Hash = common.HexToHash("0x2222")
		replacement.BumpCount = 1
		replacement.LastBumpAt = time.Now()
		if err := f.registry.Replace(ctx, "testchain", hash, &replacement); err != nil {
			t.Fatalf("Replace: %v", err)
		}
		return nil, apperror.New(apperror.CodeConfirmationTimeout,
			apperror.WithChain("testchain"), apperror.WithTxHash(hash.Hex()))
	}

	receipt, err := f.svc.Dispatch(ctx, nativeInstruction())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if receipt.TxHash != common.HexToHash("0x2222") {
		t.Errorf("receipt hash = %s, want the replacement hash", receipt.TxHash.Hex())
	}
	if receipt.Replacements != 1 {
		t.Errorf("replacements = %d, want 1", receipt.Replacements)
	}
	if calls != 2 {
		t.Errorf("wait calls = %d, want 2", calls)
	}
}

func trackedPending(f *execFixture, hash common.Hash, tip, feeCap *big.Int) *noncedomain.PendingTransaction {
	return &noncedomain.PendingTransaction{
		Chain:       "testchain",
		Hash:        hash,
		From:        f.signer.addr,
		To:          common.HexToAddress("0x00000000000000000000000000000000000000b2"),
		Nonce:       5,
		Value:       big.NewInt(1_000_000),
		GasLimit:    21_000,
		GasTipCap:   tip,
		GasFeeCap:   feeCap,
		SubmittedAt: time.Now().Add(-10 * time.Minute),
	}
}

func TestReplaceBumpsFees(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	oldHash := common.HexToHash("0x1111")
	if err := f.registry.Register(ctx, trackedPending(f, oldHash, gwei(1), gwei(30))); err != nil {
		t.Fatalf("Register: %v", err)
	}

	newHash, err := f.svc.Replace(ctx, "testchain", oldHash)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}

	sent := f.chain.lastSent()
	if sent == nil || sent.Hash() != newHash {
		t.Fatal("replacement was not broadcast")
	}
	if sent.Nonce() != 5 {
		t.Errorf("replacement nonce = %d, want 5", sent.Nonce())
	}
	// +10% on both fee components.
	if want := big.NewInt(1_100_000_000); sent.GasTipCap().Cmp(want) != 0 {
		t.Errorf("tip = %s, want %s", sent.GasTipCap(), want)
	}
	if want := gwei(33); sent.GasFeeCap().Cmp(want) != 0 {
		t.Errorf("fee cap = %s, want %s", sent.GasFeeCap(), want)
	}

	if _, ok := f.registry.Get(ctx, "testchain", oldHash); ok {
		t.Error("old hash must be untracked after replacement")
	}
	got, ok := f.registry.Get(ctx, "testchain", newHash)
	if !ok || got.BumpCount != 1 {
		t.Fatalf("replacement entry = %+v, ok = %v, want bump count 1", got, ok)
	}
}

func TestReplaceBumpsFromMarketAfterFeeSpike(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	// The fee market moved well past the original 1/30 gwei pricing; the
	// replacement must jump to market plus the bump, not crawl from the
	// original fees.
	f.estimator.fees = &gasdomain.FeeRecommendation{
		BaseFee:   gwei(50),
		GasTipCap: gwei(5),
		GasFeeCap: gwei(60),
	}
	oldHash := common.HexToHash("0x1111")
	if err := f.registry.Register(ctx, trackedPending(f, oldHash, gwei(1), gwei(30))); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := f.svc.Replace(ctx, "testchain", oldHash); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	sent := f.chain.lastSent()
	if sent == nil {
		t.Fatal("replacement was not broadcast")
	}
	if want := big.NewInt(5_500_000_000); sent.GasTipCap().Cmp(want) != 0 {
		t.Errorf("tip = %s, want %s (market 5 gwei +10%%)", sent.GasTipCap(), want)
	}
	if want := gwei(66); sent.GasFeeCap().Cmp(want) != 0 {
		t.Errorf("fee cap = %s, want %s (market 60 gwei +10%%)", sent.GasFeeCap(), want)
	}
}

func TestReplaceClampedBelowMinimumFails(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	// 95 gwei against the 100 gwei ceiling: the clamped cap lands above
	// the old cap but below the +10% nodes require, so broadcasting would
	// only bounce as an underpriced replacement.
	oldHash := common.HexToHash("0x1111")
	if err := f.registry.Register(ctx, trackedPending(f, oldHash, gwei(1), gwei(95))); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := f.svc.Replace(ctx, "testchain", oldHash)
	if !apperror.HasCode(err, apperror.CodeFeeCeilingExceeded) {
		t.Fatalf("error = %v, want code %s", err, apperror.CodeFeeCeilingExceeded)
	}
	if f.chain.lastSent() != nil {
		t.Error("an underpriced replacement must not be broadcast")
	}
}

func TestReplaceAtCeilingFails(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()

	// Already at the chain's 100 gwei ceiling; no compliant bump exists.
	oldHash := common.HexToHash("0x1111")
	if err := f.registry.Register(ctx, trackedPending(f, oldHash, gwei(100), gwei(100))); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := f.svc.Replace(ctx, "testchain", oldHash)
	if !apperror.HasCode(err, apperror.CodeFeeCeilingExceeded) {
		t.Fatalf("error = %v, want code %s", err, apperror.CodeFeeCeilingExceeded)
	}
	if f.chain.lastSent() != nil {
		t.Error("nothing may be broadcast when the ceiling blocks the bump")
	}
}

func TestReplaceUnknownHash(t *testing.T) {
	f := newExecFixture(t)

	_, err := f.svc.Replace(context.Background(), "testchain", common.HexToHash("0x9999"))
	if !apperror.HasCode(err, apperror.CodeNotFound) {
		t.Fatalf("error = %v, want code %s", err, apperror.CodeNotFound)
	}
}
