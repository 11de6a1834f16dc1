package app

import (
	"context"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stablepay/chainexec/business/executor/domain"
	gasapp "github.com/stablepay/chainexec/business/gas/app"
	gasdomain "github.com/stablepay/chainexec/business/gas/domain"
	nonceapp "github.com/stablepay/chainexec/business/nonce/app"
	noncedomain "github.com/stablepay/chainexec/business/nonce/domain"
	rpcapp "github.com/stablepay/chainexec/business/rpc/app"
	trackerapp "github.com/stablepay/chainexec/business/tracker/app"
	"github.com/stablepay/chainexec/internal/apperror"
	"github.com/stablepay/chainexec/internal/config"
	"github.com/stablepay/chainexec/internal/logger"
)

const (
	tracerName = "github.com/stablepay/chainexec/business/executor/app"
	meterName  = "github.com/stablepay/chainexec/business/executor/app"
)

type serviceMetrics struct {
	dispatches   metric.Int64Counter
	duration     metric.Float64Histogram
	replacements metric.Int64Counter
	feeUSD       metric.Float64Histogram
}

// Service implements Executor by composing the rpc, gas, nonce and tracker
// contexts into one dispatch pipeline.
type Service struct {
	pool      rpcapp.Pool
	estimator gasapp.Estimator
	allocator nonceapp.Allocator
	registry  nonceapp.Registry
	tracker   trackerapp.Tracker
	signer    Signer
	cfg       config.ExecutorConfig
	// tolerateSimTimeouts relaxes the fail-closed simulation policy for
	// timeouts only.
	tolerateSimTimeouts bool
	logger              logger.LoggerInterface

	listenerMu sync.Mutex
	listeners  []EventListener

	tracer  trace.Tracer
	metrics *serviceMetrics
}

var _ Executor = (*Service)(nil)

// NewService wires the dispatch pipeline.
func NewService(
	pool rpcapp.Pool,
	estimator gasapp.Estimator,
	allocator nonceapp.Allocator,
	registry nonceapp.Registry,
	tracker trackerapp.Tracker,
	signer Signer,
	cfg config.ExecutorConfig,
	tolerateSimTimeouts bool,
	log logger.LoggerInterface,
) *Service {
	s := &Service{
		pool:                pool,
		estimator:           estimator,
		allocator:           allocator,
		registry:            registry,
		tracker:             tracker,
		signer:              signer,
		cfg:                 cfg,
		tolerateSimTimeouts: tolerateSimTimeouts,
		logger:              log,
		tracer:              otel.Tracer(tracerName),
	}
	s.initMetrics()
	return s
}

func (s *Service) initMetrics() {
	meter := otel.Meter(meterName)
	m := &serviceMetrics{}
	m.dispatches, _ = meter.Int64Counter("executor_dispatches_total",
		metric.WithDescription("Total dispatched payments by outcome"))
	m.duration, _ = meter.Float64Histogram("executor_dispatch_duration_seconds",
		metric.WithDescription("Wall time from dispatch to terminal outcome"))
	m.replacements, _ = meter.Int64Counter("executor_replacements_total",
		metric.WithDescription("Total fee-bumped replacements broadcast"))
	m.feeUSD, _ = meter.Float64Histogram("executor_fee_usd",
		metric.WithDescription("Realized transaction fee in USD"))
	s.metrics = m
}

// OnEvent registers a lifecycle event listener.
func (s *Service) OnEvent(fn EventListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Publish delivers an event to every registered listener.
func (s *Service) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.listenerMu.Lock()
	listeners := make([]EventListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// Dispatch runs the full pipeline for one payment instruction.
func (s *Service) Dispatch(ctx context.Context, instr *domain.PaymentInstruction) (*domain.Receipt, error) {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "executor.Dispatch",
		trace.WithAttributes(
			attribute.String("chain", instr.Chain),
			attribute.String("payment_id", instr.ID)))
	defer span.End()

	receipt, err := s.dispatch(ctx, instr)

	outcome := "confirmed"
	if err != nil {
		outcome = string(apperror.GetCode(err))
	}
	attrs := metric.WithAttributes(
		attribute.String("chain", instr.Chain),
		attribute.String("outcome", outcome))
	s.metrics.dispatches.Add(ctx, 1, attrs)
	s.metrics.duration.Record(ctx, time.Since(started).Seconds(),
		metric.WithAttributes(attribute.String("chain", instr.Chain)))
	if receipt != nil && !receipt.FeeUSD.IsZero() {
		usd, _ := receipt.FeeUSD.Float64()
		s.metrics.feeUSD.Record(ctx, usd,
			metric.WithAttributes(attribute.String("chain", instr.Chain)))
	}
	return receipt, err
}

func (s *Service) dispatch(ctx context.Context, instr *domain.PaymentInstruction) (*domain.Receipt, error) {
	if err := instr.Validate(); err != nil {
		return nil, apperror.New(apperror.CodeInvalidInput, apperror.WithCause(err))
	}
	if halted, ev := s.tracker.Halted(instr.Chain); halted {
		e := apperror.New(apperror.CodeChainHalted, apperror.WithChain(instr.Chain))
		if ev != nil {
			e = apperror.New(apperror.CodeChainHalted,
				apperror.WithChain(instr.Chain),
				apperror.WithContext("critical reorg depth "+strconv.Itoa(ev.Depth)))
		}
		return nil, e
	}

	client, err := s.pool.ClientFor(instr.Chain)
	if err != nil {
		return nil, err
	}
	desc := client.Descriptor()

	from, err := s.signer.Address(ctx)
	if err != nil {
		return nil, apperror.New(apperror.CodeSignerFailure,
			apperror.WithCause(err), apperror.WithChain(instr.Chain))
	}

	to, value, data, err := buildCall(instr)
	if err != nil {
		return nil, err
	}
	call := ethereum.CallMsg{From: from, To: &to, Value: value, Data: data}

	est, err := s.estimator.Estimate(ctx, instr.Chain, call)
	if err != nil {
		return nil, err
	}

	// Balance pre-check against the worst case total before the payment
	// touches a nonce.
	balance, err := client.BalanceAt(ctx, from)
	if err == nil {
		need := new(big.Int).Add(est.WorstCaseWei(), value)
		if balance.Cmp(need) < 0 {
			return nil, apperror.New(apperror.CodeInsufficientFunds,
				apperror.WithChain(instr.Chain),
				apperror.WithContext("balance "+balance.String()+" wei, worst case need "+need.String()+" wei"))
		}
	}

	if s.cfg.SimulateBeforeSend {
		if err := s.simulate(ctx, instr.Chain, call); err != nil {
			return nil, err
		}
	}

	nonce, err := s.allocator.Reserve(ctx, instr.Chain, from)
	if err != nil {
		return nil, err
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   desc.ChainIDBig(),
		Nonce:     nonce,
		GasTipCap: est.GasTipCap,
		GasFeeCap: est.GasFeeCap,
		Gas:       est.GasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})

	signed, err := s.signer.SignTx(ctx, desc.ChainIDBig(), tx)
	if err != nil {
		s.releaseQuietly(ctx, instr.Chain, from, nonce)
		return nil, apperror.New(apperror.CodeSignerFailure,
			apperror.WithCause(err), apperror.WithChain(instr.Chain))
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		s.releaseQuietly(ctx, instr.Chain, from, nonce)
		return nil, apperror.New(apperror.CodeBroadcastFailed,
			apperror.WithCause(err), apperror.WithChain(instr.Chain))
	}

	hash, err := client.SendRawTransaction(ctx, raw)
	if err != nil {
		// No endpoint accepted the transaction; the nonce is still free.
		s.releaseQuietly(ctx, instr.Chain, from, nonce)
		return nil, apperror.New(apperror.CodeBroadcastFailed,
			apperror.WithCause(err), apperror.WithChain(instr.Chain))
	}

	submittedAt := time.Now()
	pending := &noncedomain.PendingTransaction{
		Chain:       instr.Chain,
		Hash:        hash,
		From:        from,
		To:          to,
		Nonce:       nonce,
		Value:       value,
		Data:        data,
		GasLimit:    est.GasLimit,
		GasTipCap:   est.GasTipCap,
		GasFeeCap:   est.GasFeeCap,
		SubmittedAt: submittedAt,
	}
	if err := s.registry.Register(ctx, pending); err != nil {
		s.logger.Warn(ctx, "pending registry rejected broadcast transaction",
			"chain", instr.Chain, "tx", hash.Hex(), "error", err.Error())
	}
	if err := s.tracker.Watch(ctx, instr.Chain, hash); err != nil {
		return nil, err
	}
	s.Publish(Event{Kind: EventSubmitted, Chain: instr.Chain, PaymentID: instr.ID, TxHash: hash})
	s.logger.Info(ctx, "payment broadcast",
		"chain", instr.Chain, "payment_id", instr.ID, "tx", hash.Hex(),
		"nonce", nonce, "fee_capped", est.Capped)

	// A fee-bumped replacement confirms under a different hash, so the
	// wait follows whatever attempt currently owns the nonce.
	waitHash := hash
	var chainReceipt *types.Receipt
	for {
		chainReceipt, err = s.tracker.WaitForConfirmation(ctx, instr.Chain, waitHash)
		if err == nil {
			break
		}
		dropped := apperror.HasCode(err, apperror.CodeTransactionDropped)
		timedOut := apperror.HasCode(err, apperror.CodeConfirmationTimeout)
		if dropped || timedOut {
			if next, ok := s.currentAttempt(ctx, instr.Chain, from, nonce, waitHash); ok {
				waitHash = next
				continue
			}
		}

		s.Publish(Event{Kind: EventFailed, Chain: instr.Chain, PaymentID: instr.ID,
			TxHash: waitHash, Detail: err.Error()})
		switch {
		case apperror.HasCode(err, apperror.CodeExecutionReverted):
			// The nonce was consumed on chain; never release it.
			_ = s.registry.Complete(ctx, instr.Chain, waitHash)
		case dropped:
			// Never mined; the nonce is free again.
			_ = s.registry.Complete(ctx, instr.Chain, waitHash)
			s.releaseQuietly(ctx, instr.Chain, from, nonce)
		}
		// Timeouts and reorg halts keep the entry; the replacement loop
		// or the operator deals with it.
		return nil, err
	}

	current, _ := s.registry.Get(ctx, instr.Chain, waitHash)
	replacements := 0
	if current != nil {
		replacements = current.BumpCount
	}
	_ = s.registry.Complete(ctx, instr.Chain, waitHash)

	out := &domain.Receipt{
		ID:                instr.ID,
		Chain:             instr.Chain,
		TxHash:            chainReceipt.TxHash,
		From:              from,
		To:                instr.To,
		Nonce:             nonce,
		Amount:            instr.Amount,
		TokenAddress:      instr.TokenAddress,
		BlockNumber:       chainReceipt.BlockNumber.Uint64(),
		BlockHash:         chainReceipt.BlockHash,
		Confirmations:     desc.Confirmations,
		GasUsed:           chainReceipt.GasUsed,
		EffectiveGasPrice: chainReceipt.EffectiveGasPrice,
		FeeCapped:         est.Capped,
		Replacements:      replacements,
		SubmittedAt:       submittedAt,
		ConfirmedAt:       time.Now(),
	}
	out.ComputeFees(desc.NativeTokenPriceUSD)

	s.Publish(Event{Kind: EventConfirmed, Chain: instr.Chain, PaymentID: instr.ID, TxHash: out.TxHash})
	s.logger.Info(ctx, "payment confirmed",
		"chain", instr.Chain, "payment_id", instr.ID, "tx", out.TxHash.Hex(),
		"block", out.BlockNumber, "fee_wei", out.FeeWei.String())
	return out, nil
}

// simulate enforces the fail-closed pre-flight policy.
func (s *Service) simulate(ctx context.Context, chain string, call ethereum.CallMsg) error {
	res, err := s.estimator.Simulate(ctx, chain, call)
	if err != nil {
		if s.tolerateSimTimeouts && apperror.HasCode(err, apperror.CodeSimulationFailed) {
			s.logger.Warn(ctx, "simulation unavailable, proceeding by policy",
				"chain", chain, "error", err.Error())
			return nil
		}
		return err
	}
	if res.OK {
		return nil
	}
	switch res.Class {
	case gasdomain.FailureInsufficientFunds:
		return apperror.New(apperror.CodeInsufficientFunds, apperror.WithChain(chain))
	case gasdomain.FailureInvalidNonce:
		return apperror.New(apperror.CodeNonceConflict,
			apperror.WithChain(chain),
			apperror.WithContext("simulation reported a nonce mismatch"))
	default:
		return apperror.New(apperror.CodeSimulationReverted,
			apperror.WithChain(chain),
			apperror.WithContext(res.RevertReason))
	}
}

// Replace rebroadcasts a tracked transaction at the same nonce with bumped
// fees.
func (s *Service) Replace(ctx context.Context, chain string, hash common.Hash) (common.Hash, error) {
	ctx, span := s.tracer.Start(ctx, "executor.Replace",
		trace.WithAttributes(
			attribute.String("chain", chain),
			attribute.String("tx", hash.Hex())))
	defer span.End()

	if halted, _ := s.tracker.Halted(chain); halted {
		return common.Hash{}, apperror.New(apperror.CodeChainHalted, apperror.WithChain(chain))
	}
	pending, ok := s.registry.Get(ctx, chain, hash)
	if !ok {
		return common.Hash{}, apperror.New(apperror.CodeNotFound,
			apperror.WithChain(chain), apperror.WithTxHash(hash.Hex()),
			apperror.WithContext("transaction is not tracked as in-flight"))
	}

	client, err := s.pool.ClientFor(chain)
	if err != nil {
		return common.Hash{}, err
	}
	desc := client.Descriptor()

	// Bump from the current market, not just the original price, so a
	// replacement after a fee spike is competitive immediately. A failed
	// market read falls back to bumping the original fees.
	var curTip, curFeeCap *big.Int
	if rec, err := s.estimator.Fees(ctx, chain); err == nil {
		curTip, curFeeCap = rec.GasTipCap, rec.GasFeeCap
	} else {
		s.logger.Warn(ctx, "fee market read failed, bumping from original fees",
			"chain", chain, "error", err.Error())
	}

	newTip, newFeeCap, capped := noncedomain.ReplacementFees(
		pending.GasTipCap, pending.GasFeeCap, curTip, curFeeCap, desc.MaxFeeWei, s.cfg.FeeBumpPct)
	if !meetsReplacementMinimum(pending.GasTipCap, pending.GasFeeCap, newTip, newFeeCap) {
		// The ceiling leaves no room for the +10% nodes require; a
		// broadcast would only bounce as an underpriced replacement.
		return common.Hash{}, apperror.New(apperror.CodeFeeCeilingExceeded,
			apperror.WithChain(chain), apperror.WithTxHash(hash.Hex()))
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   desc.ChainIDBig(),
		Nonce:     pending.Nonce,
		GasTipCap: newTip,
		GasFeeCap: newFeeCap,
		Gas:       pending.GasLimit,
		To:        &pending.To,
		Value:     pending.Value,
		Data:      pending.Data,
	})
	signed, err := s.signer.SignTx(ctx, desc.ChainIDBig(), tx)
	if err != nil {
		return common.Hash{}, apperror.New(apperror.CodeSignerFailure,
			apperror.WithCause(err), apperror.WithChain(chain))
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return common.Hash{}, apperror.New(apperror.CodeBroadcastFailed,
			apperror.WithCause(err), apperror.WithChain(chain))
	}
	newHash, err := client.SendRawTransaction(ctx, raw)
	if err != nil {
		return common.Hash{}, apperror.New(apperror.CodeBroadcastFailed,
			apperror.WithCause(err), apperror.WithChain(chain),
			apperror.WithTxHash(hash.Hex()),
			apperror.WithContext("replacement broadcast"))
	}

	replacement := *pending
	replacement.Hash = newHash
	replacement.GasTipCap = newTip
	replacement.GasFeeCap = newFeeCap
	replacement.LastBumpAt = time.Now()
	replacement.BumpCount = pending.BumpCount + 1
	if err := s.registry.Replace(ctx, chain, hash, &replacement); err != nil {
		s.logger.Warn(ctx, "pending registry rejected replacement",
			"chain", chain, "tx", newHash.Hex(), "error", err.Error())
	}
	if err := s.tracker.Watch(ctx, chain, newHash); err != nil {
		return common.Hash{}, err
	}

	s.metrics.replacements.Add(ctx, 1, metric.WithAttributes(
		attribute.String("chain", chain),
		attribute.Bool("fee_capped", capped)))
	s.Publish(Event{Kind: EventReplaced, Chain: chain, TxHash: newHash,
		Detail: "replaces " + hash.Hex()})
	s.logger.Warn(ctx, "stuck transaction replaced",
		"chain", chain, "old_tx", hash.Hex(), "new_tx", newHash.Hex(),
		"nonce", pending.Nonce, "bump_count", replacement.BumpCount, "fee_capped", capped)
	return newHash, nil
}

// Run drives the stuck transaction replacement loop.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.replaceStuck(ctx)
		}
	}
}

func (s *Service) replaceStuck(ctx context.Context) {
	for _, pending := range s.registry.Stuck(ctx, s.cfg.StuckTimeout) {
		if halted, _ := s.tracker.Halted(pending.Chain); halted {
			continue
		}
		if _, err := s.Replace(ctx, pending.Chain, pending.Hash); err != nil {
			s.logger.Warn(ctx, "stuck transaction replacement failed",
				"chain", pending.Chain, "tx", pending.Hash.Hex(), "error", err.Error())
		}
	}
}

// meetsReplacementMinimum reports whether the bumped fees raise both
// components by the 10 percent nodes require over the attempt being
// replaced. A ceiling-clamped bump can land above the old cap but below
// that line.
func meetsReplacementMinimum(oldTip, oldFeeCap, newTip, newFeeCap *big.Int) bool {
	minTip := new(big.Int).Mul(oldTip, big.NewInt(110))
	minTip.Div(minTip, big.NewInt(100))
	minCap := new(big.Int).Mul(oldFeeCap, big.NewInt(110))
	minCap.Div(minCap, big.NewInt(100))
	return newTip.Cmp(minTip) >= 0 && newFeeCap.Cmp(minCap) >= 0
}

// currentAttempt looks up the in-flight attempt occupying nonce, if it is a
// different broadcast than prev.
func (s *Service) currentAttempt(ctx context.Context, chain string, from common.Address, nonce uint64, prev common.Hash) (common.Hash, bool) {
	for _, p := range s.registry.PendingFor(ctx, chain, from) {
		if p.Nonce == nonce && p.Hash != prev {
			return p.Hash, true
		}
	}
	return common.Hash{}, false
}

func (s *Service) releaseQuietly(ctx context.Context, chain string, from common.Address, nonce uint64) {
	if err := s.allocator.Release(ctx, chain, from, nonce); err != nil {
		s.logger.Warn(ctx, "nonce release failed",
			"chain", chain, "nonce", nonce, "error", err.Error())
	}
}

func buildCall(instr *domain.PaymentInstruction) (to common.Address, value *big.Int, data []byte, err error) {
	if instr.Native() {
		return instr.To, instr.Amount, instr.Data, nil
	}
	data, err = domain.ERC20TransferData(instr.To, instr.Amount)
	if err != nil {
		return common.Address{}, nil, nil, apperror.New(apperror.CodeUnsupportedToken,
			apperror.WithCause(err), apperror.WithChain(instr.Chain))
	}
	return *instr.TokenAddress, big.NewInt(0), data, nil
}
