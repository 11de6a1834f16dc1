package app

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stablepay/chainexec/business/gas/domain"
	rpcapp "github.com/stablepay/chainexec/business/rpc/app"
	"github.com/stablepay/chainexec/internal/apperror"
	"github.com/stablepay/chainexec/internal/cache"
	"github.com/stablepay/chainexec/internal/config"
	"github.com/stablepay/chainexec/internal/logger"
)

const (
	tracerName = "github.com/stablepay/chainexec/business/gas/app"
	meterName  = "github.com/stablepay/chainexec/business/gas/app"
)

var gweiPerWei = decimal.New(1, 9)

// feeQuote is the cached per-chain fee market snapshot.
type feeQuote struct {
	baseFee *big.Int
	tip     *big.Int
}

type serviceMetrics struct {
	estimations metric.Int64Counter
	feeCapGwei  metric.Float64Histogram
	simulations metric.Int64Counter
}

// Service implements Estimator against the failover chain clients. Fee
// market reads are cached for one block interval per chain.
type Service struct {
	pool   rpcapp.Pool
	cfg    config.GasConfig
	logger logger.LoggerInterface

	quotes *cache.Cache[string, feeQuote]

	tracer  trace.Tracer
	metrics *serviceMetrics
}

var _ Estimator = (*Service)(nil)

// NewService creates the gas estimation service.
func NewService(pool rpcapp.Pool, cfg config.GasConfig, log logger.LoggerInterface) *Service {
	s := &Service{
		pool:   pool,
		cfg:    cfg,
		logger: log,
		quotes: cache.New[string, feeQuote](time.Minute),
		tracer: otel.Tracer(tracerName),
	}
	s.initMetrics()
	return s
}

func (s *Service) initMetrics() {
	meter := otel.Meter(meterName)
	m := &serviceMetrics{}
	m.estimations, _ = meter.Int64Counter("gas_estimations_total",
		metric.WithDescription("Total gas estimations performed"))
	m.feeCapGwei, _ = meter.Float64Histogram("gas_fee_cap_gwei",
		metric.WithDescription("Recommended max fee per gas in gwei"))
	m.simulations, _ = meter.Int64Counter("gas_simulations_total",
		metric.WithDescription("Total pre-flight simulations by outcome"))
	s.metrics = m
}

// Estimate returns a buffered gas limit and an EIP-1559 fee recommendation.
func (s *Service) Estimate(ctx context.Context, chain string, call ethereum.CallMsg) (*domain.GasEstimation, error) {
	ctx, span := s.tracer.Start(ctx, "gas.Estimate",
		trace.WithAttributes(attribute.String("chain", chain)))
	defer span.End()

	client, err := s.pool.ClientFor(chain)
	if err != nil {
		return nil, err
	}

	limit, err := client.EstimateGas(ctx, call)
	if err != nil {
		if class := classifyExecutionError(err); class == domain.FailureInsufficientFunds {
			return nil, apperror.New(apperror.CodeInsufficientFunds,
				apperror.WithCause(err), apperror.WithChain(chain))
		}
		return nil, apperror.New(apperror.CodeGasEstimationFailed,
			apperror.WithCause(err), apperror.WithChain(chain))
	}
	limit = limit * uint64(100+s.cfg.LimitBufferPct) / 100

	rec, err := s.recommendFees(ctx, chain, client)
	if err != nil {
		return nil, err
	}

	est := &domain.GasEstimation{
		GasLimit:    limit,
		BaseFee:     rec.BaseFee,
		GasTipCap:   rec.GasTipCap,
		GasFeeCap:   rec.GasFeeCap,
		Capped:      rec.Capped,
		EstimatedAt: time.Now(),
	}

	attrs := metric.WithAttributes(attribute.String("chain", chain))
	s.metrics.estimations.Add(ctx, 1, attrs)
	gwei, _ := decimal.NewFromBigInt(rec.GasFeeCap, 0).Div(gweiPerWei).Float64()
	s.metrics.feeCapGwei.Record(ctx, gwei, attrs)
	return est, nil
}

// Fees returns the current fee market recommendation without estimating a
// gas limit.
func (s *Service) Fees(ctx context.Context, chain string) (*domain.FeeRecommendation, error) {
	ctx, span := s.tracer.Start(ctx, "gas.Fees",
		trace.WithAttributes(attribute.String("chain", chain)))
	defer span.End()

	client, err := s.pool.ClientFor(chain)
	if err != nil {
		return nil, err
	}
	return s.recommendFees(ctx, chain, client)
}

// recommendFees turns the cached fee quote into a tip and fee cap, applying
// the tip floor and the chain ceiling.
func (s *Service) recommendFees(ctx context.Context, chain string, client rpcapp.ChainClient) (*domain.FeeRecommendation, error) {
	desc := client.Descriptor()

	quote, err := s.feeQuote(ctx, chain, client)
	if err != nil {
		return nil, err
	}

	tip := new(big.Int).Set(quote.tip)
	minTip := gweiToWei(s.cfg.MinPriorityFeeGwei)
	if tip.Cmp(minTip) < 0 {
		tip = minTip
	}

	// feeCap = baseFee * multiplier + tip, so the transaction survives
	// several consecutive full blocks of base fee growth.
	feeCap := decimal.NewFromBigInt(quote.baseFee, 0).
		Mul(decimal.NewFromFloat(s.cfg.BaseFeeMultiplier)).
		BigInt()
	feeCap.Add(feeCap, tip)

	capped := false
	if desc.MaxFeeWei != nil && desc.MaxFeeWei.Sign() > 0 && feeCap.Cmp(desc.MaxFeeWei) > 0 {
		feeCap = new(big.Int).Set(desc.MaxFeeWei)
		capped = true
		if tip.Cmp(feeCap) > 0 {
			tip = new(big.Int).Set(feeCap)
		}
		s.logger.Warn(ctx, "fee recommendation clamped to chain ceiling",
			"chain", chain, "ceiling_wei", desc.MaxFeeWei.String())
	}

	return &domain.FeeRecommendation{
		BaseFee:   quote.baseFee,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Capped:    capped,
	}, nil
}

// feeQuote reads the current base fee and suggested tip, cached for one
// block interval.
func (s *Service) feeQuote(ctx context.Context, chain string, client rpcapp.ChainClient) (feeQuote, error) {
	if q, ok := s.quotes.Get(ctx, chain); ok {
		return q, nil
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return feeQuote{}, apperror.New(apperror.CodeGasEstimationFailed,
			apperror.WithCause(err), apperror.WithChain(chain),
			apperror.WithContext("reading latest header"))
	}

	var baseFee *big.Int
	if header.BaseFee != nil {
		baseFee = header.BaseFee
	} else {
		// Chain without EIP-1559; treat the legacy gas price as the base.
		baseFee, err = client.SuggestGasPrice(ctx)
		if err != nil {
			return feeQuote{}, apperror.New(apperror.CodeGasEstimationFailed,
				apperror.WithCause(err), apperror.WithChain(chain))
		}
	}

	tip, err := client.SuggestPriorityFee(ctx)
	if err != nil {
		return feeQuote{}, apperror.New(apperror.CodeGasEstimationFailed,
			apperror.WithCause(err), apperror.WithChain(chain))
	}

	q := feeQuote{baseFee: baseFee, tip: tip}
	s.quotes.Set(ctx, chain, q, client.Descriptor().BlockInterval)
	return q, nil
}

func gweiToWei(gwei float64) *big.Int {
	return decimal.NewFromFloat(gwei).Mul(gweiPerWei).BigInt()
}
