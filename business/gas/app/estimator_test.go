package app

import (
	"context"
	"errors"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	rpcapp "github.com/stablepay/chainexec/business/rpc/app"
	rpcdomain "github.com/stablepay/chainexec/business/rpc/domain"
	"github.com/stablepay/chainexec/internal/apperror"
	"github.com/stablepay/chainexec/internal/config"
	"github.com/stablepay/chainexec/internal/logger"
)

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

// fakeGasClient answers the estimator's chain reads from fixed values. The
// embedded interface panics on anything else.
type fakeGasClient struct {
	rpcapp.ChainClient

	desc        *rpcdomain.Descriptor
	gasLimit    uint64
	gasErr      error
	baseFee     *big.Int
	gasPrice    *big.Int
	tip         *big.Int
	callData    []byte
	callErr     error
	headerReads int
}

func (f *fakeGasClient) Descriptor() *rpcdomain.Descriptor { return f.desc }

func (f *fakeGasClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return f.gasLimit, f.gasErr
}

func (f *fakeGasClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.headerReads++
	return &types.Header{BaseFee: f.baseFee}, nil
}

func (f *fakeGasClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeGasClient) SuggestPriorityFee(ctx context.Context) (*big.Int, error) {
	return f.tip, nil
}

func (f *fakeGasClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return f.callData, f.callErr
}

type fakeGasPool struct {
	client *fakeGasClient
}

func (p *fakeGasPool) ClientFor(chain string) (rpcapp.ChainClient, error) { return p.client, nil }

func (p *fakeGasPool) Chains() []string { return []string{"testchain"} }

func (p *fakeGasPool) SetFailoverListener(fn rpcapp.FailoverListener) {}

func defaultGasConfig() config.GasConfig {
	return config.GasConfig{
		LimitBufferPct:     20,
		BaseFeeMultiplier:  2.0,
		MinPriorityFeeGwei: 0.1,
	}
}

func newTestEstimator(client *fakeGasClient) *Service {
	log := logger.New(io.Discard, logger.LevelError, "test", nil)
	return NewService(&fakeGasPool{client: client}, defaultGasConfig(), log)
}

func testCall() ethereum.CallMsg {
	to := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	return ethereum.CallMsg{To: &to, Value: big.NewInt(1)}
}

func TestEstimateBuffersLimitAndComputesFees(t *testing.T) {
	client := &fakeGasClient{
		desc:     &rpcdomain.Descriptor{Name: "testchain", BlockInterval: time.Second},
		gasLimit: 100_000,
		baseFee:  gwei(10),
		tip:      gwei(2),
	}
	s := newTestEstimator(client)

	est, err := s.Estimate(context.Background(), "testchain", testCall())
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if est.GasLimit != 120_000 {
		t.Errorf("gas limit = %d, want 120000", est.GasLimit)
	}
	// feeCap = baseFee*2 + tip.
	if want := gwei(22); est.GasFeeCap.Cmp(want) != 0 {
		t.Errorf("fee cap = %s, want %s", est.GasFeeCap, want)
	}
	if est.GasTipCap.Cmp(gwei(2)) != 0 {
		t.Errorf("tip = %s, want %s", est.GasTipCap, gwei(2))
	}
	if est.Capped {
		t.Error("estimate must not report capped without a ceiling")
	}

	// The fee quote is cached for one block interval.
	if _, err := s.Estimate(context.Background(), "testchain", testCall()); err != nil {
		t.Fatalf("second Estimate: %v", err)
	}
	if client.headerReads != 1 {
		t.Errorf("header reads = %d, want 1", client.headerReads)
	}
}

func TestFeesSkipsGasLimitEstimation(t *testing.T) {
	client := &fakeGasClient{
		desc:    &rpcdomain.Descriptor{Name: "testchain", BlockInterval: time.Second},
		gasErr:  errors.New("estimate must not be called"),
		baseFee: gwei(10),
		tip:     gwei(2),
	}
	s := newTestEstimator(client)

	rec, err := s.Fees(context.Background(), "testchain")
	if err != nil {
		t.Fatalf("Fees: %v", err)
	}
	if want := gwei(22); rec.GasFeeCap.Cmp(want) != 0 {
		t.Errorf("fee cap = %s, want %s", rec.GasFeeCap, want)
	}
	if rec.GasTipCap.Cmp(gwei(2)) != 0 {
		t.Errorf("tip = %s, want %s", rec.GasTipCap, gwei(2))
	}
	if rec.Capped {
		t.Error("recommendation must not report capped without a ceiling")
	}
}

func TestEstimateClampsToChainCeiling(t *testing.T) {
	client := &fakeGasClient{
		desc: &rpcdomain.Descriptor{
			Name:          "testchain",
			BlockInterval: time.Second,
			MaxFeeWei:     gwei(5),
		},
		gasLimit: 21_000,
		baseFee:  gwei(10),
		tip:      gwei(2),
	}
	s := newTestEstimator(client)

	est, err := s.Estimate(context.Background(), "testchain", testCall())
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if est.GasFeeCap.Cmp(gwei(5)) != 0 {
		t.Errorf("fee cap = %s, want ceiling %s", est.GasFeeCap, gwei(5))
	}
	if !est.Capped {
		t.Error("clamped estimate must be flagged capped")
	}
	if est.GasTipCap.Cmp(est.GasFeeCap) > 0 {
		t.Error("tip must not exceed the clamped fee cap")
	}
}

func TestEstimateEnforcesTipFloor(t *testing.T) {
	client := &fakeGasClient{
		desc:     &rpcdomain.Descriptor{Name: "testchain", BlockInterval: time.Second},
		gasLimit: 21_000,
		baseFee:  gwei(10),
		tip:      big.NewInt(0),
	}
	s := newTestEstimator(client)

	est, err := s.Estimate(context.Background(), "testchain", testCall())
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	// 0.1 gwei floor.
	if want := big.NewInt(100_000_000); est.GasTipCap.Cmp(want) != 0 {
		t.Errorf("tip = %s, want floor %s", est.GasTipCap, want)
	}
}

func TestEstimateLegacyChainFallsBackToGasPrice(t *testing.T) {
	client := &fakeGasClient{
		desc:     &rpcdomain.Descriptor{Name: "testchain", BlockInterval: time.Second},
		gasLimit: 21_000,
		baseFee:  nil,
		gasPrice: gwei(7),
		tip:      gwei(1),
	}
	s := newTestEstimator(client)

	est, err := s.Estimate(context.Background(), "testchain", testCall())
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if est.BaseFee.Cmp(gwei(7)) != 0 {
		t.Errorf("base fee = %s, want legacy gas price %s", est.BaseFee, gwei(7))
	}
}

func TestEstimateClassifiesEstimationErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want apperror.Code
	}{
		{"insufficient funds", errors.New("insufficient funds for gas * price + value"), apperror.CodeInsufficientFunds},
		{"node failure", errors.New("connection refused"), apperror.CodeGasEstimationFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := &fakeGasClient{
				desc:   &rpcdomain.Descriptor{Name: "testchain", BlockInterval: time.Second},
				gasErr: tc.err,
			}
			s := newTestEstimator(client)
			_, err := s.Estimate(context.Background(), "testchain", testCall())
			if !apperror.HasCode(err, tc.want) {
				t.Fatalf("error = %v, want code %s", err, tc.want)
			}
		})
	}
}
