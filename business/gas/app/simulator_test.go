package app

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/stablepay/chainexec/business/gas/domain"
	rpcdomain "github.com/stablepay/chainexec/business/rpc/domain"
	"github.com/stablepay/chainexec/internal/apperror"
)

// revertError mimics the JSON-RPC error shape nodes return for reverted
// eth_call executions.
type revertError struct {
	msg  string
	data []byte
}

func (e *revertError) Error() string { return e.msg }

func (e *revertError) ErrorData() interface{} { return hexutil.Encode(e.data) }

// errorStringPayload ABI-encodes Error(string) the way Solidity revert does.
func errorStringPayload(reason string) []byte {
	out := []byte{0x08, 0xc3, 0x79, 0xa0}
	out = append(out, common.LeftPadBytes(big.NewInt(32).Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(big.NewInt(int64(len(reason))).Bytes(), 32)...)
	padded := make([]byte, (len(reason)+31)/32*32)
	copy(padded, reason)
	return append(out, padded...)
}

func panicPayload(code int64) []byte {
	out := []byte{0x4e, 0x48, 0x7b, 0x71}
	return append(out, common.LeftPadBytes(big.NewInt(code).Bytes(), 32)...)
}

func newTestSimulator(callData []byte, callErr error) *Service {
	client := &fakeGasClient{
		desc:     &rpcdomain.Descriptor{Name: "testchain", BlockInterval: time.Second},
		callData: callData,
		callErr:  callErr,
	}
	return newTestEstimator(client)
}

func TestSimulateSuccess(t *testing.T) {
	s := newTestSimulator([]byte{0x01}, nil)

	res, err := s.Simulate(context.Background(), "testchain", testCall())
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if !res.OK {
		t.Error("result must be OK")
	}
	if len(res.ReturnData) != 1 || res.ReturnData[0] != 0x01 {
		t.Errorf("return data = %x", res.ReturnData)
	}
}

func TestSimulateDecodesRevertReason(t *testing.T) {
	callErr := &revertError{
		msg:  "execution reverted: transfer amount exceeds balance",
		data: errorStringPayload("transfer amount exceeds balance"),
	}
	s := newTestSimulator(nil, callErr)

	res, err := s.Simulate(context.Background(), "testchain", testCall())
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if res.OK {
		t.Fatal("reverted call must not be OK")
	}
	if res.Class != domain.FailureRevert {
		t.Errorf("class = %s, want %s", res.Class, domain.FailureRevert)
	}
	if res.RevertReason != "transfer amount exceeds balance" {
		t.Errorf("reason = %q", res.RevertReason)
	}
}

func TestSimulateDecodesPanic(t *testing.T) {
	callErr := &revertError{
		msg:  "execution reverted",
		data: panicPayload(0x11),
	}
	s := newTestSimulator(nil, callErr)

	res, err := s.Simulate(context.Background(), "testchain", testCall())
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if res.RevertReason != "panic: arithmetic overflow or underflow (0x11)" {
		t.Errorf("reason = %q", res.RevertReason)
	}
}

func TestSimulateTimeoutIsAnError(t *testing.T) {
	s := newTestSimulator(nil, context.DeadlineExceeded)

	_, err := s.Simulate(context.Background(), "testchain", testCall())
	if !apperror.HasCode(err, apperror.CodeSimulationFailed) {
		t.Fatalf("error = %v, want code %s", err, apperror.CodeSimulationFailed)
	}
}

func TestSimulateNodeOutageSurfaces(t *testing.T) {
	outage := apperror.New(apperror.CodeAllEndpointsFailed, apperror.WithChain("testchain"))
	s := newTestSimulator(nil, outage)

	_, err := s.Simulate(context.Background(), "testchain", testCall())
	if !apperror.HasCode(err, apperror.CodeAllEndpointsFailed) {
		t.Fatalf("error = %v, want code %s", err, apperror.CodeAllEndpointsFailed)
	}
}

func TestClassifyExecutionError(t *testing.T) {
	cases := []struct {
		msg  string
		want domain.FailureClass
	}{
		{"insufficient funds for gas * price + value", domain.FailureInsufficientFunds},
		{"nonce too low", domain.FailureInvalidNonce},
		{"gas required exceeds allowance", domain.FailureOutOfGas},
		{"intrinsic gas too low", domain.FailureOutOfGas},
		{"execution reverted", domain.FailureRevert},
		{"something else entirely", domain.FailureUnknown},
	}
	for _, tc := range cases {
		if got := classifyExecutionError(errors.New(tc.msg)); got != tc.want {
			t.Errorf("classifyExecutionError(%q) = %s, want %s", tc.msg, got, tc.want)
		}
	}
}
