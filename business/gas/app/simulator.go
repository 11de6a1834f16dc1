package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stablepay/chainexec/business/gas/domain"
	"github.com/stablepay/chainexec/internal/apperror"
)

// Solidity builtin error selectors.
var (
	errorSelector = []byte{0x08, 0xc3, 0x79, 0xa0} // Error(string)
	panicSelector = []byte{0x4e, 0x48, 0x7b, 0x71} // Panic(uint256)
)

// Simulate executes the call against the latest state without broadcasting.
func (s *Service) Simulate(ctx context.Context, chain string, call ethereum.CallMsg) (*domain.SimulationResult, error) {
	ctx, span := s.tracer.Start(ctx, "gas.Simulate",
		trace.WithAttributes(attribute.String("chain", chain)))
	defer span.End()

	client, err := s.pool.ClientFor(chain)
	if err != nil {
		return nil, err
	}

	data, err := client.CallContract(ctx, call, nil)
	if err == nil {
		s.recordSimulation(ctx, chain, "ok")
		return &domain.SimulationResult{OK: true, ReturnData: data}, nil
	}

	if errors.Is(err, context.DeadlineExceeded) || apperror.HasCode(err, apperror.CodeServiceTimeout) {
		s.recordSimulation(ctx, chain, "timeout")
		return nil, apperror.New(apperror.CodeSimulationFailed,
			apperror.WithCause(err), apperror.WithChain(chain),
			apperror.WithContext("simulation timed out"))
	}
	if apperror.HasCode(err, apperror.CodeAllEndpointsFailed) {
		s.recordSimulation(ctx, chain, "unavailable")
		return nil, err
	}

	// The node executed the call and it failed deterministically.
	result := &domain.SimulationResult{Class: classifyExecutionError(err)}
	if revertData, ok := executionRevertData(err); ok {
		result.Class = domain.FailureRevert
		result.ReturnData = revertData
		result.RevertReason = decodeRevertReason(revertData)
	} else if result.Class == domain.FailureRevert || result.Class == domain.FailureUnknown {
		// Reverted with no data, or an error string we do not recognize.
		result.RevertReason = err.Error()
	}
	s.recordSimulation(ctx, chain, string(result.Class))
	return result, nil
}

func (s *Service) recordSimulation(ctx context.Context, chain, outcome string) {
	s.metrics.simulations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("chain", chain),
		attribute.String("outcome", outcome)))
}

// executionRevertData extracts the raw revert payload carried in the
// JSON-RPC error's data field, when present.
func executionRevertData(err error) ([]byte, bool) {
	var dataErr gethrpc.DataError
	if !errors.As(err, &dataErr) {
		return nil, false
	}
	hexData, ok := dataErr.ErrorData().(string)
	if !ok {
		return nil, false
	}
	raw, decErr := hexutil.Decode(hexData)
	if decErr != nil || len(raw) == 0 {
		return nil, false
	}
	return raw, true
}

// decodeRevertReason renders the Solidity revert payload as text.
func decodeRevertReason(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	switch {
	case bytes.Equal(data[:4], errorSelector):
		reason, err := abi.UnpackRevert(data)
		if err != nil {
			return ""
		}
		return reason
	case bytes.Equal(data[:4], panicSelector):
		if len(data) < 36 {
			return "panic"
		}
		code := new(big.Int).SetBytes(data[4:36])
		return fmt.Sprintf("panic: %s", panicReason(code.Uint64()))
	default:
		return ""
	}
}

// panicReason maps Solidity panic codes to text.
func panicReason(code uint64) string {
	switch code {
	case 0x01:
		return "assertion failed (0x01)"
	case 0x11:
		return "arithmetic overflow or underflow (0x11)"
	case 0x12:
		return "division by zero (0x12)"
	case 0x21:
		return "invalid enum value (0x21)"
	case 0x31:
		return "pop on empty array (0x31)"
	case 0x32:
		return "array index out of bounds (0x32)"
	case 0x41:
		return "out of memory (0x41)"
	case 0x51:
		return "call to uninitialized function (0x51)"
	default:
		return fmt.Sprintf("code 0x%02x", code)
	}
}

// classifyExecutionError buckets a node execution error by its message.
// Node implementations word these differently, so matching is loose.
func classifyExecutionError(err error) domain.FailureClass {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"), strings.Contains(msg, "insufficient balance"):
		return domain.FailureInsufficientFunds
	case strings.Contains(msg, "nonce too low"), strings.Contains(msg, "nonce too high"),
		strings.Contains(msg, "invalid nonce"):
		return domain.FailureInvalidNonce
	case strings.Contains(msg, "out of gas"), strings.Contains(msg, "gas required exceeds"),
		strings.Contains(msg, "intrinsic gas too low"):
		return domain.FailureOutOfGas
	case strings.Contains(msg, "execution reverted"), strings.Contains(msg, "revert"):
		return domain.FailureRevert
	default:
		return domain.FailureUnknown
	}
}
