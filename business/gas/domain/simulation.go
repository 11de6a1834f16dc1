package domain

// FailureClass classifies why a simulated transaction cannot succeed.
type FailureClass string

const (
	FailureRevert            FailureClass = "revert"
	FailureOutOfGas          FailureClass = "out_of_gas"
	FailureInsufficientFunds FailureClass = "insufficient_funds"
	FailureInvalidNonce      FailureClass = "invalid_nonce"
	FailureTimeout           FailureClass = "timeout"
	FailureUnknown           FailureClass = "unknown"
)

// SimulationResult is the outcome of a pre-flight eth_call.
type SimulationResult struct {
	OK    bool
	Class FailureClass
	// RevertReason is the decoded Error(string) or Panic(uint256) payload,
	// empty when the contract reverted without data.
	RevertReason string
	ReturnData   []byte
}
