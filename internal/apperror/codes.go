package apperror

// Code represents a unique error code for the application
type Code string

// General error codes
const (
	CodeRequiredField      Code = "REQUIRED_FIELD"
	CodeInvalidInput       Code = "INVALID_INPUT"
	CodeInvalidState       Code = "INVALID_STATE"
	CodeNotFound           Code = "NOT_FOUND"
	CodeConfigurationError Code = "CONFIGURATION_ERROR"
	CodeServiceTimeout     Code = "SERVICE_TIMEOUT"
	CodeRateLimitExceeded  Code = "RATE_LIMIT_EXCEEDED"
	CodeInternalError      Code = "INTERNAL_ERROR"
	CodeUnknownError       Code = "UNKNOWN_ERROR"
)

// RPC transport error codes
const (
	CodeEndpointUnavailable Code = "ENDPOINT_UNAVAILABLE"
	CodeAllEndpointsFailed  Code = "ALL_ENDPOINTS_FAILED"
	CodeChainIDMismatch     Code = "CHAIN_ID_MISMATCH"
	CodeChainNotConfigured  Code = "CHAIN_NOT_CONFIGURED"
	CodeRPCError            Code = "RPC_ERROR"
	CodeCircuitOpen         Code = "CIRCUIT_OPEN"
)

// Nonce allocation error codes
const (
	CodeNonceConflict     Code = "NONCE_CONFLICT"
	CodeNonceSyncFailed   Code = "NONCE_SYNC_FAILED"
	CodeNonceStoreFailure Code = "NONCE_STORE_FAILURE"
	CodeStuckTransaction  Code = "STUCK_TRANSACTION"
)

// Confirmation and reorg error codes
const (
	CodeConfirmationTimeout Code = "CONFIRMATION_TIMEOUT"
	CodeTransactionDropped  Code = "TRANSACTION_DROPPED"
	CodeReorgDetected       Code = "REORG_DETECTED"
	CodeCriticalReorg       Code = "CRITICAL_REORG"
	CodeChainHalted         Code = "CHAIN_HALTED"
)

// Gas estimation and simulation error codes
const (
	CodeGasEstimationFailed Code = "GAS_ESTIMATION_FAILED"
	CodeSimulationReverted  Code = "SIMULATION_REVERTED"
	CodeSimulationFailed    Code = "SIMULATION_FAILED"
	CodeInsufficientFunds   Code = "INSUFFICIENT_FUNDS"
	CodeFeeCeilingExceeded  Code = "FEE_CEILING_EXCEEDED"
)

// Execution error codes
const (
	CodeExecutionReverted Code = "EXECUTION_REVERTED"
	CodeBroadcastFailed   Code = "BROADCAST_FAILED"
	CodeSignerFailure     Code = "SIGNER_FAILURE"
	CodeUnsupportedToken  Code = "UNSUPPORTED_TOKEN"
)
