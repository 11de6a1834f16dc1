package apperror

// messages maps error codes to human-readable messages
var messages = map[Code]string{
	CodeRequiredField:      "Required field is missing",
	CodeInvalidInput:       "Invalid input provided",
	CodeInvalidState:       "Invalid state for this operation",
	CodeNotFound:           "Resource not found",
	CodeConfigurationError: "Configuration error",
	CodeServiceTimeout:     "Service request timeout",
	CodeRateLimitExceeded:  "Rate limit exceeded",
	CodeInternalError:      "Internal error",
	CodeUnknownError:       "An unknown error occurred",

	CodeEndpointUnavailable: "RPC endpoint unavailable",
	CodeAllEndpointsFailed:  "All RPC endpoints failed",
	CodeChainIDMismatch:     "Endpoint chain id does not match configured chain",
	CodeChainNotConfigured:  "Chain is not configured",
	CodeRPCError:            "RPC call failed",
	CodeCircuitOpen:         "Circuit breaker is open",

	CodeNonceConflict:     "Nonce already owned by a live transaction",
	CodeNonceSyncFailed:   "Failed to sync nonce from chain",
	CodeNonceStoreFailure: "Nonce coordination store failure",
	CodeStuckTransaction:  "Transaction stuck without inclusion",

	CodeConfirmationTimeout: "Timed out waiting for confirmation",
	CodeTransactionDropped:  "Transaction dropped from chain and mempool",
	CodeReorgDetected:       "Chain reorganization detected",
	CodeCriticalReorg:       "Critical chain reorganization detected",
	CodeChainHalted:         "Chain submissions halted after critical reorg",

	CodeGasEstimationFailed: "Gas estimation failed",
	CodeSimulationReverted:  "Simulation reverted",
	CodeSimulationFailed:    "Simulation failed",
	CodeInsufficientFunds:   "Insufficient funds for transfer and fees",
	CodeFeeCeilingExceeded:  "Computed fee exceeds configured ceiling",

	CodeExecutionReverted: "Transaction executed on-chain but reverted",
	CodeBroadcastFailed:   "Failed to broadcast transaction",
	CodeSignerFailure:     "Signing capability failure",
	CodeUnsupportedToken:  "Token not supported on this chain",
}
