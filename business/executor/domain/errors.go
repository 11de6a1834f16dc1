package domain

import "errors"

var (
	errEmptyChain        = errors.New("payment instruction has no chain")
	errZeroRecipient     = errors.New("payment instruction has a zero recipient")
	errNonPositiveAmount = errors.New("payment amount must be positive")
)
