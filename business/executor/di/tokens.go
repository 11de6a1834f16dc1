// Package di contains dependency injection tokens for the executor context.
package di

import (
	"github.com/stablepay/chainexec/business/executor/app"
	"github.com/stablepay/chainexec/internal/di"
)

// Public service tokens - exposed to other modules
var (
	Executor = di.NewToken[app.Executor]("executor.Executor")
	Signer   = di.NewToken[app.Signer]("executor.Signer")
)

// GetExecutor resolves the dispatch pipeline.
func GetExecutor(c di.ServiceRegistry) app.Executor {
	return di.GetToken(c, Executor)
}

// GetSigner resolves the configured signing capability.
func GetSigner(c di.ServiceRegistry) app.Signer {
	return di.GetToken(c, Signer)
}
