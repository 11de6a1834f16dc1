// Package di contains dependency injection tokens for the rpc context.
package di

import (
	"github.com/stablepay/chainexec/business/rpc/app"
	"github.com/stablepay/chainexec/internal/di"
)

// Public service tokens - exposed to other modules
var (
	ClientPool = di.NewToken[app.Pool]("rpc.ClientPool")
)

// GetClientPool resolves the chain client pool.
func GetClientPool(c di.ServiceRegistry) app.Pool {
	return di.GetToken(c, ClientPool)
}
