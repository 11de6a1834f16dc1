// Package di contains dependency injection tokens for the nonce context.
package di

import (
	"github.com/stablepay/chainexec/business/nonce/app"
	"github.com/stablepay/chainexec/internal/di"
)

// Public service tokens - exposed to other modules
var (
	Allocator = di.NewToken[app.Allocator]("nonce.Allocator")
	Registry  = di.NewToken[app.Registry]("nonce.Registry")
)

// GetAllocator resolves the nonce allocator.
func GetAllocator(c di.ServiceRegistry) app.Allocator {
	return di.GetToken(c, Allocator)
}

// GetRegistry resolves the in-flight transaction registry.
func GetRegistry(c di.ServiceRegistry) app.Registry {
	return di.GetToken(c, Registry)
}
