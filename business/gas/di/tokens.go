// Package di contains dependency injection tokens for the gas context.
package di

import (
	"github.com/stablepay/chainexec/business/gas/app"
	"github.com/stablepay/chainexec/internal/di"
)

// Public service tokens - exposed to other modules
var (
	Estimator = di.NewToken[app.Estimator]("gas.Estimator")
)

// GetEstimator resolves the gas estimation service.
func GetEstimator(c di.ServiceRegistry) app.Estimator {
	return di.GetToken(c, Estimator)
}
