// Package di contains dependency injection tokens for the tracker context.
package di

import (
	"github.com/stablepay/chainexec/business/tracker/app"
	"github.com/stablepay/chainexec/internal/di"
)

// Public service tokens - exposed to other modules
var (
	Tracker = di.NewToken[app.Tracker]("tracker.Tracker")
)

// GetTracker resolves the confirmation tracker.
func GetTracker(c di.ServiceRegistry) app.Tracker {
	return di.GetToken(c, Tracker)
}
