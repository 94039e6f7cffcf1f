// Package database provides database helper functions
package database

import (
	"time"

	"github.com/AtRiskMedia/visitorid-go/internal/infrastructure/observability/logging"
)

// SlowQueryThreshold flags persistence operations worth a warning.
const SlowQueryThreshold = 100 * time.Millisecond

// CheckAndLogSlowQuery logs a warning when a query duration exceeds the
// threshold.
func CheckAndLogSlowQuery(logger *logging.ChanneledLogger, query string, duration time.Duration) {
	if logger == nil {
		return
	}
	if duration > SlowQueryThreshold {
		logger.Database().Warn("Slow query detected", "query", query, "duration", duration)
	}
}
