package stores

import (
	"time"

	"github.com/oarkflow/date"
)

// parseFlexibleTime copes with the varied timestamp renderings SQL
// drivers hand back for DATETIME columns.
func parseFlexibleTime(s string) (time.Time, error) {
	return date.Parse(s)
}
