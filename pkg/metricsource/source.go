// Package metricsource reads the current cost snapshot and turns a threshold breach
// into an alert.
package metricsource

import (
	"context"
	"fmt"
	"math"

	"github.com/ogulcanaydogan/costalert/pkg/model"
)

// Source returns the current billing-period snapshot. Errors should classify through
// resilience.Classify so callers can retry transient failures.
type Source interface {
	GetCurrentSnapshot(ctx context.Context) (*model.Snapshot, error)
}

func validate(s *model.Snapshot) error {
	if math.IsNaN(s.TotalValue) || math.IsInf(s.TotalValue, 0) || s.TotalValue < 0 {
		return fmt.Errorf("invalid total value %v", s.TotalValue)
	}
	for name, v := range s.Breakdown {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("invalid breakdown value for %q", name)
		}
	}
	return nil
}
