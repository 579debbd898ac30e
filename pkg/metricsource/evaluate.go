package metricsource

import (
	"fmt"
	"sort"

	"github.com/ogulcanaydogan/costalert/pkg/model"
)

// DefaultTopN is how many contributors an alert lists when no limit is given.
const DefaultTopN = 5

// CriticalRatio is the exceed/threshold ratio above which an alert is CRITICAL.
const CriticalRatio = 0.5

// SeverityFor derives the alert tier from how far total exceeds threshold.
func SeverityFor(exceed, threshold float64) model.Severity {
	if threshold > 0 && exceed/threshold > CriticalRatio {
		return model.SeverityCritical
	}
	if threshold <= 0 && exceed > 0 {
		return model.SeverityCritical
	}
	return model.SeverityWarning
}

// Evaluate compares snap against threshold. It returns nil when the total does not
// exceed the threshold.
func Evaluate(snap *model.Snapshot, threshold float64, topN int) (*model.AlertContext, error) {
	if snap == nil {
		return nil, fmt.Errorf("nil snapshot")
	}
	if threshold < 0 {
		return nil, fmt.Errorf("threshold must not be negative, got %v", threshold)
	}
	if snap.TotalValue <= threshold {
		return nil, nil
	}
	if topN <= 0 {
		topN = DefaultTopN
	}

	exceed := snap.TotalValue - threshold
	return &model.AlertContext{
		Threshold:      threshold,
		TotalValue:     snap.TotalValue,
		ExceedAmount:   exceed,
		ProjectedValue: snap.ProjectedValue,
		Period:         snap.Period,
		Severity:       SeverityFor(exceed, threshold),
		Contributors:   Rank(snap.Breakdown, snap.TotalValue, topN),
	}, nil
}

// Rank orders the breakdown by value, largest first, ties by name, and keeps the
// first n entries. Non-positive entries are dropped.
func Rank(breakdown map[string]float64, total float64, n int) []model.Contributor {
	out := make([]model.Contributor, 0, len(breakdown))
	for name, v := range breakdown {
		if v <= 0 {
			continue
		}
		c := model.Contributor{Name: name, Value: v}
		if total > 0 {
			c.Share = v / total
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value > out[j].Value
		}
		return out[i].Name < out[j].Name
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
