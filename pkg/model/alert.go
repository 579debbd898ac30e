package model

// Severity is the two-tier alert level derived from how far a metric exceeds its threshold.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Snapshot is the metric source's view of the current billing period.
type Snapshot struct {
	TotalValue     float64            `json:"total_value" yaml:"total_value"`
	Breakdown      map[string]float64 `json:"breakdown" yaml:"breakdown"`
	Period         string             `json:"period" yaml:"period"`
	ProjectedValue float64            `json:"projected_value" yaml:"projected_value"`
}

// Contributor is one ranked line item of a snapshot breakdown.
type Contributor struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Share float64 `json:"share"` // fraction of the snapshot total, 0..1
}

// AlertContext is the decision payload handed to the dispatcher.
// It is passed by value and never mutated once built.
type AlertContext struct {
	Threshold      float64       `json:"threshold"`
	TotalValue     float64       `json:"total_value"`
	ExceedAmount   float64       `json:"exceed_amount"`
	ProjectedValue float64       `json:"projected_value,omitempty"`
	Period         string        `json:"period,omitempty"`
	Severity       Severity      `json:"severity"`
	Contributors   []Contributor `json:"contributors"`
	Insight        string        `json:"insight,omitempty"`
}

// ExceedRatio returns ExceedAmount as a fraction of Threshold.
func (a AlertContext) ExceedRatio() float64 {
	if a.Threshold <= 0 {
		return 0
	}
	return a.ExceedAmount / a.Threshold
}

// WithInsight returns a copy carrying the given enrichment text.
func (a AlertContext) WithInsight(insight string) AlertContext {
	a.Contributors = append([]Contributor(nil), a.Contributors...)
	a.Insight = insight
	return a
}
