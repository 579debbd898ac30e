package channels

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ogulcanaydogan/costalert/pkg/model"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
)

// MaxPushPayloadBytes is the largest serialized push payload platforms accept.
const MaxPushPayloadBytes = 4096

// MaxSMSLength is the longest SMS body sent, in characters.
const MaxSMSLength = 160

// Title returns the one-line headline for an alert.
func Title(alert model.AlertContext) string {
	return fmt.Sprintf("[%s] Cost alert: %.2f over threshold", alert.Severity, alert.ExceedAmount)
}

// Summary returns a short sentence describing the breach.
func Summary(alert model.AlertContext) string {
	s := fmt.Sprintf("Spend %.2f exceeds threshold %.2f by %.2f (%.0f%%).",
		alert.TotalValue, alert.Threshold, alert.ExceedAmount, alert.ExceedRatio()*100)
	if len(alert.Contributors) > 0 {
		top := alert.Contributors[0]
		s += fmt.Sprintf(" Top contributor: %s %.2f.", top.Name, top.Value)
	}
	return s
}

type pushPayload struct {
	Title        string              `json:"title"`
	Body         string              `json:"body"`
	Severity     model.Severity      `json:"severity"`
	Threshold    float64             `json:"threshold"`
	Total        float64             `json:"total"`
	Exceed       float64             `json:"exceed"`
	Period       string              `json:"period,omitempty"`
	Contributors []model.Contributor `json:"contributors,omitempty"`
	Insight      string              `json:"insight,omitempty"`
}

// PushPayload serializes the alert for a push platform. A payload above
// MaxPushPayloadBytes is a channel-specific PayloadTooLarge error.
func PushPayload(alert model.AlertContext) ([]byte, error) {
	data, err := json.Marshal(pushPayload{
		Title:        Title(alert),
		Body:         Summary(alert),
		Severity:     alert.Severity,
		Threshold:    alert.Threshold,
		Total:        alert.TotalValue,
		Exceed:       alert.ExceedAmount,
		Period:       alert.Period,
		Contributors: alert.Contributors,
		Insight:      alert.Insight,
	})
	if err != nil {
		return nil, resilience.Validation("push.payload", resilience.CodeValidation, err)
	}
	if len(data) > MaxPushPayloadBytes {
		return nil, resilience.ChannelSpecific("push.payload", resilience.CodePayloadTooLarge,
			fmt.Errorf("payload is %d bytes, limit %d", len(data), MaxPushPayloadBytes))
	}
	return data, nil
}

// EmailBody renders the plain-text email body.
func EmailBody(alert model.AlertContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Severity:  %s\n", alert.Severity)
	if alert.Period != "" {
		fmt.Fprintf(&b, "Period:    %s\n", alert.Period)
	}
	fmt.Fprintf(&b, "Total:     %.2f\n", alert.TotalValue)
	fmt.Fprintf(&b, "Threshold: %.2f\n", alert.Threshold)
	fmt.Fprintf(&b, "Exceeded:  %.2f (%.0f%%)\n", alert.ExceedAmount, alert.ExceedRatio()*100)
	if alert.ProjectedValue > 0 {
		fmt.Fprintf(&b, "Projected: %.2f\n", alert.ProjectedValue)
	}

	if len(alert.Contributors) > 0 {
		b.WriteString("\nTop contributors:\n")
		for i, c := range alert.Contributors {
			fmt.Fprintf(&b, "  %d. %-24s %10.2f  %5.1f%%\n", i+1, c.Name, c.Value, c.Share*100)
		}
	}

	if alert.Insight != "" {
		b.WriteString("\nAnalysis:\n")
		b.WriteString(alert.Insight)
		b.WriteString("\n")
	}
	return b.String()
}

// SMSText renders the alert in at most MaxSMSLength characters.
func SMSText(alert model.AlertContext) string {
	s := fmt.Sprintf("%s cost alert: %.2f vs threshold %.2f (+%.2f).",
		alert.Severity, alert.TotalValue, alert.Threshold, alert.ExceedAmount)
	if len(alert.Contributors) > 0 {
		s += fmt.Sprintf(" Top: %s %.2f.", alert.Contributors[0].Name, alert.Contributors[0].Value)
	}
	return Truncate(s, MaxSMSLength)
}

// Truncate shortens s to at most n characters, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if n <= 3 {
		return string([]rune(s)[:n])
	}
	return string([]rune(s)[:n-3]) + "..."
}
