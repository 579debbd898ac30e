package enrich

import (
	"fmt"
	"strings"

	"github.com/ogulcanaydogan/costalert/pkg/model"
)

const systemPrompt = `You are a cloud cost analyst. Given a spend alert, explain in at most three short sentences what most likely drove the overrun and one concrete action to take. Do not repeat the raw numbers verbatim.`

// BuildPrompt renders the system and user prompt for an alert. Identical alerts render
// identical prompts, which is what the result cache keys on.
func BuildPrompt(alert model.AlertContext) (system, prompt string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Severity: %s\n", alert.Severity)
	if alert.Period != "" {
		fmt.Fprintf(&b, "Period: %s\n", alert.Period)
	}
	fmt.Fprintf(&b, "Total spend: %.2f\nThreshold: %.2f\nExceeded by: %.2f\n",
		alert.TotalValue, alert.Threshold, alert.ExceedAmount)
	if alert.ProjectedValue > 0 {
		fmt.Fprintf(&b, "Projected end-of-period spend: %.2f\n", alert.ProjectedValue)
	}
	if len(alert.Contributors) > 0 {
		b.WriteString("Top contributors:\n")
		for _, c := range alert.Contributors {
			fmt.Fprintf(&b, "- %s: %.2f (%.1f%%)\n", c.Name, c.Value, c.Share*100)
		}
	}
	return systemPrompt, b.String()
}
