package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ogulcanaydogan/costalert/pkg/model"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
)

// SlackPublisher sends alerts to a Slack incoming webhook as the chat channel.
type SlackPublisher struct {
	webhookURL string
	channel    string
	client     *http.Client
	now        func() time.Time
}

// NewSlackPublisher creates a Slack webhook publisher.
func NewSlackPublisher(webhookURL, channel string, timeout time.Duration) *SlackPublisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SlackPublisher{
		webhookURL: webhookURL,
		channel:    channel,
		client:     &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

func (s *SlackPublisher) Channel() model.Channel { return model.ChannelChat }
func (s *SlackPublisher) Provider() string       { return "slack" }

// SeverityColor is the attachment color for a severity.
func SeverityColor(sev model.Severity) string {
	switch sev {
	case model.SeverityCritical:
		return "#ff0000" // red
	case model.SeverityWarning:
		return "#ff9900" // orange
	default:
		return "#36a64f"
	}
}

func (s *SlackPublisher) Publish(ctx context.Context, alert model.AlertContext) error {
	const op = "chat.slack"

	fields := []slackField{
		{Title: "Severity", Value: string(alert.Severity), Short: true},
		{Title: "Period", Value: alert.Period, Short: true},
		{Title: "Total", Value: fmt.Sprintf("%.2f", alert.TotalValue), Short: true},
		{Title: "Threshold", Value: fmt.Sprintf("%.2f", alert.Threshold), Short: true},
		{Title: "Exceeded by", Value: fmt.Sprintf("%.2f (%.0f%%)", alert.ExceedAmount, alert.ExceedRatio()*100), Short: true},
	}
	for _, c := range alert.Contributors {
		fields = append(fields, slackField{Title: c.Name, Value: fmt.Sprintf("%.2f", c.Value), Short: true})
	}

	payload := slackPayload{
		Channel: s.channel,
		Attachments: []slackAttachment{{
			Color:  SeverityColor(alert.Severity),
			Title:  Title(alert),
			Text:   Truncate(alert.Insight, 3000),
			Fields: fields,
			Footer: "costalert",
			Ts:     s.now().Unix(),
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return resilience.Validation(op, resilience.CodeValidation, fmt.Errorf("marshal slack payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return resilience.Validation(op, resilience.CodeInvalidParam, fmt.Errorf("create slack request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	return postJSON(s.client, req, op)
}

type slackPayload struct {
	Channel     string            `json:"channel,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text,omitempty"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}
