package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ogulcanaydogan/costalert/pkg/model"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
)

// SignatureHeader carries the HMAC-SHA256 of the request body when a secret is set.
const SignatureHeader = "X-Signature-256"

// WebhookPublisher posts alerts as JSON to an HTTP endpoint. It can stand in for any
// channel, typically an email or SMS relay.
type WebhookPublisher struct {
	channel model.Channel
	url     string
	secret  string
	client  *http.Client
	now     func() time.Time
}

// NewWebhookPublisher creates a webhook publisher for channel.
// If secret is non-empty, requests are signed with HMAC-SHA256.
func NewWebhookPublisher(channel model.Channel, url, secret string, timeout time.Duration) *WebhookPublisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookPublisher{
		channel: channel,
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

func (w *WebhookPublisher) Channel() model.Channel { return w.channel }
func (w *WebhookPublisher) Provider() string       { return "webhook" }

type webhookPayload struct {
	Event     string             `json:"event"`
	Channel   model.Channel      `json:"channel"`
	Timestamp string             `json:"timestamp"`
	Title     string             `json:"title"`
	Text      string             `json:"text"`
	Alert     model.AlertContext `json:"alert"`
}

func (w *WebhookPublisher) Publish(ctx context.Context, alert model.AlertContext) error {
	op := string(w.channel) + ".webhook"

	text := EmailBody(alert)
	if w.channel == model.ChannelSMS {
		text = SMSText(alert)
	}
	body, err := json.Marshal(webhookPayload{
		Event:     "cost_alert",
		Channel:   w.channel,
		Timestamp: w.now().UTC().Format(time.RFC3339),
		Title:     Title(alert),
		Text:      text,
		Alert:     alert,
	})
	if err != nil {
		return resilience.Validation(op, resilience.CodeValidation, fmt.Errorf("marshal webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return resilience.Validation(op, resilience.CodeInvalidParam, fmt.Errorf("create webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "costalert/1.0")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(body, []byte(w.secret)))
	}

	return postJSON(w.client, req, op)
}

// Sign returns the hex HMAC-SHA256 of message under key.
func Sign(message, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// postJSON sends req and maps the outcome onto the resilience error classes.
func postJSON(client *http.Client, req *http.Request, op string) error {
	resp, err := client.Do(req)
	if err != nil {
		if class := resilience.Classify(err); class != resilience.ClassUnknown {
			return &resilience.Error{Class: class, Op: op, Err: err}
		}
		return resilience.Transient(op, resilience.CodeNetworkReset, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resilience.FromStatus(op, resp.StatusCode, nil)
	}
	return nil
}
