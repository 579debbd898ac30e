// Package enrich adds an optional AI-written analysis to alerts, bounded by a monthly
// budget and a per-minute call rate.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ogulcanaydogan/costalert/pkg/resilience"
)

// Request is one completion call.
type Request struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int64
}

// Response is the generated text with the token usage the provider billed.
type Response struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Invoker performs the costed call.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

const (
	defaultAnthropicURL = "https://api.anthropic.com"
	anthropicVersion    = "2023-06-01"

	// CodeMalformedResponse marks a 2xx reply that could not be decoded.
	CodeMalformedResponse = "MalformedResponse"
)

// AnthropicClient calls the Anthropic Messages API.
type AnthropicClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewAnthropicClient creates a client. An empty baseURL uses the public API; a nil
// client gets one with the given timeout.
func NewAnthropicClient(baseURL, apiKey string, client *http.Client, timeout time.Duration) *AnthropicClient {
	if baseURL == "" {
		baseURL = defaultAnthropicURL
	}
	if client == nil {
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &AnthropicClient{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: client}
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int64     `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Invoke sends one Messages request.
func (c *AnthropicClient) Invoke(ctx context.Context, req Request) (*Response, error) {
	const op = "enrich.invoke"

	body, err := json.Marshal(messagesRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		System:    req.System,
		Messages:  []message{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return nil, resilience.Validation(op, resilience.CodeValidation, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, resilience.Validation(op, resilience.CodeInvalidParam, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if class := resilience.Classify(err); class != resilience.ClassUnknown {
			return nil, &resilience.Error{Class: class, Op: op, Err: err}
		}
		return nil, resilience.Transient(op, resilience.CodeNetworkReset, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resilience.Transient(op, resilience.CodeNetworkReset, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(op, resp.StatusCode, data)
	}

	var out messagesResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &resilience.Error{Op: op, Code: CodeMalformedResponse, Err: err}
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, &resilience.Error{Op: op, Code: CodeMalformedResponse, Err: errors.New("response has no text content")}
	}

	return &Response{
		Text:         strings.TrimSpace(text.String()),
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
	}, nil
}

func statusError(op string, status int, body []byte) error {
	var apiErr apiError
	msg := http.StatusText(status)
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Type + ": " + apiErr.Error.Message
	}

	// 529 is the API's "overloaded" status.
	if status == 529 || apiErr.Error.Type == "overloaded_error" {
		return &resilience.Error{Class: resilience.ClassTransient, Code: resilience.CodeServiceUnavailable, StatusCode: status, Op: op, Err: errors.New(msg)}
	}
	return resilience.FromStatus(op, status, errors.New(msg))
}
