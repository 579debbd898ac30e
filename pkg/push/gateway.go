package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ogulcanaydogan/costalert/pkg/resilience"
)

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	BaseURL  string
	APIKey   string
	Platform string
	Timeout  time.Duration
}

// Gateway talks to a push gateway over its REST API.
type Gateway struct {
	base     string
	apiKey   string
	platform string
	client   *http.Client
}

// NewGateway creates a push gateway client. A nil client gets one with cfg.Timeout.
func NewGateway(cfg GatewayConfig, client *http.Client) (*Gateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("push gateway base url is required")
	}
	if cfg.Platform == "" {
		return nil, fmt.Errorf("push platform is required")
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Gateway{
		base:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		platform: cfg.Platform,
		client:   client,
	}, nil
}

func (g *Gateway) Name() string { return "gateway" }

func (g *Gateway) CreateEndpoint(ctx context.Context, token, userData string) (string, error) {
	var out struct {
		Ref string `json:"ref"`
	}
	err := g.do(ctx, "push.create_endpoint", http.MethodPost, g.platformPath("endpoints"),
		map[string]string{"token": token, "user_data": userData}, &out)
	if err != nil {
		return "", err
	}
	if out.Ref == "" {
		return "", resilience.Validation("push.create_endpoint", resilience.CodeValidation, errors.New("gateway returned no endpoint ref"))
	}
	return out.Ref, nil
}

func (g *Gateway) SetEndpointToken(ctx context.Context, ref, token string) error {
	return g.do(ctx, "push.set_endpoint_token", http.MethodPut, g.endpointPath(ref, ""),
		map[string]any{"token": token, "enabled": true}, nil)
}

func (g *Gateway) DeleteEndpoint(ctx context.Context, ref string) error {
	return g.do(ctx, "push.delete_endpoint", http.MethodDelete, g.endpointPath(ref, ""), nil, nil)
}

func (g *Gateway) GetEndpointAttributes(ctx context.Context, ref string) (EndpointAttributes, error) {
	var out EndpointAttributes
	err := g.do(ctx, "push.get_endpoint", http.MethodGet, g.endpointPath(ref, ""), nil, &out)
	return out, err
}

func (g *Gateway) ListEndpoints(ctx context.Context, pageToken string) (Page, error) {
	path := g.platformPath("endpoints")
	if pageToken != "" {
		path += "?page_token=" + url.QueryEscape(pageToken)
	}
	var out Page
	err := g.do(ctx, "push.list_endpoints", http.MethodGet, path, nil, &out)
	return out, err
}

func (g *Gateway) Publish(ctx context.Context, ref string, payload []byte) (string, error) {
	var out struct {
		MessageID string `json:"message_id"`
	}
	err := g.do(ctx, "push.publish", http.MethodPost, g.endpointPath(ref, "messages"), json.RawMessage(payload), &out)
	return out.MessageID, err
}

func (g *Gateway) PlatformInfo(ctx context.Context) (PlatformInfo, error) {
	var out PlatformInfo
	err := g.do(ctx, "push.platform_info", http.MethodGet, "/v1/platforms/"+url.PathEscape(g.platform), nil, &out)
	return out, err
}

func (g *Gateway) platformPath(sub string) string {
	return "/v1/platforms/" + url.PathEscape(g.platform) + "/" + sub
}

func (g *Gateway) endpointPath(ref, sub string) string {
	p := "/v1/endpoints/" + url.PathEscape(ref)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (g *Gateway) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return resilience.Validation(op, resilience.CodeValidation, fmt.Errorf("marshal request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.base+path, body)
	if err != nil {
		return resilience.Validation(op, resilience.CodeValidation, fmt.Errorf("create request: %w", err))
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "costalert/1.0")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resilience.Transient(op, resilience.CodeNetworkReset, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &resilience.Error{Op: op, Code: "MalformedResponse", Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func statusError(op string, status int, body []byte) error {
	var ge gatewayError
	_ = json.Unmarshal(body, &ge)

	msg := ge.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	e := resilience.FromStatus(op, status, errors.New(msg))
	if ge.Code != "" {
		e.Code = ge.Code
		if class := resilience.ClassifyCode(ge.Code); class != resilience.ClassUnknown {
			e.Class = class
		}
	}
	return e
}

func transportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if resilience.Classify(err) == resilience.ClassTransient {
		return resilience.Transient(op, resilience.CodeTimeout, err)
	}
	return resilience.Transient(op, resilience.CodeNetworkReset, err)
}
