package metricsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ogulcanaydogan/costalert/pkg/model"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
)

// HTTPSource fetches a JSON snapshot with a GET request.
type HTTPSource struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPSource creates an HTTP source. token, when set, is sent as a bearer token.
func NewHTTPSource(url, token string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{url: url, token: token, client: &http.Client{Timeout: timeout}}
}

func (h *HTTPSource) GetCurrentSnapshot(ctx context.Context) (*model.Snapshot, error) {
	const op = "metric.http"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, resilience.Validation(op, resilience.CodeInvalidParam, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "costalert/1.0")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if class := resilience.Classify(err); class != resilience.ClassUnknown {
			return nil, &resilience.Error{Class: class, Op: op, Err: err}
		}
		return nil, resilience.Transient(op, resilience.CodeNetworkReset, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, resilience.FromStatus(op, resp.StatusCode, nil)
	}

	var snap model.Snapshot
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&snap); err != nil {
		return nil, &resilience.Error{Op: op, Code: "MalformedResponse", Err: fmt.Errorf("decode snapshot: %w", err)}
	}
	if err := validate(&snap); err != nil {
		return nil, resilience.Validation(op, resilience.CodeValidation, err)
	}
	return &snap, nil
}
