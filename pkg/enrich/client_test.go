package enrich_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ogulcanaydogan/costalert/pkg/enrich"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
)

const messagesURL = "https://api.test/v1/messages"

func okResponder(text string, in, out int64) httpmock.Responder {
	return httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"usage":   map[string]any{"input_tokens": in, "output_tokens": out},
	})
}

func newMockClient(t *testing.T) (*enrich.AnthropicClient, *httpmock.MockTransport) {
	t.Helper()
	mock := httpmock.NewMockTransport()
	client := enrich.NewAnthropicClient("https://api.test/", "sk-test", &http.Client{Transport: mock}, 0)
	return client, mock
}

func TestAnthropicClient_Invoke(t *testing.T) {
	client, mock := newMockClient(t)

	mock.RegisterResponder(http.MethodPost, messagesURL, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "sk-test", req.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", req.Header.Get("anthropic-version"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "claude-haiku-4-5", body["model"])
		assert.Equal(t, "be brief", body["system"])
		assert.EqualValues(t, 200, body["max_tokens"])
		msgs := body["messages"].([]any)
		require.Len(t, msgs, 1)
		assert.Equal(t, "user", msgs[0].(map[string]any)["role"])

		return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "  Compute drove it. "},
				{"type": "tool_use"},
			},
			"usage": map[string]any{"input_tokens": 120, "output_tokens": 40},
		})
	})

	resp, err := client.Invoke(context.Background(), enrich.Request{
		Model: "claude-haiku-4-5", System: "be brief", Prompt: "why?", MaxTokens: 200,
	})
	require.NoError(t, err)
	assert.Equal(t, "Compute drove it.", resp.Text)
	assert.EqualValues(t, 120, resp.InputTokens)
	assert.EqualValues(t, 40, resp.OutputTokens)
	assert.Equal(t, 1, mock.GetTotalCallCount())
}

func TestAnthropicClient_Errors(t *testing.T) {
	tests := []struct {
		name      string
		responder httpmock.Responder
		class     resilience.Class
		code      string
	}{
		{
			name: "rate limited",
			responder: httpmock.NewStringResponder(http.StatusTooManyRequests,
				`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`),
			class: resilience.ClassTransient,
		},
		{
			name:      "overloaded",
			responder: httpmock.NewStringResponder(529, `{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`),
			class:     resilience.ClassTransient,
			code:      resilience.CodeServiceUnavailable,
		},
		{
			name:      "bad key",
			responder: httpmock.NewStringResponder(http.StatusUnauthorized, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`),
			class:     resilience.ClassValidation,
		},
		{
			name:      "malformed",
			responder: httpmock.NewStringResponder(http.StatusOK, `<html>`),
			class:     resilience.ClassUnknown,
			code:      enrich.CodeMalformedResponse,
		},
		{
			name:      "no text",
			responder: httpmock.NewStringResponder(http.StatusOK, `{"content":[],"usage":{}}`),
			class:     resilience.ClassUnknown,
			code:      enrich.CodeMalformedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, mock := newMockClient(t)
			mock.RegisterResponder(http.MethodPost, messagesURL, tt.responder)

			_, err := client.Invoke(context.Background(), enrich.Request{Model: "m", Prompt: "p", MaxTokens: 10})
			require.Error(t, err)
			assert.Equal(t, tt.class, resilience.Classify(err))
			if tt.code != "" {
				assert.Equal(t, tt.code, resilience.CodeOf(err))
			}
		})
	}
}

func TestAnthropicClient_ErrorMessageFromBody(t *testing.T) {
	client, mock := newMockClient(t)
	mock.RegisterResponder(http.MethodPost, messagesURL, httpmock.NewStringResponder(http.StatusBadRequest,
		`{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens too large"}}`))

	_, err := client.Invoke(context.Background(), enrich.Request{Model: "m", Prompt: "p", MaxTokens: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_request_error: max_tokens too large")
	assert.Contains(t, err.Error(), "status 400")
}
