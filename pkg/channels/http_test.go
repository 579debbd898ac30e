package channels_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ogulcanaydogan/costalert/pkg/channels"
	"github.com/ogulcanaydogan/costalert/pkg/model"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
)

func TestWebhookPublisher_Send(t *testing.T) {
	var (
		received map[string]any
		sig      string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "costalert/1.0", r.Header.Get("User-Agent"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		sig = r.Header.Get(channels.SignatureHeader)
		assert.Equal(t, "sha256="+channels.Sign(body, []byte("s3cret")), sig)
		require.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	p := channels.NewWebhookPublisher(model.ChannelEmail, server.URL, "s3cret", time.Second)
	assert.Equal(t, model.ChannelEmail, p.Channel())
	assert.Equal(t, "webhook", p.Provider())

	require.NoError(t, p.Publish(context.Background(), sampleAlert()))
	assert.Equal(t, "cost_alert", received["event"])
	assert.Equal(t, "email", received["channel"])
	assert.Contains(t, received["text"], "Top contributors:")
	assert.NotEmpty(t, sig)
}

func TestWebhookPublisher_SMSUsesShortText(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		assert.Empty(t, r.Header.Get(channels.SignatureHeader))
	}))
	defer server.Close()

	p := channels.NewWebhookPublisher(model.ChannelSMS, server.URL, "", 0)
	require.NoError(t, p.Publish(context.Background(), sampleAlert()))
	text, _ := received["text"].(string)
	assert.LessOrEqual(t, len(text), channels.MaxSMSLength)
	assert.True(t, strings.HasPrefix(text, "CRITICAL cost alert"))
}

func TestWebhookPublisher_StatusClasses(t *testing.T) {
	tests := []struct {
		status int
		want   resilience.Class
	}{
		{http.StatusTooManyRequests, resilience.ClassTransient},
		{http.StatusServiceUnavailable, resilience.ClassTransient},
		{http.StatusBadRequest, resilience.ClassValidation},
		{http.StatusUnauthorized, resilience.ClassValidation},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			err := channels.NewWebhookPublisher(model.ChannelEmail, server.URL, "", time.Second).
				Publish(context.Background(), sampleAlert())
			require.Error(t, err)
			assert.Equal(t, tt.want, resilience.Classify(err))
		})
	}
}

func TestWebhookPublisher_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	err := channels.NewWebhookPublisher(model.ChannelEmail, url, "", time.Second).Publish(context.Background(), sampleAlert())
	require.Error(t, err)
	assert.Equal(t, resilience.ClassTransient, resilience.Classify(err))
}

func TestSlackPublisher_Send(t *testing.T) {
	var received struct {
		Channel     string `json:"channel"`
		Attachments []struct {
			Color  string `json:"color"`
			Title  string `json:"title"`
			Text   string `json:"text"`
			Fields []struct {
				Title string `json:"title"`
				Value string `json:"value"`
			} `json:"fields"`
		} `json:"attachments"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := channels.NewSlackPublisher(server.URL, "#costs", time.Second)
	assert.Equal(t, model.ChannelChat, p.Channel())
	assert.Equal(t, "slack", p.Provider())

	require.NoError(t, p.Publish(context.Background(), sampleAlert().WithInsight("compute is up")))
	assert.Equal(t, "#costs", received.Channel)
	require.Len(t, received.Attachments, 1)
	att := received.Attachments[0]
	assert.Equal(t, "#ff0000", att.Color)
	assert.Equal(t, "compute is up", att.Text)
	assert.Len(t, att.Fields, 7)
	assert.Equal(t, "compute", att.Fields[5].Title)
}

func TestSlackPublisher_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	err := channels.NewSlackPublisher(server.URL, "", time.Second).Publish(context.Background(), sampleAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, resilience.ClassTransient, resilience.Classify(err))
}

func TestSeverityColor(t *testing.T) {
	assert.Equal(t, "#ff9900", channels.SeverityColor(model.SeverityWarning))
	assert.Equal(t, "#ff0000", channels.SeverityColor(model.SeverityCritical))
	assert.Equal(t, "#36a64f", channels.SeverityColor(""))
}
