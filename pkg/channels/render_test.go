package channels_test

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ogulcanaydogan/costalert/pkg/channels"
	"github.com/ogulcanaydogan/costalert/pkg/model"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
)

func sampleAlert() model.AlertContext {
	return model.AlertContext{
		Threshold:    10,
		TotalValue:   15.5,
		ExceedAmount: 5.5,
		Period:       "2026-10",
		Severity:     model.SeverityCritical,
		Contributors: []model.Contributor{
			{Name: "compute", Value: 9, Share: 9 / 15.5},
			{Name: "storage", Value: 4.5, Share: 4.5 / 15.5},
		},
	}
}

func TestTitleAndSummary(t *testing.T) {
	a := sampleAlert()
	assert.Equal(t, "[CRITICAL] Cost alert: 5.50 over threshold", channels.Title(a))
	s := channels.Summary(a)
	assert.Contains(t, s, "15.50 exceeds threshold 10.00 by 5.50 (55%)")
	assert.Contains(t, s, "Top contributor: compute 9.00")
}

func TestPushPayload(t *testing.T) {
	data, err := channels.PushPayload(sampleAlert().WithInsight("compute doubled"))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "CRITICAL", got["severity"])
	assert.Equal(t, 15.5, got["total"])
	assert.Equal(t, "compute doubled", got["insight"])
	assert.Len(t, got["contributors"], 2)
}

func TestPushPayload_TooLarge(t *testing.T) {
	a := sampleAlert().WithInsight(strings.Repeat("x", channels.MaxPushPayloadBytes))
	_, err := channels.PushPayload(a)
	require.Error(t, err)
	assert.Equal(t, resilience.ClassChannelSpecific, resilience.Classify(err))
	assert.Equal(t, resilience.CodePayloadTooLarge, resilience.CodeOf(err))
}

func TestEmailBody(t *testing.T) {
	body := channels.EmailBody(sampleAlert().WithInsight("Compute spend rose."))
	assert.Contains(t, body, "Severity:  CRITICAL")
	assert.Contains(t, body, "Period:    2026-10")
	assert.Contains(t, body, "Top contributors:")
	assert.Contains(t, body, "1. compute")
	assert.Contains(t, body, "Analysis:\nCompute spend rose.")
	assert.NotContains(t, body, "Projected")
}

func TestSMSText(t *testing.T) {
	s := channels.SMSText(sampleAlert())
	assert.True(t, strings.HasPrefix(s, "CRITICAL cost alert: 15.50 vs threshold 10.00"))

	long := sampleAlert()
	long.Contributors = []model.Contributor{{Name: strings.Repeat("very-long-service-name-", 10), Value: 1}}
	s = channels.SMSText(long)
	assert.Equal(t, channels.MaxSMSLength, utf8.RuneCountInString(s))
	assert.True(t, strings.HasSuffix(s, "..."))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", channels.Truncate("hello", 5))
	assert.Equal(t, "he...", channels.Truncate("hello world", 5))
	assert.Equal(t, "hé", channels.Truncate("héllo", 2))
	assert.Equal(t, "ééé...", channels.Truncate(strings.Repeat("é", 10), 6))
}
