package dispatch_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ogulcanaydogan/costalert/pkg/channels"
	"github.com/ogulcanaydogan/costalert/pkg/dispatch"
	"github.com/ogulcanaydogan/costalert/pkg/metricsource"
	"github.com/ogulcanaydogan/costalert/pkg/model"
	"github.com/ogulcanaydogan/costalert/pkg/push/pushtest"
)

func TestScenario_PushDisabledFallsBackToEmail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("total_value: 15.50\nperiod: \"2026-10\"\nbreakdown:\n  compute: 11\n  storage: 4.5\n"), 0o600))

	snap, err := metricsource.NewFileSource(path).GetCurrentSnapshot(context.Background())
	require.NoError(t, err)
	alertCtx, err := metricsource.Evaluate(snap, 10.00, 5)
	require.NoError(t, err)
	require.NotNil(t, alertCtx)
	assert.InDelta(t, 5.50, alertCtx.ExceedAmount, 1e-9)
	assert.Equal(t, model.SeverityCritical, alertCtx.Severity)

	fake := pushtest.NewFake(time.Now())
	ref := fake.Seed(strings.Repeat("0f", 32), false)
	pushPub := channels.NewPushPublisher(fake, ref, nil, testLogger())
	email := &stubPublisher{channel: model.ChannelEmail, provider: "smtp"}

	d, _ := newDispatcher(t, []dispatch.Channel{{Publisher: pushPub, Policy: policy(3)}, {Publisher: email, Policy: policy(3)}})
	res, err := d.Dispatch(context.Background(), *alertCtx)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, res.FallbackUsed)
	require.Len(t, res.ChannelsAttempted, 2)
	assert.Equal(t, model.ChannelPush, res.ChannelsAttempted[0].Channel)
	assert.Equal(t, model.OutcomeFailure, res.ChannelsAttempted[0].Outcome)
	assert.Equal(t, model.ChannelEmail, res.ChannelsAttempted[1].Channel)
	assert.Equal(t, model.OutcomeSuccess, res.ChannelsAttempted[1].Outcome)
	assert.Equal(t, 1, fake.CallCount("Publish"))
}
