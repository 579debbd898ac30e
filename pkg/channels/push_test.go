package channels_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ogulcanaydogan/costalert/pkg/channels"
	"github.com/ogulcanaydogan/costalert/pkg/model"
	"github.com/ogulcanaydogan/costalert/pkg/push/pushtest"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubDevices struct {
	mu       sync.Mutex
	refs     []string
	err      error
	inactive []string
}

func (s *stubDevices) ActiveRefs(context.Context) ([]string, error) { return s.refs, s.err }

func (s *stubDevices) MarkInactive(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inactive = append(s.inactive, ref)
	return nil
}

func TestPushPublisher_Target(t *testing.T) {
	fake := pushtest.NewFake(time.Now())
	ref := fake.Seed(strings.Repeat("ab", 32), true)

	p := channels.NewPushPublisher(fake, ref, nil, testLogger())
	assert.Equal(t, model.ChannelPush, p.Channel())
	assert.Equal(t, "fake", p.Provider())

	require.NoError(t, p.Publish(context.Background(), sampleAlert()))
	require.Len(t, fake.Messages, 1)
	assert.Equal(t, ref, fake.Messages[0].Ref)
	assert.Contains(t, string(fake.Messages[0].Payload), `"severity":"CRITICAL"`)
}

func TestPushPublisher_FanOutPartial(t *testing.T) {
	fake := pushtest.NewFake(time.Now())
	good := fake.Seed(strings.Repeat("ab", 32), true)
	bad := fake.Seed(strings.Repeat("cd", 32), false)
	devs := &stubDevices{refs: []string{good, bad}}

	p := channels.NewPushPublisher(fake, "", devs, testLogger())
	require.NoError(t, p.Publish(context.Background(), sampleAlert()))

	assert.Len(t, fake.Messages, 1)
	assert.Equal(t, []string{bad}, devs.inactive)
}

func TestPushPublisher_AllDisabled(t *testing.T) {
	fake := pushtest.NewFake(time.Now())
	ref := fake.Seed(strings.Repeat("ab", 32), false)
	devs := &stubDevices{refs: []string{ref}}

	p := channels.NewPushPublisher(fake, "", devs, testLogger())
	err := p.Publish(context.Background(), sampleAlert())
	require.Error(t, err)
	assert.Equal(t, resilience.ClassChannelSpecific, resilience.Classify(err))
	assert.Equal(t, resilience.CodeEndpointDisabled, resilience.CodeOf(err))
}

func TestPushPublisher_TransientWins(t *testing.T) {
	fake := pushtest.NewFake(time.Now())
	a := fake.Seed(strings.Repeat("ab", 32), false)
	b := fake.Seed(strings.Repeat("cd", 32), true)
	fake.FailPublish = func(ref string) error {
		if ref == b {
			return resilience.Transient("push.publish", resilience.CodeThrottling, errors.New("slow down"))
		}
		return nil
	}

	p := channels.NewPushPublisher(fake, "", &stubDevices{refs: []string{a, b}}, testLogger())
	err := p.Publish(context.Background(), sampleAlert())
	require.Error(t, err)
	assert.Equal(t, resilience.ClassTransient, resilience.Classify(err))
}

func TestPushPublisher_NoDevices(t *testing.T) {
	fake := pushtest.NewFake(time.Now())

	err := channels.NewPushPublisher(fake, "", nil, testLogger()).Publish(context.Background(), sampleAlert())
	assert.Equal(t, resilience.ClassChannelSpecific, resilience.Classify(err))

	err = channels.NewPushPublisher(fake, "", &stubDevices{}, testLogger()).Publish(context.Background(), sampleAlert())
	assert.Equal(t, resilience.CodeEndpointDisabled, resilience.CodeOf(err))

	err = channels.NewPushPublisher(fake, "", &stubDevices{err: errors.New("db locked")}, testLogger()).Publish(context.Background(), sampleAlert())
	assert.Equal(t, resilience.ClassTransient, resilience.Classify(err))
	assert.Zero(t, fake.CallCount("Publish"))
}
