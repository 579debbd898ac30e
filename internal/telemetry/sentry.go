package telemetry

import (
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/ogulcanaydogan/costalert/pkg/dispatch"
	"github.com/ogulcanaydogan/costalert/pkg/model"
)

// SentryOptions configures error reporting.
type SentryOptions struct {
	DSN         string
	Environment string
	Release     string
	// Transport replaces the HTTP transport, mainly for tests.
	Transport sentry.Transport
}

// Reporter sends aggregate delivery failures to Sentry. A nil *Reporter is a no-op.
type Reporter struct {
	hub *sentry.Hub
}

// NewReporter returns nil when neither a DSN nor a transport is configured.
func NewReporter(opts SentryOptions) (*Reporter, error) {
	if opts.DSN == "" && opts.Transport == nil {
		return nil, nil
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              opts.DSN,
		Environment:      opts.Environment,
		Release:          opts.Release,
		Transport:        opts.Transport,
		AttachStacktrace: true,
		SampleRate:       1.0,
	})
	if err != nil {
		return nil, err
	}
	return &Reporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// AttemptFinished is a no-op; only aggregate failures are reported.
func (r *Reporter) AttemptFinished(string, model.DeliveryAttempt) {}

// DispatchFinished reports a dispatch that failed on every channel.
func (r *Reporter) DispatchFinished(res *model.DispatchResult, err error) {
	if r == nil || err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "dispatch")
		scope.SetTag("dispatch_id", res.ID)
		scope.SetFingerprint([]string{"delivery-failed"})

		attempts := make([]map[string]any, 0, len(res.ChannelsAttempted))
		for _, a := range res.ChannelsAttempted {
			attempts = append(attempts, map[string]any{
				"channel":     a.Channel,
				"provider":    a.Provider,
				"outcome":     a.Outcome,
				"error_class": a.ErrorClass,
				"tries":       a.Tries,
			})
		}
		scope.SetContext("delivery", map[string]any{"attempts": attempts})
		r.hub.CaptureException(err)
	})
}

// Flush waits up to timeout for queued events to be sent.
func (r *Reporter) Flush(timeout time.Duration) bool {
	if r == nil {
		return true
	}
	return r.hub.Flush(timeout)
}

var (
	_ dispatch.Observer = (*Metrics)(nil)
	_ dispatch.Observer = (*Reporter)(nil)
)
