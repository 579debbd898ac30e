package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ogulcanaydogan/costalert/pkg/model"
	"github.com/ogulcanaydogan/costalert/pkg/push"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
)

// DeviceSource lists the endpoints a push alert fans out to.
type DeviceSource interface {
	ActiveRefs(ctx context.Context) ([]string, error)
}

// EndpointRejecter is told about endpoints the platform refused for good.
type EndpointRejecter interface {
	MarkInactive(ctx context.Context, ref string) error
}

// PushPublisher publishes alerts through a push provider, either to one configured
// target or to every active registered device.
type PushPublisher struct {
	provider push.Provider
	target   string
	devices  DeviceSource
	logger   *slog.Logger
}

// NewPushPublisher creates a push publisher. When target is empty the alert fans out to
// every active ref from devices.
func NewPushPublisher(provider push.Provider, target string, devices DeviceSource, logger *slog.Logger) *PushPublisher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &PushPublisher{provider: provider, target: target, devices: devices, logger: logger}
}

func (p *PushPublisher) Channel() model.Channel { return model.ChannelPush }
func (p *PushPublisher) Provider() string       { return p.provider.Name() }

// Validate reports whether the alert fits in a push payload.
func (p *PushPublisher) Validate(alert model.AlertContext) error {
	_, err := PushPayload(alert)
	return err
}

// Publish succeeds when at least one endpoint accepts the alert.
func (p *PushPublisher) Publish(ctx context.Context, alert model.AlertContext) error {
	payload, err := PushPayload(alert)
	if err != nil {
		return err
	}

	refs, err := p.targets(ctx)
	if err != nil {
		return err
	}

	var errs []error
	delivered := 0
	for _, ref := range refs {
		if _, err := p.provider.Publish(ctx, ref, payload); err != nil {
			errs = append(errs, err)
			p.rejected(ctx, ref, err)
			continue
		}
		delivered++
	}

	if delivered > 0 {
		if len(errs) > 0 {
			p.logger.Warn("push delivered partially", "delivered", delivered, "failed", len(errs))
		}
		return nil
	}
	return worstOf(errs)
}

func (p *PushPublisher) targets(ctx context.Context) ([]string, error) {
	if p.target != "" {
		return []string{p.target}, nil
	}
	if p.devices == nil {
		return nil, resilience.ChannelSpecific("push.publish", resilience.CodeEndpointDisabled, errors.New("no push target configured"))
	}
	refs, err := p.devices.ActiveRefs(ctx)
	if err != nil {
		return nil, resilience.Transient("push.publish", resilience.CodeServiceUnavailable, fmt.Errorf("list devices: %w", err))
	}
	if len(refs) == 0 {
		return nil, resilience.ChannelSpecific("push.publish", resilience.CodeEndpointDisabled, errors.New("no active devices registered"))
	}
	return refs, nil
}

func (p *PushPublisher) rejected(ctx context.Context, ref string, err error) {
	code := resilience.CodeOf(err)
	if code != resilience.CodeEndpointDisabled && code != resilience.CodeInvalidToken {
		return
	}
	r, ok := p.devices.(EndpointRejecter)
	if !ok {
		return
	}
	if err := r.MarkInactive(ctx, ref); err != nil {
		p.logger.Warn("could not mark endpoint inactive", "endpoint", ref, "error", err)
	}
}

// worstOf picks the error that decides what the caller does next. A retryable failure
// wins so that a transient outage is retried rather than skipped.
func worstOf(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	for _, err := range errs {
		if resilience.Classify(err).Retryable() {
			return err
		}
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Errorf("all %d endpoints failed: %w", len(errs), errors.Join(errs...))
}

var _ Validator = (*PushPublisher)(nil)
