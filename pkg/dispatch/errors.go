package dispatch

import (
	"fmt"
	"strings"

	"github.com/ogulcanaydogan/costalert/pkg/model"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
)

// ChannelFailure is why one channel did not deliver.
type ChannelFailure struct {
	Channel  model.Channel
	Provider string
	Class    resilience.Class
	Err      error
}

// DeliveryError is returned when no channel delivered the alert. It lists every
// channel's failure in attempt order.
type DeliveryError struct {
	ID       string
	Failures []ChannelFailure
}

func (e *DeliveryError) Error() string {
	if len(e.Failures) == 0 {
		return "delivery failed: no channel was attempted"
	}
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s/%s (%s): %v", f.Channel, f.Provider, f.Class, f.Err)
	}
	return "delivery failed on all channels: " + strings.Join(parts, "; ")
}

func (e *DeliveryError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}
