// Package channels renders alerts and publishes them over push, email, SMS and chat.
package channels

import (
	"context"

	"github.com/ogulcanaydogan/costalert/pkg/model"
)

// Publisher delivers an alert over one channel. Publish makes a single attempt; retries
// and circuit breaking belong to the caller. Errors should be *resilience.Error values.
type Publisher interface {
	// Channel returns the delivery mechanism this publisher serves.
	Channel() model.Channel

	// Provider names the backend, e.g. "gateway" or "smtp".
	Provider() string

	// Publish sends the alert. Implementations must be safe for concurrent use.
	Publish(ctx context.Context, alert model.AlertContext) error
}

// Validator is implemented by publishers that can reject an alert before any send, for
// example because its payload exceeds the channel limit. The dispatcher calls Validate
// outside the circuit breaker.
type Validator interface {
	Validate(alert model.AlertContext) error
}
