package model

import "time"

// Channel identifies a delivery mechanism.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelChat  Channel = "chat"
)

// Outcome is the result of one channel attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// DeliveryAttempt records one channel-level try within a dispatch. It is never persisted.
type DeliveryAttempt struct {
	Channel    Channel       `json:"channel"`
	Provider   string        `json:"provider"`
	Outcome    Outcome       `json:"outcome"`
	ErrorClass string        `json:"error_class,omitempty"`
	Error      string        `json:"error,omitempty"`
	Index      int           `json:"index"`
	Tries      int           `json:"tries"`
	Duration   time.Duration `json:"duration"`
	Fallback   bool          `json:"fallback"`
}

// DispatchResult is what a dispatch reports back to its caller.
type DispatchResult struct {
	ID                string            `json:"id"`
	Success           bool              `json:"success"`
	DeliveredVia      Channel           `json:"delivered_via,omitempty"`
	FallbackUsed      bool              `json:"fallback_used"`
	ChannelsAttempted []DeliveryAttempt `json:"channels_attempted"`
}
