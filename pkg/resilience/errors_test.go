package resilience_test

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
)

type codedErr struct{ code string }

func (e codedErr) Error() string     { return e.code }
func (e codedErr) ErrorCode() string { return e.code }

type statusErr struct{ status int }

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", e.status) }
func (e statusErr) StatusCode() int { return e.status }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want resilience.Class
	}{
		{"nil", nil, resilience.ClassUnknown},
		{"plain", errors.New("boom"), resilience.ClassUnknown},
		{"status 429", statusErr{429}, resilience.ClassTransient},
		{"status 503", statusErr{503}, resilience.ClassTransient},
		{"status 400", statusErr{400}, resilience.ClassValidation},
		{"status 403", statusErr{403}, resilience.ClassValidation},
		{"status 418", statusErr{418}, resilience.ClassUnknown},
		{"throttling code", codedErr{"Throttling"}, resilience.ClassTransient},
		{"endpoint disabled", codedErr{"EndpointDisabled"}, resilience.ClassChannelSpecific},
		{"invalid parameter", codedErr{"InvalidParameter"}, resilience.ClassValidation},
		{"deadline", context.DeadlineExceeded, resilience.ClassTransient},
		{"canceled", context.Canceled, resilience.ClassUnknown},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), resilience.ClassTransient},
		{"net timeout", timeoutErr{}, resilience.ClassTransient},
		{"explicit class wins", resilience.ChannelSpecific("publish", resilience.CodeInvalidToken, nil), resilience.ClassChannelSpecific},
		{"wrapped classified", fmt.Errorf("send: %w", resilience.FromStatus("send", 502, nil)), resilience.ClassTransient},
		{"code only", &resilience.Error{Code: resilience.CodePayloadTooLarge}, resilience.ClassChannelSpecific},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resilience.Classify(tt.err))
		})
	}
}

func TestClassify_ExhaustedKeepsCause(t *testing.T) {
	err := &resilience.ExhaustedError{Op: "send", Attempts: 3, Err: statusErr{503}}
	assert.Equal(t, resilience.ClassTransient, resilience.Classify(err))
}

func TestError_Message(t *testing.T) {
	err := &resilience.Error{
		Class:      resilience.ClassTransient,
		Code:       resilience.CodeServiceUnavailable,
		StatusCode: 503,
		Op:         "push.publish",
		Err:        errors.New("down"),
	}
	assert.Equal(t, "push.publish: ServiceUnavailable (status 503): down", err.Error())
	assert.Equal(t, "send: transient (status 502): Bad Gateway", resilience.FromStatus("send", 502, nil).Error())

	wrapped := fmt.Errorf("x: %w", resilience.ChannelSpecific("op", resilience.CodeInvalidToken, nil))
	assert.Equal(t, resilience.CodeInvalidToken, resilience.CodeOf(wrapped))
}

func TestCircuitErrorsAreChannelSpecific(t *testing.T) {
	assert.Equal(t, resilience.ClassChannelSpecific, resilience.Classify(resilience.ErrCircuitOpen))
	assert.Equal(t, resilience.ClassChannelSpecific, resilience.Classify(resilience.ErrTooManyProbes))
}
