// Package resilience classifies failures and guards outbound calls with retries and circuit breakers.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Class is the closed set of failure kinds every outbound error is mapped to.
type Class int

const (
	ClassUnknown Class = iota
	ClassTransient
	ClassChannelSpecific
	ClassValidation
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassChannelSpecific:
		return "channel_specific"
	case ClassValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this class may be retried on the same target.
func (c Class) Retryable() bool { return c == ClassTransient }

// Error is a classified failure produced at a provider boundary.
type Error struct {
	Class      Class
	Code       string
	StatusCode int
	Op         string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Code
	if msg == "" {
		msg = e.Class.String()
	}
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as a retryable transport failure.
func Transient(op, code string, err error) *Error {
	return &Error{Class: ClassTransient, Code: code, Op: op, Err: err}
}

// ChannelSpecific marks err as terminal for the current channel.
func ChannelSpecific(op, code string, err error) *Error {
	return &Error{Class: ClassChannelSpecific, Code: code, Op: op, Err: err}
}

// Validation marks err as a malformed input that must never be retried.
func Validation(op, code string, err error) *Error {
	return &Error{Class: ClassValidation, Code: code, Op: op, Err: err}
}

// FromStatus builds an error for an HTTP-style status code, classified by ClassifyStatus.
func FromStatus(op string, status int, err error) *Error {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}
	return &Error{Class: ClassifyStatus(status), StatusCode: status, Op: op, Err: err}
}

// Codes reported by providers. Any code not listed here classifies as unknown.
const (
	CodeThrottling         = "Throttling"
	CodeTooManyRequests    = "TooManyRequests"
	CodeTimeout            = "Timeout"
	CodeServiceUnavailable = "ServiceUnavailable"
	CodeNetworkReset       = "NetworkReset"
	CodeInternalError      = "InternalError"

	CodeValidation   = "ValidationError"
	CodeInvalidParam = "InvalidParameter"
	CodeUnauthorized = "AuthorizationError"
	CodeNotFound     = "NotFound"

	CodeEndpointDisabled  = "EndpointDisabled"
	CodeInvalidToken      = "InvalidToken"
	CodePayloadTooLarge   = "PayloadTooLarge"
	CodeInvalidCredential = "InvalidCredential"
	CodePlatformDisabled  = "PlatformDisabled"
	CodeCircuitOpen       = "CircuitOpen"
)

var codeClasses = map[string]Class{
	CodeThrottling:         ClassTransient,
	CodeTooManyRequests:    ClassTransient,
	CodeTimeout:            ClassTransient,
	CodeServiceUnavailable: ClassTransient,
	CodeNetworkReset:       ClassTransient,
	CodeInternalError:      ClassTransient,

	CodeValidation:   ClassValidation,
	CodeInvalidParam: ClassValidation,
	CodeUnauthorized: ClassValidation,
	CodeNotFound:     ClassValidation,

	CodeEndpointDisabled:  ClassChannelSpecific,
	CodeInvalidToken:      ClassChannelSpecific,
	CodePayloadTooLarge:   ClassChannelSpecific,
	CodeInvalidCredential: ClassChannelSpecific,
	CodePlatformDisabled:  ClassChannelSpecific,
	CodeCircuitOpen:       ClassChannelSpecific,
}

// ClassifyCode maps a named provider code to its class.
func ClassifyCode(code string) Class {
	return codeClasses[code]
}

// ClassifyStatus maps an HTTP-style status code to its class.
func ClassifyStatus(status int) Class {
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return ClassTransient
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		return ClassValidation
	default:
		return ClassUnknown
	}
}

// Classify maps any error to a Class. It is evaluated once where an error is caught.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var re *Error
	if errors.As(err, &re) {
		switch {
		case re.Class != ClassUnknown:
			return re.Class
		case re.Code != "":
			return ClassifyCode(re.Code)
		case re.StatusCode > 0:
			return ClassifyStatus(re.StatusCode)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	if errors.Is(err, context.Canceled) {
		return ClassUnknown
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		return ClassifyStatus(sc.StatusCode())
	}
	var cc interface{ ErrorCode() string }
	if errors.As(err, &cc) {
		return ClassifyCode(cc.ErrorCode())
	}

	return ClassUnknown
}

// CodeOf returns the provider code attached to err, if any.
func CodeOf(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
