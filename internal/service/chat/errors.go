package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/zhouzirui/chat-relay/internal/service/ai"
)

type ErrorCode string

const (
	ErrorInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrorSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	ErrorUpstream          ErrorCode = "UPSTREAM_ERROR"
	ErrorUpstreamTimeout   ErrorCode = "UPSTREAM_TIMEOUT"
	ErrorRateLimited       ErrorCode = "RATE_LIMITED"
	ErrorBlocked           ErrorCode = "BLOCKED"
	ErrorMalformedResponse ErrorCode = "MALFORMED_RESPONSE"
	ErrorInternal          ErrorCode = "INTERNAL_ERROR"
)

var (
	ErrMessageRequired = errors.New("message is required")
	ErrSessionNotFound = errors.New("session not found")
)

// Error carries a classified failure. Err holds the internal cause and
// must not be shown to clients unless explicitly configured.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("chat: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("chat: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Public is the sanitized description of the error class.
func (e *Error) Public() string {
	if e == nil {
		return ""
	}
	return publicMessages[e.Code]
}

// Cause returns the message of the underlying error.
func (e *Error) Cause() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Public()
	}
	return e.Err.Error()
}

// HTTPStatus maps the error class to a response status.
func (e *Error) HTTPStatus() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case ErrorInvalidInput:
		return http.StatusBadRequest
	case ErrorSessionNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// IsProviderFailure reports whether the error came from the model provider.
func (e *Error) IsProviderFailure() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case ErrorUpstream, ErrorUpstreamTimeout, ErrorRateLimited, ErrorBlocked, ErrorMalformedResponse:
		return true
	}
	return false
}

var publicMessages = map[ErrorCode]string{
	ErrorInvalidInput:      "invalid request",
	ErrorSessionNotFound:   "session not found",
	ErrorUpstream:          "the AI provider request failed",
	ErrorUpstreamTimeout:   "the AI provider did not answer in time",
	ErrorRateLimited:       "the AI provider is rate limiting requests",
	ErrorBlocked:           "the reply was withheld by the AI provider's safety filters",
	ErrorMalformedResponse: "the AI provider returned an unusable response",
	ErrorInternal:          "internal error",
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// AsError extracts a classified error, wrapping unknown errors as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return newError(ErrorInternal, "unclassified", err)
}

// classifyProviderError turns a provider failure into a classified error.
func classifyProviderError(err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newError(ErrorUpstreamTimeout, "provider_timeout", err)
	case errors.Is(err, ai.ErrBlocked):
		return newError(ErrorBlocked, "provider_blocked", err)
	case errors.Is(err, ai.ErrEmptyResponse):
		return newError(ErrorMalformedResponse, "provider_empty_response", err)
	}

	if status, ok := ai.StatusCode(err); ok {
		switch {
		case status == http.StatusTooManyRequests:
			return newError(ErrorRateLimited, "provider_rate_limited", err)
		case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
			return newError(ErrorUpstreamTimeout, "provider_timeout", err)
		}
	}
	return newError(ErrorUpstream, "provider_error", err)
}
