package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrOutputOverflow is returned when the model keeps hitting its output limit after every
	// allowed budget increase.
	ErrOutputOverflow = errors.New("model output exceeded the output token limit")
	ErrNotConfigured  = errors.New("ai is not configured")
	// ErrInvalidMessage wraps every rejection of a user message's own content.
	ErrInvalidMessage = errors.New("invalid message")
	ErrServiceClosed  = errors.New("service closed")

	errTurnCancelled = errors.New("turn cancelled")
)

// ProviderError is a failed provider call with the HTTP status the backend answered with.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Throttled reports whether the backend asked the caller to slow down.
func (e *ProviderError) Throttled() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, 529:
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "overloaded_error") ||
		strings.Contains(msg, "rate_limit_error") ||
		strings.Contains(msg, "throttl")
}

func isThrottle(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Throttled()
	}
	return false
}

// userFacingError renders err for the error notification shown to the user.
func userFacingError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrOutputOverflow):
		return "The model response was too long even after raising the output limit. Try splitting the task into smaller steps."
	case errors.Is(err, ErrNotConfigured):
		return "The agent has no usable model configuration."
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Throttled() {
			return "The model provider is overloaded. Please try again later."
		}
		return fmt.Sprintf("The model provider rejected the request: %s", pe.Message)
	}
	return fmt.Sprintf("An error occurred: %v", err)
}
