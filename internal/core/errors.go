// Package core provides the error taxonomy and request fingerprints shared by
// the market-data client layers.
package core

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ErrorType represents the type of error that occurred
type ErrorType string

const (
	// ErrorTypeTransient indicates a connectivity failure or an upstream 5xx
	ErrorTypeTransient ErrorType = "transient_network_error"
	// ErrorTypeThrottled indicates the upstream rejected the call with 429
	ErrorTypeThrottled ErrorType = "throttled_error"
	// ErrorTypeInvalidRequest indicates a client error (4xx other than 404/429)
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	// ErrorTypeNotFound indicates the requested item does not exist (404)
	ErrorTypeNotFound ErrorType = "not_found_error"
	// ErrorTypeDecode indicates the payload could not be decoded
	ErrorTypeDecode ErrorType = "decode_error"
	// ErrorTypeOffline indicates the interception tier answered with a
	// synthesized empty payload because the network and its store both missed
	ErrorTypeOffline ErrorType = "offline_error"
)

// DefaultRetryAfter is used when a Retry-After header is present but unparseable.
const DefaultRetryAfter = time.Second

// FetchError is the base error type for all upstream fetch failures
type FetchError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code,omitempty"`
	// RetryAfter is the server-suggested wait before the next attempt.
	// Zero means no suggestion.
	RetryAfter time.Duration `json:"-"`
	Err        error         `json:"-"`
}

// Error implements the error interface
func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt could succeed.
func (e *FetchError) Retryable() bool {
	switch e.Type {
	case ErrorTypeTransient, ErrorTypeThrottled:
		return true
	default:
		return false
	}
}

// NewTransientError creates a connectivity or upstream 5xx error
func NewTransientError(statusCode int, message string, err error) *FetchError {
	return &FetchError{
		Type:       ErrorTypeTransient,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// NewThrottledError creates a 429 error carrying the server-suggested delay
func NewThrottledError(message string, retryAfter time.Duration) *FetchError {
	return &FetchError{
		Type:       ErrorTypeThrottled,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

// NewInvalidRequestError creates a non-retryable client error
func NewInvalidRequestError(statusCode int, message string) *FetchError {
	return &FetchError{
		Type:       ErrorTypeInvalidRequest,
		Message:    message,
		StatusCode: statusCode,
	}
}

// NewNotFoundError creates a not found error (404)
func NewNotFoundError(message string) *FetchError {
	return &FetchError{
		Type:       ErrorTypeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

// NewDecodeError wraps a payload decoding failure
func NewDecodeError(message string, err error) *FetchError {
	return &FetchError{
		Type:    ErrorTypeDecode,
		Message: message,
		Err:     err,
	}
}

// NewOfflineError marks a synthesized placeholder response. It is not
// retryable: the placeholder already is the offline answer.
func NewOfflineError(message string) *FetchError {
	return &FetchError{
		Type:    ErrorTypeOffline,
		Message: message,
	}
}

// IsOffline reports whether err carries an offline placeholder.
func IsOffline(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Type == ErrorTypeOffline
}

// ExhaustedRetriesError is returned once the retry budget is spent.
type ExhaustedRetriesError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempt(s): %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedRetriesError) Unwrap() error {
	return e.LastErr
}

// IsRetryable reports whether err is worth another attempt. Errors outside the
// taxonomy (dial failures, resets, timeouts) are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ex *ExhaustedRetriesError
	if errors.As(err, &ex) {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return true
}

// SuggestedDelay extracts a server-suggested delay from err, or zero.
func SuggestedDelay(err error) time.Duration {
	var fe *FetchError
	if errors.As(err, &fe) && fe.RetryAfter > 0 {
		return fe.RetryAfter
	}
	return 0
}

// ParseRetryAfter converts a Retry-After header into a delay. Both the
// delta-seconds and the HTTP-date forms are accepted; anything else present
// but unparseable yields DefaultRetryAfter. An empty header yields zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return DefaultRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return DefaultRetryAfter
}

// ParseUpstreamError maps a non-2xx upstream response to a FetchError.
// CoinGecko reports failures as {"status":{"error_message":...}} or
// {"error":...}; the raw body is used when neither is present.
func ParseUpstreamError(statusCode int, header http.Header, body []byte) *FetchError {
	message := http.StatusText(statusCode)
	if gjson.ValidBytes(body) {
		if m := gjson.GetBytes(body, "status.error_message"); m.Exists() && m.String() != "" {
			message = m.String()
		} else if m := gjson.GetBytes(body, "error"); m.Exists() && m.String() != "" {
			message = m.String()
		}
	} else if len(body) > 0 && len(body) <= 256 {
		message = strings.TrimSpace(string(body))
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewThrottledError(message, ParseRetryAfter(header.Get("Retry-After"), time.Now()))
	case statusCode == http.StatusNotFound:
		return NewNotFoundError(message)
	case statusCode >= 500:
		err := NewTransientError(statusCode, message, nil)
		err.RetryAfter = ParseRetryAfter(header.Get("Retry-After"), time.Now())
		return err
	case statusCode == http.StatusRequestTimeout:
		return NewTransientError(statusCode, message, nil)
	default:
		return NewInvalidRequestError(statusCode, message)
	}
}
