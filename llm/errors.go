package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/c360studio/semgov/policy"
)

// Unavailable reports a backend that could not be reached or refused service.
func Unavailable(adapterID string, err error) error {
	return &policy.Error{Kind: policy.KindAdapterUnavailable, AdapterID: adapterID, Err: err}
}

// Timeout reports a call that exceeded its deadline.
func Timeout(adapterID string, err error) error {
	return &policy.Error{Kind: policy.KindAdapterTimeout, AdapterID: adapterID, Err: err}
}

// Malformed reports output the adapter could not interpret. It signals an
// adapter logic problem rather than unavailability.
func Malformed(adapterID string, err error) error {
	return &policy.Error{Kind: policy.KindAdapterMalformedResponse, AdapterID: adapterID, Err: err}
}

// IsTransient reports whether err is an availability failure worth retrying.
func IsTransient(err error) bool {
	return policy.KindOf(err).Availability()
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	return err != nil && !IsTransient(err)
}

// classifyTransportError maps an http.Client.Do failure.
func classifyTransportError(adapterID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(adapterID, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout(adapterID, err)
	}
	return Unavailable(adapterID, fmt.Errorf("HTTP request failed: %w", err))
}

// classifyHTTPError maps a non-200 status to an adapter error kind.
func classifyHTTPError(adapterID string, statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("model API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusGatewayTimeout:
		return Timeout(adapterID, err)
	case statusCode == http.StatusTooManyRequests:
		return Unavailable(adapterID, err)
	case statusCode >= 500:
		return Unavailable(adapterID, err)
	default:
		// Auth failures and bad requests point at adapter configuration.
		return Malformed(adapterID, err)
	}
}
