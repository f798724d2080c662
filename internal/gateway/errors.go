package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

var (
	ErrFieldNotFound     = errors.New("gateway response field not found")
	ErrMalformedResponse = errors.New("gateway response is not valid JSON")
	ErrCircuitOpen       = errors.New("gateway temporarily unavailable")
	ErrNotConfigured     = errors.New("gateway endpoint not configured")
)

// APIError is a non-2xx answer from an institution's API
type APIError struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"`
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gateway returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the status signals an upstream outage
func (e *APIError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// ClientError reports a 4xx rejection
func (e *APIError) ClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// isDialError reports failures that happened before the request left this host
func isDialError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// isTransient decides whether another attempt may succeed. Calls that move
// money are only retried when the request never reached the institution.
func isTransient(err error, idempotent bool) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return idempotent && apiErr.Temporary()
	}

	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrMalformedResponse) ||
		errors.Is(err, ErrFieldNotFound) || errors.Is(err, context.Canceled) {
		return false
	}

	if isDialError(err) {
		return true
	}

	if !idempotent {
		return false
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
