package bank

import (
	"errors"
	"fmt"
)

var (
	ErrUpstreamAuth       = errors.New("bank rejected client authentication")
	ErrServiceUnavailable = errors.New("bank service is unavailable")
	ErrNetworkTimeout     = errors.New("bank request timed out")
	ErrPaymentDefinitive  = errors.New("definitive bank rejection")
)

// UpstreamError carries a non-2xx bank response. It unwraps to one of the
// package sentinels so callers can classify it with errors.Is.
type UpstreamError struct {
	Endpoint   string
	StatusCode int
	Body       []byte
	kind       error
}

// NewUpstreamError classifies a non-2xx response from endpoint.
func NewUpstreamError(endpoint string, status int, body []byte) *UpstreamError {
	return &UpstreamError{
		Endpoint:   endpoint,
		StatusCode: status,
		Body:       body,
		kind:       classifyStatus(endpoint, status),
	}
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("[bank] %s returned status %d: %v", e.Endpoint, e.StatusCode, e.kind)
}

func (e *UpstreamError) Unwrap() error {
	return e.kind
}

func classifyStatus(endpoint string, status int) error {
	switch {
	case status == 401 || status == 403:
		return ErrUpstreamAuth
	case endpoint == EndpointToken && status >= 400 && status < 500:
		return ErrUpstreamAuth
	case status >= 500:
		return ErrServiceUnavailable
	default:
		return ErrPaymentDefinitive
	}
}
