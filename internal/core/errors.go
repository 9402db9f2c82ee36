package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateSKU      = errors.New("SKU already exists")
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrEmptyFile         = errors.New("empty file")
	ErrMissingColumn     = errors.New("missing required column")
)

// DeliveryErrorKind classifies why a webhook delivery failed.
type DeliveryErrorKind string

const (
	DeliveryTimeout    DeliveryErrorKind = "timeout"
	DeliveryHTTPStatus DeliveryErrorKind = "http_status"
	DeliveryTransport  DeliveryErrorKind = "transport"
)

// DeliveryError is returned for a failed outbound webhook call.
// StatusCode is set only for DeliveryHTTPStatus.
type DeliveryError struct {
	Kind       DeliveryErrorKind
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	switch e.Kind {
	case DeliveryHTTPStatus:
		return fmt.Sprintf("webhook delivery: unexpected status %d", e.StatusCode)
	case DeliveryTimeout:
		return fmt.Sprintf("webhook delivery: timeout: %v", e.Err)
	default:
		return fmt.Sprintf("webhook delivery: %v", e.Err)
	}
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed. Client errors
// (4xx) are considered permanent.
func (e *DeliveryError) Retryable() bool {
	if e.Kind == DeliveryHTTPStatus {
		return e.StatusCode >= 500 || e.StatusCode == 429
	}
	return true
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
