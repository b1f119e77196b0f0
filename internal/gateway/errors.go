package gateway

import (
	"errors"
	"fmt"
)

// ErrTransient and ErrPermanent classify gateway failures. Transient failures
// may succeed on a later attempt; permanent ones will not.
var (
	ErrTransient = errors.New("transient gateway error")
	ErrPermanent = errors.New("permanent gateway error")
)

// WrapTransient annotates an error so callers can detect transient failures.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// WrapPermanent annotates an error as permanent.
func WrapPermanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// classifyStatus maps a non-2xx HTTP status to a failure class.
func classifyStatus(code int, err error) error {
	switch {
	case code == 408 || code == 425 || code == 429:
		return WrapTransient(err)
	case code >= 400 && code < 500:
		return WrapPermanent(err)
	default:
		return WrapTransient(err)
	}
}
