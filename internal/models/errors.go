package models

import "fmt"

// PaymentFailedError is returned when the payment form reports a failure. The
// failure payload is kept verbatim.
type PaymentFailedError struct {
	Payload PaymentFailedPayload
}

func (e *PaymentFailedError) Error() string {
	if e.Payload.PaymentIntentID != "" {
		return fmt.Sprintf("payment failed: %s (payment intent %s)", e.Payload.ErrorCode, e.Payload.PaymentIntentID)
	}
	return fmt.Sprintf("payment failed: %s", e.Payload.ErrorCode)
}

// NewPaymentFailedError wraps the supplied payload.
func NewPaymentFailedError(payload PaymentFailedPayload) *PaymentFailedError {
	return &PaymentFailedError{Payload: payload}
}
