package models

import "encoding/json"

// ChangeLocalePayload is posted to the payment form when the shopper switches
// language.
type ChangeLocalePayload struct {
	Locale string `json:"locale"`
}

// StartPaymentAuthPayload is sent by the payment form when the payment needs a
// step-up authentication. AuthData is opaque and relayed verbatim.
type StartPaymentAuthPayload struct {
	AuthData json.RawMessage `json:"authData"`
	AuthURL  string          `json:"authUrl,omitempty"`
}

// PaymentAuthDataPayload carries step-up data into the authentication view.
type PaymentAuthDataPayload struct {
	AuthData json.RawMessage `json:"authData"`
}

// PaymentCompletedPayload reports a finished payment.
type PaymentCompletedPayload struct {
	PaymentIntentID string `json:"paymentIntentId"`
	ResultCode      string `json:"resultCode"`
	ReturnURL       string `json:"returnUrl,omitempty"`
}

// PaymentFailedPayload reports a failed payment. The same shape is relayed
// back to the payment form so it can show an inline error.
type PaymentFailedPayload struct {
	ErrorCode       string `json:"errorCode"`
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
}

// HeightChangedPayload is emitted by a child view whose content height changed.
type HeightChangedPayload struct {
	Height float64 `json:"height"`
}
