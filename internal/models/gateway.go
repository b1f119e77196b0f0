package models

// SessionResponse is returned by the checkout gateway for a session lookup.
type SessionResponse struct {
	UUID string `json:"uuid"`
	URL  string `json:"url"`
}

// ReturnURLResponse is returned by the return-url endpoint. The merchant URL
// stays empty until the payment intent has been processed.
type ReturnURLResponse struct {
	MerchantReturnURL string `json:"merchantReturnUrl,omitempty"`
}

// PaymentResult is handed to the caller of a successful payment submission.
type PaymentResult struct {
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
	ResultCode      string `json:"resultCode,omitempty"`
	ReturnURL       string `json:"returnUrl"`
}
