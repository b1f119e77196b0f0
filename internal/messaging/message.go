package messaging

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/checkout-embed/internal/models"
)

// Kind names a cross-context message. It travels as the "name" field of the
// wire envelope.
type Kind string

const (
	KindPaymentComponentReady     Kind = "payment-component-ready"
	KindChangeLocale              Kind = "change-locale"
	KindSubmitPayment             Kind = "submit-payment"
	KindStartPaymentAuth          Kind = "start-payment-auth"
	KindSendPaymentAuthData       Kind = "send-payment-auth-data"
	KindPaymentAuthComponentReady Kind = "payment-auth-component-ready"
	KindPaymentCompleted          Kind = "payment-completed"
	KindPaymentFailed             Kind = "payment-failed"
	KindSendPaymentFailedData     Kind = "send-payment-failed-data"
	KindHeightChanged             Kind = "height-changed"
)

var (
	// ErrUnrecognized marks inbound data that is not a message envelope with a
	// known name.
	ErrUnrecognized = errors.New("unrecognized message")
	// ErrPayloadMismatch is returned when a payload does not have the shape
	// declared by the message kind.
	ErrPayloadMismatch = errors.New("payload does not match message kind")
)

// Known reports whether k is one of the recognized message kinds.
func (k Kind) Known() bool {
	switch k {
	case KindPaymentComponentReady, KindChangeLocale, KindSubmitPayment,
		KindStartPaymentAuth, KindSendPaymentAuthData, KindPaymentAuthComponentReady,
		KindPaymentCompleted, KindPaymentFailed, KindSendPaymentFailedData,
		KindHeightChanged:
		return true
	}
	return false
}

func (k Kind) carriesPayload() bool {
	switch k {
	case KindPaymentComponentReady, KindSubmitPayment, KindPaymentAuthComponentReady:
		return false
	}
	return true
}

// Message is a decoded cross-context message. Payload holds the models type
// that belongs to Kind, or nil for signal kinds.
type Message struct {
	Kind    Kind
	Payload any
}

// NewMessage builds a message after checking that payload matches kind.
func NewMessage(kind Kind, payload any) (Message, error) {
	if err := checkPayload(kind, payload); err != nil {
		return Message{}, err
	}
	return Message{Kind: kind, Payload: payload}, nil
}

// Signal builds a payload-less message such as submit-payment.
func Signal(kind Kind) Message {
	return Message{Kind: kind}
}

// ChangeLocale builds a change-locale message.
func ChangeLocale(locale string) Message {
	return Message{Kind: KindChangeLocale, Payload: models.ChangeLocalePayload{Locale: locale}}
}

// SendPaymentFailedData builds the failure relay posted back to the payment form.
func SendPaymentFailedData(p models.PaymentFailedPayload) Message {
	return Message{Kind: KindSendPaymentFailedData, Payload: p}
}

// SendPaymentAuthData builds the step-up data message for the authentication view.
func SendPaymentAuthData(authData json.RawMessage) Message {
	return Message{Kind: KindSendPaymentAuthData, Payload: models.PaymentAuthDataPayload{AuthData: authData}}
}

// PaymentCompleted returns the completion payload, if the message carries one.
func (m Message) PaymentCompleted() (models.PaymentCompletedPayload, bool) {
	p, ok := m.Payload.(models.PaymentCompletedPayload)
	return p, ok
}

// PaymentFailed returns the failure payload for payment-failed and
// send-payment-failed-data messages.
func (m Message) PaymentFailed() (models.PaymentFailedPayload, bool) {
	p, ok := m.Payload.(models.PaymentFailedPayload)
	return p, ok
}

// StartPaymentAuth returns the step-up request payload.
func (m Message) StartPaymentAuth() (models.StartPaymentAuthPayload, bool) {
	p, ok := m.Payload.(models.StartPaymentAuthPayload)
	return p, ok
}

// HeightChanged returns the height payload.
func (m Message) HeightChanged() (models.HeightChangedPayload, bool) {
	p, ok := m.Payload.(models.HeightChangedPayload)
	return p, ok
}

type envelope struct {
	Name    Kind            `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serialises msg into its wire envelope.
func Encode(msg Message) ([]byte, error) {
	if err := checkPayload(msg.Kind, msg.Payload); err != nil {
		return nil, err
	}
	env := envelope{Name: msg.Kind}
	if msg.Payload != nil {
		raw, err := json.Marshal(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("messaging: marshal %s payload: %w", msg.Kind, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Decode parses a wire envelope. Data that is not a JSON object with a known
// name yields ErrUnrecognized; a payload of the wrong shape yields
// ErrPayloadMismatch.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}
	if env.Name == "" {
		return Message{}, fmt.Errorf("%w: missing name", ErrUnrecognized)
	}
	if !env.Name.Known() {
		return Message{}, fmt.Errorf("%w: unknown name %q", ErrUnrecognized, env.Name)
	}

	payload, err := decodePayload(env.Name, env.Payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: env.Name, Payload: payload}, nil
}

func decodePayload(kind Kind, raw json.RawMessage) (any, error) {
	if !kind.carriesPayload() {
		return nil, nil
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: %s requires a payload", ErrPayloadMismatch, kind)
	}

	switch kind {
	case KindChangeLocale:
		p, err := decodeInto[models.ChangeLocalePayload](kind, raw)
		if err == nil && p.Locale == "" {
			err = missingField(kind, "locale")
		}
		return p, err
	case KindStartPaymentAuth:
		p, err := decodeInto[models.StartPaymentAuthPayload](kind, raw)
		if err == nil && len(p.AuthData) == 0 {
			err = missingField(kind, "authData")
		}
		return p, err
	case KindSendPaymentAuthData:
		p, err := decodeInto[models.PaymentAuthDataPayload](kind, raw)
		if err == nil && len(p.AuthData) == 0 {
			err = missingField(kind, "authData")
		}
		return p, err
	case KindPaymentCompleted:
		p, err := decodeInto[models.PaymentCompletedPayload](kind, raw)
		if err == nil && p.PaymentIntentID == "" {
			err = missingField(kind, "paymentIntentId")
		}
		return p, err
	case KindPaymentFailed, KindSendPaymentFailedData:
		p, err := decodeInto[models.PaymentFailedPayload](kind, raw)
		if err == nil && p.ErrorCode == "" {
			err = missingField(kind, "errorCode")
		}
		return p, err
	case KindHeightChanged:
		var p struct {
			Height *float64 `json:"height"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrPayloadMismatch, kind, err)
		}
		if p.Height == nil {
			return nil, missingField(kind, "height")
		}
		return models.HeightChangedPayload{Height: *p.Height}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnrecognized, kind)
}

func decodeInto[T any](kind Kind, raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrPayloadMismatch, kind, err)
	}
	return out, nil
}

func missingField(kind Kind, field string) error {
	return fmt.Errorf("%w: %s payload missing %s", ErrPayloadMismatch, kind, field)
}

func checkPayload(kind Kind, payload any) error {
	if !kind.Known() {
		return fmt.Errorf("%w: unknown name %q", ErrUnrecognized, kind)
	}

	var ok bool
	switch kind {
	case KindPaymentComponentReady, KindSubmitPayment, KindPaymentAuthComponentReady:
		ok = payload == nil
	case KindChangeLocale:
		_, ok = payload.(models.ChangeLocalePayload)
	case KindStartPaymentAuth:
		_, ok = payload.(models.StartPaymentAuthPayload)
	case KindSendPaymentAuthData:
		_, ok = payload.(models.PaymentAuthDataPayload)
	case KindPaymentCompleted:
		_, ok = payload.(models.PaymentCompletedPayload)
	case KindPaymentFailed, KindSendPaymentFailedData:
		_, ok = payload.(models.PaymentFailedPayload)
	case KindHeightChanged:
		_, ok = payload.(models.HeightChangedPayload)
	}
	if !ok {
		return fmt.Errorf("%w: %s cannot carry %T", ErrPayloadMismatch, kind, payload)
	}
	return nil
}
