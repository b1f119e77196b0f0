package paymentauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/checkout-embed/internal/frame"
	"github.com/example/checkout-embed/internal/messaging"
	"github.com/example/checkout-embed/internal/models"
)

var (
	// ErrRedirectTimeout is returned when a redirect step-up did not navigate
	// within the grace period.
	ErrRedirectTimeout = errors.New("payment auth redirect timed out")
	// ErrRedirected is returned by WaitForCompletion on a redirect flow: the
	// result is delivered to the page the browser navigated to.
	ErrRedirected = errors.New("payment auth continued by redirect")
	// ErrNavigationUnsupported is returned when a redirect is requested on a
	// host that cannot navigate.
	ErrNavigationUnsupported = errors.New("host does not support navigation")
	// ErrInvalidAuthData is returned for step-up data the flow cannot act on.
	ErrInvalidAuthData = errors.New("invalid payment auth data")
	// ErrFlowDestroyed is returned by WaitForCompletion after Destroy.
	ErrFlowDestroyed = errors.New("payment auth flow destroyed")
	// ErrNotInitialized is returned by WaitForCompletion before Initialize.
	ErrNotInitialized = errors.New("payment auth flow not initialized")
)

const (
	// FrameName names the step-up frame.
	FrameName = "payment-auth"
	// DefaultRedirectGrace bounds how long a redirect may take to navigate.
	DefaultRedirectGrace = 10 * time.Second

	overlayZIndex = "16777271"
)

// Mode is the branch a flow runs, fixed at construction.
type Mode int

const (
	ModeEmbedded Mode = iota
	ModeRedirect
)

func (m Mode) String() string {
	if m == ModeRedirect {
		return "redirect"
	}
	return "embedded"
}

// Config carries the step-up data received from the payment form plus the
// timeouts the flow applies.
type Config struct {
	AuthData      json.RawMessage
	AuthURL       string
	TargetOrigin  string
	Mount         frame.MountPoint
	LoadTimeout   time.Duration
	ReadyTimeout  time.Duration
	RedirectGrace time.Duration
	// OnMount is called with the step-up frame id once it is mounted and
	// before the step-up data is delivered.
	OnMount func(frameID string)
}

type redirectData struct {
	Type   string                     `json:"type"`
	Method string                     `json:"method"`
	URL    string                     `json:"url"`
	Data   map[string]json.RawMessage `json:"data"`
}

type result struct {
	payload models.PaymentCompletedPayload
	err     error
}

// Flow drives one step-up authentication. Embedded flows mount a
// full-viewport frame and hand it the step-up data; redirect flows navigate
// the host page with a form submission.
type Flow struct {
	bus    *messaging.Bus
	host   frame.Host
	cfg    Config
	mode   Mode
	form   frame.FormSubmission
	logger zerolog.Logger

	mu          sync.Mutex
	frame       *frame.Frame
	subs        []string
	cancelInit  context.CancelFunc
	initialized bool
	destroyed   bool
	settled     bool
	done        chan result
}

// New validates the step-up data and selects the flow's branch.
func New(bus *messaging.Bus, host frame.Host, cfg Config, logger zerolog.Logger) (*Flow, error) {
	if bus == nil {
		return nil, errors.New("paymentauth: message bus is required")
	}
	if host == nil {
		return nil, errors.New("paymentauth: host is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if cfg.RedirectGrace <= 0 {
		cfg.RedirectGrace = DefaultRedirectGrace
	}
	if cfg.Mount.Target == "" {
		cfg.Mount.Target = "body"
	}

	trimmed := bytes.TrimSpace(cfg.AuthData)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: auth data must be an object", ErrInvalidAuthData)
	}
	var data redirectData
	if err := json.Unmarshal(trimmed, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAuthData, err)
	}

	f := &Flow{
		bus:    bus,
		host:   host,
		cfg:    cfg,
		logger: logger.With().Str("component", "paymentauth").Logger(),
		done:   make(chan result, 1),
	}

	if data.Type == "redirect" {
		form, err := buildForm(data)
		if err != nil {
			return nil, err
		}
		f.mode = ModeRedirect
		f.form = form
		return f, nil
	}

	if _, err := url.ParseRequestURI(cfg.AuthURL); err != nil || cfg.AuthURL == "" {
		return nil, fmt.Errorf("%w: auth url %q", ErrInvalidAuthData, cfg.AuthURL)
	}
	f.mode = ModeEmbedded
	return f, nil
}

// Mode returns the flow's branch.
func (f *Flow) Mode() Mode {
	return f.mode
}

// Frame returns the step-up frame of an embedded flow, or nil.
func (f *Flow) Frame() *frame.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frame
}

// FrameID returns the step-up frame id, or an empty string.
func (f *Flow) FrameID() string {
	if fr := f.Frame(); fr != nil {
		return fr.ID()
	}
	return ""
}

// Initialize runs the flow's branch. For embedded flows it returns once the
// step-up data has been posted to the auth frame; for redirect flows once the
// host started navigating.
func (f *Flow) Initialize(ctx context.Context) error {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return ErrFlowDestroyed
	}
	if f.initialized {
		f.mu.Unlock()
		return errors.New("paymentauth: already initialized")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	f.initialized = true
	f.cancelInit = cancel
	f.mu.Unlock()

	var err error
	if f.mode == ModeRedirect {
		err = f.redirect(ctx)
	} else {
		err = f.embed(ctx)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelInit = nil
	if err != nil && f.destroyed {
		return ErrFlowDestroyed
	}
	return err
}

func (f *Flow) redirect(ctx context.Context) error {
	nav, ok := f.host.(frame.Navigator)
	if !ok {
		return ErrNavigationUnsupported
	}

	f.logger.Info().
		Str("method", f.form.Method).
		Str("url", f.form.URL).
		Int("fields", len(f.form.Fields)).
		Msg("paymentauth: submitting redirect form")

	navigated, err := nav.SubmitForm(ctx, f.form)
	if err != nil {
		return fmt.Errorf("paymentauth: submit form: %w", err)
	}

	timer := time.NewTimer(f.cfg.RedirectGrace)
	defer timer.Stop()
	select {
	case <-navigated:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrRedirectTimeout, f.cfg.RedirectGrace)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Flow) embed(ctx context.Context) error {
	fr, err := frame.New(f.bus, f.host, frame.Options{
		Name: FrameName,
		Src:  f.cfg.AuthURL,
		Styles: map[string]string{
			"position": "fixed",
			"top":      "0",
			"left":     "0",
			"width":    "100vw",
			"height":   "100vh",
			"zIndex":   overlayZIndex,
		},
		Mount: f.cfg.Mount,
	}, f.logger)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return ErrFlowDestroyed
	}
	f.frame = fr
	f.mu.Unlock()

	ready := fr.Expect(messaging.KindPaymentAuthComponentReady, f.cfg.ReadyTimeout)
	if _, err := fr.Mount(ctx); err != nil {
		ready.Cancel()
		return err
	}

	// Listen for the outcome before the step-up page can produce one.
	completedID, err := fr.Subscribe(messaging.KindPaymentCompleted, f.onCompleted)
	if err != nil {
		ready.Cancel()
		return err
	}
	failedID, err := fr.Subscribe(messaging.KindPaymentFailed, f.onFailed)
	if err != nil {
		ready.Cancel()
		f.bus.Unsubscribe(completedID)
		return err
	}
	f.mu.Lock()
	if f.destroyed {
		// Destroy already ran its cleanup and will not see these ids.
		f.mu.Unlock()
		ready.Cancel()
		f.bus.Unsubscribe(completedID)
		f.bus.Unsubscribe(failedID)
		return ErrFlowDestroyed
	}
	f.subs = append(f.subs, completedID, failedID)
	f.mu.Unlock()
	if f.cfg.OnMount != nil {
		f.cfg.OnMount(fr.ID())
	}

	if err := fr.WaitForLoad(ctx, f.cfg.LoadTimeout); err != nil {
		ready.Cancel()
		return err
	}
	if _, err := ready.Wait(ctx); err != nil {
		return fmt.Errorf("paymentauth: wait for auth component: %w", err)
	}
	if err := fr.PostMessage(messaging.SendPaymentAuthData(f.cfg.AuthData), f.cfg.TargetOrigin); err != nil {
		return fmt.Errorf("paymentauth: post auth data: %w", err)
	}

	f.logger.Debug().Str("frame_id", fr.ID()).Msg("paymentauth: auth data delivered")
	return nil
}

// WaitForCompletion blocks until the step-up frame reports the payment
// outcome.
func (f *Flow) WaitForCompletion(ctx context.Context) (models.PaymentCompletedPayload, error) {
	if f.mode == ModeRedirect {
		return models.PaymentCompletedPayload{}, ErrRedirected
	}
	f.mu.Lock()
	initialized := f.initialized
	f.mu.Unlock()
	if !initialized {
		return models.PaymentCompletedPayload{}, ErrNotInitialized
	}

	select {
	case res := <-f.done:
		f.done <- res
		return res.payload, res.err
	case <-ctx.Done():
		return models.PaymentCompletedPayload{}, ctx.Err()
	}
}

// Destroy removes the step-up frame and its listeners. It is idempotent.
func (f *Flow) Destroy() {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return
	}
	f.destroyed = true
	fr := f.frame
	subs := f.subs
	f.subs = nil
	cancelInit := f.cancelInit
	f.cancelInit = nil
	f.mu.Unlock()

	if cancelInit != nil {
		cancelInit()
	}
	for _, id := range subs {
		f.bus.Unsubscribe(id)
	}
	if fr != nil {
		fr.Unmount()
	}
	f.settle(result{err: ErrFlowDestroyed})
	f.logger.Debug().Str("mode", f.mode.String()).Msg("paymentauth: destroyed")
}

func (f *Flow) onCompleted(_ context.Context, msg messaging.Message) error {
	p, ok := msg.PaymentCompleted()
	if !ok {
		return fmt.Errorf("paymentauth: unexpected completed payload %T", msg.Payload)
	}
	f.settle(result{payload: p})
	return nil
}

func (f *Flow) onFailed(_ context.Context, msg messaging.Message) error {
	p, ok := msg.PaymentFailed()
	if !ok {
		return fmt.Errorf("paymentauth: unexpected failed payload %T", msg.Payload)
	}
	f.settle(result{err: models.NewPaymentFailedError(p)})
	return nil
}

// settle records the first outcome and drops the outcome listeners.
func (f *Flow) settle(res result) {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return
	}
	f.settled = true
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()

	for _, id := range subs {
		f.bus.Unsubscribe(id)
	}
	f.done <- res
}

func buildForm(data redirectData) (frame.FormSubmission, error) {
	method := strings.ToUpper(strings.TrimSpace(data.Method))
	if method == "" {
		method = "POST"
	}
	if method != "POST" && method != "GET" {
		return frame.FormSubmission{}, fmt.Errorf("%w: unsupported method %q", ErrInvalidAuthData, data.Method)
	}
	u, err := url.Parse(strings.TrimSpace(data.URL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return frame.FormSubmission{}, fmt.Errorf("%w: redirect url %q", ErrInvalidAuthData, data.URL)
	}

	fields := make(map[string]string, len(data.Data))
	for name, raw := range data.Data {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			fields[name] = s
			continue
		}
		fields[name] = string(bytes.TrimSpace(raw))
	}
	return frame.FormSubmission{Method: method, URL: u.String(), Fields: fields}, nil
}
