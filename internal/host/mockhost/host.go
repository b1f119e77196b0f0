package mockhost

import (
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

// Scenario selects how the simulated payment form answers a submission.
type Scenario string

const (
	ScenarioSuccess        Scenario = "success"
	ScenarioDeclined       Scenario = "declined"
	ScenarioStepUp         Scenario = "step_up"
	ScenarioStepUpDeclined Scenario = "step_up_declined"
	ScenarioRedirect       Scenario = "redirect"
	// ScenarioManual loads and reports ready but never answers; tests drive
	// the remaining traffic through Emit.
	ScenarioManual Scenario = "manual"
	// ScenarioSilent loads but never reports ready.
	ScenarioSilent Scenario = "silent"
)

// Frame names understood by the simulated pages.
const (
	NameCheckout    = "checkout"
	NamePaymentAuth = "payment-auth"
)

var (
	// ErrMountNotFound is returned by Resolve for an unknown mount target.
	ErrMountNotFound = errors.New("mock host: mount target not found")
	// ErrUnknownView is returned when addressing a view that was never attached.
	ErrUnknownView = errors.New("mock host: unknown view")
)

// Option customises the mock host at construction time.
type Option func(*Host)

// WithScenario overrides the default scenario.
func WithScenario(s Scenario) Option {
	return func(h *Host) {
		if s != "" {
			h.scenario = s
		}
	}
}

// WithLatency sets the delay before a view reports it has loaded.
func WithLatency(d time.Duration) Option {
	return func(h *Host) {
		if d < 0 {
			d = 0
		}
		h.latency = d
	}
}

// WithAuthURL sets the step-up URL announced by step-up scenarios.
func WithAuthURL(u string) Option {
	return func(h *Host) {
		h.authURL = u
	}
}

// WithMountTargets restricts Resolve to the given targets.
func WithMountTargets(targets ...string) Option {
	return func(h *Host) {
		for _, t := range targets {
			h.mounts[t] = struct{}{}
		}
	}
}

// WithStalledNavigation makes form submissions never navigate.
func WithStalledNavigation() Option {
	return func(h *Host) {
		h.stallNavigation = true
	}
}

// WithoutLoad makes attached views never report they have loaded.
func WithoutLoad() Option {
	return func(h *Host) {
		h.neverLoad = true
	}
}

type delivery struct {
	origin string
	data   []byte
}

// Host is an in-process embedding platform. Each attached view runs a small
// simulated page that answers the checkout protocol according to the
// configured scenario.
type Host struct {
	bus             *messaging.Bus
	logger          zerolog.Logger
	scenario        Scenario
	latency         time.Duration
	authURL         string
	mounts          map[string]struct{}
	stallNavigation bool
	neverLoad       bool

	mu          sync.Mutex
	views       map[string]*view
	order       []string
	submissions []frame.FormSubmission
	queue       []delivery

	notify    chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New constructs a mock host delivering inbound traffic to bus. Close must
// be called to stop the delivery goroutine.
func New(bus *messaging.Bus, logger zerolog.Logger, opts ...Option) *Host {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	h := &Host{
		bus:      bus,
		logger:   logger,
		scenario: ScenarioSuccess,
		latency:  10 * time.Millisecond,
		authURL:  "https://auth.mock.local/step-up",
		mounts:   make(map[string]struct{}),
		views:    make(map[string]*view),
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	go h.run()
	return h
}

// Close stops inbound delivery.
func (h *Host) Close() error {
	h.closeOnce.Do(func() {
		close(h.stop)
		<-h.done
	})
	return nil
}

// Resolve accepts any non-empty target unless WithMountTargets was used.
func (h *Host) Resolve(target string) (frame.MountPoint, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return frame.MountPoint{}, fmt.Errorf("%w: empty target", ErrMountNotFound)
	}
	if len(h.mounts) > 0 {
		if _, ok := h.mounts[target]; !ok {
			return frame.MountPoint{}, fmt.Errorf("%w: %s", ErrMountNotFound, target)
		}
	}
	return frame.MountPoint{Target: target}, nil
}

// Attach creates a simulated view and starts its page.
func (h *Host) Attach(_ context.Context, spec frame.ViewSpec) (frame.View, error) {
	v := &view{
		host:     h,
		spec:     spec,
		loaded:   make(chan struct{}),
		scenario: h.scenarioFor(spec),
	}

	h.mu.Lock()
	// Mounting replaces whatever was attached at the same target.
	for _, id := range h.order {
		if old := h.views[id]; old != nil && old.spec.Mount == spec.Mount && spec.Name == old.spec.Name {
			old.markDetached()
		}
	}
	h.views[spec.ID] = v
	h.order = append(h.order, spec.ID)
	h.mu.Unlock()

	h.logger.Debug().
		Str("view_id", spec.ID).
		Str("name", spec.Name).
		Str("src", spec.Src).
		Msg("mock host: view attached")

	if !h.neverLoad {
		time.AfterFunc(h.latency, v.load)
	}
	return v, nil
}

// SubmitForm records a redirect form and navigates after the host latency.
func (h *Host) SubmitForm(_ context.Context, form frame.FormSubmission) (<-chan struct{}, error) {
	if form.URL == "" {
		return nil, errors.New("mock host: form url is required")
	}
	h.mu.Lock()
	h.submissions = append(h.submissions, form)
	h.mu.Unlock()

	navigated := make(chan struct{})
	if !h.stallNavigation {
		time.AfterFunc(h.latency, func() { close(navigated) })
	}
	return navigated, nil
}

// Emit sends msg to the bus as if the view with the given id had posted it.
func (h *Host) Emit(viewID string, msg messaging.Message) error {
	data, err := messaging.Encode(msg)
	if err != nil {
		return err
	}
	return h.EmitRaw(viewID, data)
}

// EmitRaw sends raw wire data from the given view.
func (h *Host) EmitRaw(viewID string, data []byte) error {
	h.mu.Lock()
	v, ok := h.views[viewID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownView, viewID)
	}
	if v.isDetached() {
		return fmt.Errorf("%w: %s", messaging.ErrWindowClosed, viewID)
	}
	h.enqueue(delivery{origin: viewID, data: data})
	return nil
}

// Views returns the specs of every view attached so far, oldest first.
func (h *Host) Views() []frame.ViewSpec {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]frame.ViewSpec, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.views[id].spec)
	}
	return out
}

// ViewByName returns the most recently attached view with the given name.
func (h *Host) ViewByName(name string) (frame.ViewSpec, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.order) - 1; i >= 0; i-- {
		if v := h.views[h.order[i]]; v.spec.Name == name {
			return v.spec, true
		}
	}
	return frame.ViewSpec{}, false
}

// Posted returns the messages the host side posted into a view.
func (h *Host) Posted(viewID string) []messaging.Message {
	h.mu.Lock()
	v, ok := h.views[viewID]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]messaging.Message(nil), v.posted...)
}

// Detached reports whether a view has been detached.
func (h *Host) Detached(viewID string) bool {
	h.mu.Lock()
	v, ok := h.views[viewID]
	h.mu.Unlock()
	return ok && v.isDetached()
}

// Height returns the last height applied to a view.
func (h *Host) Height(viewID string) int {
	h.mu.Lock()
	v, ok := h.views[viewID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.height
}

// Submissions returns the redirect forms submitted so far.
func (h *Host) Submissions() []frame.FormSubmission {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]frame.FormSubmission(nil), h.submissions...)
}

func (h *Host) scenarioFor(spec frame.ViewSpec) Scenario {
	if u, err := url.Parse(spec.Src); err == nil {
		if s := strings.TrimSpace(u.Query().Get("scenario")); s != "" {
			return Scenario(strings.ToLower(s))
		}
	}
	return h.scenario
}

func (h *Host) enqueue(d delivery) {
	h.mu.Lock()
	h.queue = append(h.queue, d)
	h.mu.Unlock()
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *Host) run() {
	defer close(h.done)
	for {
		select {
		case <-h.stop:
			return
		case <-h.notify:
		}
		for {
			h.mu.Lock()
			if len(h.queue) == 0 {
				h.mu.Unlock()
				break
			}
			d := h.queue[0]
			h.queue = h.queue[1:]
			h.mu.Unlock()

			h.bus.HandleInbound(context.Background(), d.origin, d.data)
		}
	}
}

// react runs the simulated page logic for a message posted into v.
func (h *Host) react(v *view, msg messaging.Message) {
	switch msg.Kind {
	case messaging.KindSubmitPayment:
		h.answerSubmit(v)
	case messaging.KindSendPaymentAuthData:
		switch v.scenario {
		case ScenarioStepUpDeclined:
			h.emitFrom(v, messaging.KindPaymentFailed, models.PaymentFailedPayload{ErrorCode: "authentication_failed", PaymentIntentID: "pi_mock"})
		case ScenarioManual, ScenarioSilent:
		default:
			h.emitFrom(v, messaging.KindPaymentCompleted, models.PaymentCompletedPayload{PaymentIntentID: "pi_mock", ResultCode: "authorised"})
		}
	}
}

func (h *Host) answerSubmit(v *view) {
	switch v.scenario {
	case ScenarioSuccess:
		h.emitFrom(v, messaging.KindPaymentCompleted, models.PaymentCompletedPayload{PaymentIntentID: "pi_mock", ResultCode: "authorised"})
	case ScenarioDeclined:
		h.emitFrom(v, messaging.KindPaymentFailed, models.PaymentFailedPayload{ErrorCode: "card_declined", PaymentIntentID: "pi_mock"})
	case ScenarioStepUp, ScenarioStepUpDeclined:
		h.emitFrom(v, messaging.KindStartPaymentAuth, models.StartPaymentAuthPayload{
			AuthData: json.RawMessage(`{"type":"challenge","token":"mock-challenge"}`),
			AuthURL:  h.authURLFor(v.scenario),
		})
	case ScenarioRedirect:
		h.emitFrom(v, messaging.KindStartPaymentAuth, models.StartPaymentAuthPayload{
			AuthData: json.RawMessage(`{"type":"redirect","method":"POST","url":"https://acs.mock.local/redirect","data":{"PaReq":"mock-pareq","MD":"mock-md"}}`),
		})
	}
}

func (h *Host) authURLFor(s Scenario) string {
	u, err := url.Parse(h.authURL)
	if err != nil {
		return h.authURL
	}
	q := u.Query()
	q.Set("scenario", string(s))
	u.RawQuery = q.Encode()
	return u.String()
}

func (h *Host) emitFrom(v *view, kind messaging.Kind, payload any) {
	msg, err := messaging.NewMessage(kind, payload)
	if err != nil {
		h.logger.Error().Err(err).Msg("mock host: build message")
		return
	}
	if err := h.Emit(v.spec.ID, msg); err != nil {
		h.logger.Debug().Err(err).Str("view_id", v.spec.ID).Msg("mock host: emit dropped")
	}
}

type view struct {
	host     *Host
	spec     frame.ViewSpec
	scenario Scenario
	loaded   chan struct{}

	mu       sync.Mutex
	posted   []messaging.Message
	height   int
	detached bool
	isLoaded bool
}

func (v *view) load() {
	v.mu.Lock()
	if v.detached || v.isLoaded {
		v.mu.Unlock()
		return
	}
	v.isLoaded = true
	close(v.loaded)
	v.mu.Unlock()

	if v.scenario == ScenarioSilent {
		return
	}
	ready := messaging.KindPaymentComponentReady
	if v.spec.Name == NamePaymentAuth {
		ready = messaging.KindPaymentAuthComponentReady
	}
	v.host.emitFrom(v, ready, nil)
}

func (v *view) Window() messaging.Window { return (*window)(v) }

func (v *view) Loaded() <-chan struct{} { return v.loaded }

func (v *view) SetHeight(px int) {
	v.mu.Lock()
	v.height = px
	v.mu.Unlock()
}

func (v *view) Detach() error {
	v.markDetached()
	return nil
}

func (v *view) markDetached() {
	v.mu.Lock()
	v.detached = true
	v.mu.Unlock()
}

func (v *view) isDetached() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.detached
}

type window view

func (w *window) ID() string { return w.spec.ID }

func (w *window) PostMessage(data []byte, _ string) error {
	v := (*view)(w)
	msg, err := messaging.Decode(data)
	if err != nil {
		return err
	}

	v.mu.Lock()
	if v.detached {
		v.mu.Unlock()
		return messaging.ErrWindowClosed
	}
	v.posted = append(v.posted, msg)
	v.mu.Unlock()

	v.host.react(v, msg)
	return nil
}
