package checkout

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/checkout-embed/internal/frame"
	"github.com/example/checkout-embed/internal/gateway"
	"github.com/example/checkout-embed/internal/messaging"
	"github.com/example/checkout-embed/internal/models"
	"github.com/example/checkout-embed/internal/paymentauth"
	"github.com/example/checkout-embed/internal/util"
)

var (
	// ErrNotReady is returned when an operation needs an initialized checkout
	// that is not busy with another submission.
	ErrNotReady = errors.New("checkout not initialized")
	// ErrDestroyed is returned for work cut short by Destroy.
	ErrDestroyed = errors.New("checkout destroyed")
	// ErrAlreadyInitialized is returned by a second Initialize call.
	ErrAlreadyInitialized = errors.New("checkout already initialized")
)

// FrameName names the primary payment form frame.
const FrameName = "checkout"

// State is the orchestrator lifecycle state.
type State int

const (
	StateCreated State = iota
	StateInitializing
	StateReady
	StateSubmitting
	StateAwaitingStepUp
	StateCompleted
	StateFailed
	StateRedirected
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateSubmitting:
		return "submitting"
	case StateAwaitingStepUp:
		return "awaiting_step_up"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateRedirected:
		return "redirected"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config controls a checkout instance.
type Config struct {
	SessionUUID       string
	Locale            string
	TargetOrigin      string
	LoadTimeout       time.Duration
	ReadyTimeout      time.Duration
	DefaultAuthURL    string
	RedirectGrace     time.Duration
	ReturnURLAttempts int
	ReturnURLInterval time.Duration
}

// Dependencies collects the runtime collaborators of the orchestrator.
type Dependencies struct {
	Bus     *messaging.Bus
	Host    frame.Host
	Gateway gateway.Gateway
	Logger  zerolog.Logger
	Tracer  trace.Tracer
}

// Orchestrator embeds the payment form, submits the payment and resolves the
// outcome, including any step-up authentication.
type Orchestrator struct {
	cfg     Config
	bus     *messaging.Bus
	host    frame.Host
	gateway gateway.Gateway
	poller  *Poller
	logger  zerolog.Logger
	tracer  trace.Tracer

	mu         sync.Mutex
	state      State
	primary    *frame.Frame
	session    *submission
	initCancel context.CancelFunc
}

type outcome struct {
	result models.PaymentResult
	err    error
	state  State
}

// submission tracks one SubmitPayment call from the submit signal to its
// single outcome.
type submission struct {
	ctx    context.Context
	cancel context.CancelFunc

	completedID string
	failedID    string
	startAuthID string

	// guarded by Orchestrator.mu
	claimed bool
	flow    *paymentauth.Flow
	authSeq int

	settleOnce sync.Once
	done       chan outcome
}

// New constructs an orchestrator. The configuration and dependencies are
// validated up front.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if _, err := util.ParseUUIDv4(cfg.SessionUUID); err != nil {
		return nil, fmt.Errorf("checkout: session uuid: %w", err)
	}
	if cfg.Locale != "" {
		locale, err := util.NormalizeLocale(cfg.Locale)
		if err != nil {
			return nil, fmt.Errorf("checkout: %w", err)
		}
		cfg.Locale = locale
	}
	origin, err := util.NormalizeOrigin(cfg.TargetOrigin)
	if err != nil {
		return nil, fmt.Errorf("checkout: %w", err)
	}
	cfg.TargetOrigin = origin

	if deps.Bus == nil {
		return nil, errors.New("checkout: message bus dependency is required")
	}
	if deps.Host == nil {
		return nil, errors.New("checkout: host dependency is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("checkout: gateway dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "checkout").Str("session_uuid", cfg.SessionUUID).Logger()

	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("checkout-embed/checkout")
	}

	return &Orchestrator{
		cfg:     cfg,
		bus:     deps.Bus,
		host:    deps.Host,
		gateway: deps.Gateway,
		poller:  NewPoller(deps.Gateway, cfg.ReturnURLAttempts, cfg.ReturnURLInterval, logger),
		logger:  logger,
		tracer:  tracer,
		state:   StateCreated,
	}, nil
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Initialize mounts the payment form at mountTarget and waits until it
// reports ready. Any failure leaves the checkout Failed with the frame removed.
func (o *Orchestrator) Initialize(ctx context.Context, mountTarget string) (bool, error) {
	o.mu.Lock()
	if o.state != StateCreated {
		state := o.state
		o.mu.Unlock()
		if state == StateDestroyed {
			return false, ErrDestroyed
		}
		return false, ErrAlreadyInitialized
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.state = StateInitializing
	o.initCancel = cancel
	o.mu.Unlock()

	ctx, span := o.tracer.Start(ctx, "checkout.Initialize")
	defer span.End()
	span.SetAttributes(attribute.String("checkout.mount_target", mountTarget))

	if err := o.initialize(ctx, mountTarget); err != nil {
		destroyed := o.failInitialize(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "initialize failed")
		if destroyed {
			return false, ErrDestroyed
		}
		return false, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.initCancel = nil
	if o.state != StateInitializing {
		return false, ErrDestroyed
	}
	o.state = StateReady
	o.logger.Info().Msg("checkout: payment form ready")
	return true, nil
}

func (o *Orchestrator) initialize(ctx context.Context, mountTarget string) error {
	mount, err := o.host.Resolve(mountTarget)
	if err != nil {
		return fmt.Errorf("checkout: resolve mount target: %w", err)
	}

	session, err := o.gateway.FetchSession(ctx, o.cfg.SessionUUID, o.cfg.Locale)
	if err != nil {
		return fmt.Errorf("checkout: fetch session: %w", err)
	}

	primary, err := frame.New(o.bus, o.host, frame.Options{
		Name:       FrameName,
		Src:        session.URL,
		Styles:     map[string]string{"minHeight": "230px"},
		Mount:      mount,
		AutoResize: true,
	}, o.logger)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.state != StateInitializing {
		o.mu.Unlock()
		return ErrDestroyed
	}
	o.primary = primary
	o.mu.Unlock()

	// The form may report ready as soon as it loads.
	ready := primary.Expect(messaging.KindPaymentComponentReady, o.cfg.ReadyTimeout)
	if _, err := primary.Mount(ctx); err != nil {
		ready.Cancel()
		return err
	}
	if err := primary.WaitForLoad(ctx, o.cfg.LoadTimeout); err != nil {
		ready.Cancel()
		return err
	}
	if _, err := ready.Wait(ctx); err != nil {
		return fmt.Errorf("checkout: wait for payment form: %w", err)
	}
	return nil
}

// failInitialize reports whether the checkout was destroyed while
// initializing.
func (o *Orchestrator) failInitialize(err error) bool {
	o.mu.Lock()
	primary := o.primary
	o.primary = nil
	o.initCancel = nil
	destroyed := o.state == StateDestroyed
	if o.state == StateInitializing {
		o.state = StateFailed
	}
	o.mu.Unlock()

	if primary != nil {
		primary.Unmount()
	}
	if destroyed {
		o.logger.Info().Err(err).Msg("checkout: initialize interrupted by destroy")
		return true
	}
	o.logger.Error().Err(err).Msg("checkout: initialize failed")
	return false
}

// UpdateLocale switches the payment form language. It does not wait for the
// form to acknowledge the change.
func (o *Orchestrator) UpdateLocale(locale string) error {
	o.mu.Lock()
	state := o.state
	primary := o.primary
	o.mu.Unlock()
	if state != StateReady || primary == nil {
		return ErrNotReady
	}

	normalized, err := util.NormalizeLocale(locale)
	if err != nil {
		return fmt.Errorf("checkout: %w", err)
	}
	return primary.PostMessage(messaging.ChangeLocale(normalized), o.cfg.TargetOrigin)
}

// SubmitPayment asks the payment form to submit and blocks until the payment
// completes, fails, or ctx is done. It settles exactly once.
func (o *Orchestrator) SubmitPayment(ctx context.Context) (models.PaymentResult, error) {
	ctx, span := o.tracer.Start(ctx, "checkout.SubmitPayment")
	defer span.End()

	s, primary, err := o.beginSubmission(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "not ready")
		return models.PaymentResult{}, err
	}

	if err := primary.PostMessage(messaging.Signal(messaging.KindSubmitPayment), o.cfg.TargetOrigin); err != nil {
		o.settle(s, outcome{err: fmt.Errorf("checkout: submit payment: %w", err), state: StateFailed})
	}

	var out outcome
	select {
	case out = <-s.done:
	case <-ctx.Done():
		o.settle(s, outcome{err: ctx.Err(), state: StateFailed})
		out = <-s.done
	}

	span.SetAttributes(attribute.String("checkout.state", out.state.String()))
	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, "payment not completed")
		return models.PaymentResult{}, out.err
	}
	span.SetAttributes(attribute.String("checkout.payment_intent_id", out.result.PaymentIntentID))
	return out.result, nil
}

func (o *Orchestrator) beginSubmission(ctx context.Context) (*submission, *frame.Frame, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateReady || o.primary == nil {
		return nil, nil, ErrNotReady
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &submission{
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan outcome, 1),
	}

	id := o.primary.ID()
	s.completedID = o.bus.Subscribe(messaging.KindPaymentCompleted, o.onCompleted(s), id)
	s.failedID = o.bus.Subscribe(messaging.KindPaymentFailed, o.onFailed(s), id)
	s.startAuthID = o.bus.Subscribe(messaging.KindStartPaymentAuth, o.onStartAuth(s), id)

	o.session = s
	o.state = StateSubmitting
	o.logger.Info().Msg("checkout: payment submitted")
	return s, o.primary, nil
}

// claim marks the submission as decided by a terminal event. Only the first
// caller gets true.
func (o *Orchestrator) claim(s *submission) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s.claimed {
		return false
	}
	s.claimed = true
	return true
}

// settle delivers the submission outcome once and tears the submission down.
func (o *Orchestrator) settle(s *submission, out outcome) {
	s.settleOnce.Do(func() {
		o.mu.Lock()
		s.claimed = true
		flow := s.flow
		s.flow = nil
		if o.session == s {
			o.session = nil
		}
		if o.state != StateDestroyed {
			o.state = out.state
		} else {
			out.state = StateDestroyed
		}
		o.mu.Unlock()

		s.cancel()
		o.bus.Unsubscribe(s.completedID)
		o.bus.Unsubscribe(s.failedID)
		o.bus.Unsubscribe(s.startAuthID)
		if flow != nil {
			flow.Destroy()
		}

		ev := o.logger.Info()
		if out.err != nil {
			ev = o.logger.Warn().Err(out.err)
		}
		ev.Str("state", out.state.String()).Msg("checkout: submission settled")
		s.done <- out
	})
}

func (o *Orchestrator) onCompleted(s *submission) messaging.Handler {
	return func(_ context.Context, msg messaging.Message) error {
		p, ok := msg.PaymentCompleted()
		if !ok {
			return fmt.Errorf("checkout: unexpected completed payload %T", msg.Payload)
		}
		if !o.claim(s) {
			return nil
		}
		o.dropListeners(s)

		result := models.PaymentResult{PaymentIntentID: p.PaymentIntentID, ResultCode: p.ResultCode}
		if p.ReturnURL != "" {
			result.ReturnURL = p.ReturnURL
			o.settle(s, outcome{result: result, state: StateCompleted})
			return nil
		}

		go func() {
			returnURL, err := o.poller.Poll(s.ctx, p.PaymentIntentID)
			if err != nil {
				o.settle(s, outcome{err: fmt.Errorf("checkout: %w", err), state: StateFailed})
				return
			}
			result.ReturnURL = returnURL
			o.settle(s, outcome{result: result, state: StateCompleted})
		}()
		return nil
	}
}

func (o *Orchestrator) onFailed(s *submission) messaging.Handler {
	return func(_ context.Context, msg messaging.Message) error {
		p, ok := msg.PaymentFailed()
		if !ok {
			return fmt.Errorf("checkout: unexpected failed payload %T", msg.Payload)
		}
		if !o.claim(s) {
			return nil
		}

		o.mu.Lock()
		primary := o.primary
		o.mu.Unlock()
		if primary != nil {
			if err := primary.PostMessage(messaging.SendPaymentFailedData(p), o.cfg.TargetOrigin); err != nil {
				o.logger.Warn().Err(err).Msg("checkout: relay payment failure to payment form")
			}
		}

		o.settle(s, outcome{err: models.NewPaymentFailedError(p), state: StateFailed})
		return nil
	}
}

func (o *Orchestrator) onStartAuth(s *submission) messaging.Handler {
	return func(_ context.Context, msg messaging.Message) error {
		p, ok := msg.StartPaymentAuth()
		if !ok {
			return fmt.Errorf("checkout: unexpected start auth payload %T", msg.Payload)
		}

		o.mu.Lock()
		if s.claimed {
			o.mu.Unlock()
			return nil
		}
		s.authSeq++
		seq := s.authSeq
		prev := s.flow
		s.flow = nil
		if o.state == StateSubmitting {
			o.state = StateAwaitingStepUp
		}
		o.mu.Unlock()

		if prev != nil {
			prev.Destroy()
		}
		go o.runStepUp(s, seq, p)
		return nil
	}
}

func (o *Orchestrator) runStepUp(s *submission, seq int, p models.StartPaymentAuthPayload) {
	authURL := p.AuthURL
	if authURL == "" {
		authURL = o.cfg.DefaultAuthURL
	}

	flow, err := paymentauth.New(o.bus, o.host, paymentauth.Config{
		AuthData:      p.AuthData,
		AuthURL:       authURL,
		TargetOrigin:  o.cfg.TargetOrigin,
		LoadTimeout:   o.cfg.LoadTimeout,
		ReadyTimeout:  o.cfg.ReadyTimeout,
		RedirectGrace: o.cfg.RedirectGrace,
		OnMount:       func(frameID string) { o.mergeSource(s, seq, frameID) },
	}, o.logger)
	if err != nil {
		o.rejectStepUp(s, seq, err)
		return
	}

	o.mu.Lock()
	if s.claimed || seq != s.authSeq {
		o.mu.Unlock()
		return
	}
	s.flow = flow
	o.mu.Unlock()

	o.logger.Info().Str("mode", flow.Mode().String()).Msg("checkout: payment authentication started")

	if err := flow.Initialize(s.ctx); err != nil {
		o.rejectStepUp(s, seq, err)
		return
	}

	if flow.Mode() == paymentauth.ModeRedirect {
		if o.claim(s) {
			o.settle(s, outcome{err: paymentauth.ErrRedirected, state: StateRedirected})
		}
	}
}

// mergeSource lets the submission's outcome listeners hear the step-up frame.
func (o *Orchestrator) mergeSource(s *submission, seq int, frameID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s.claimed || seq != s.authSeq {
		return
	}
	for _, id := range []string{s.completedID, s.failedID} {
		if _, err := o.bus.AddSourceToSubscription(id, frameID); err != nil {
			o.logger.Debug().Err(err).Str("subscription_id", id).Msg("checkout: merge step-up source")
		}
	}
}

func (o *Orchestrator) rejectStepUp(s *submission, seq int, err error) {
	o.mu.Lock()
	stale := seq != s.authSeq
	o.mu.Unlock()
	if stale {
		return
	}
	if o.claim(s) {
		o.settle(s, outcome{err: fmt.Errorf("checkout: payment authentication: %w", err), state: StateFailed})
	}
}

// dropListeners removes the submission's outcome listeners once it has been
// claimed, so later events are not even dispatched to it.
func (o *Orchestrator) dropListeners(s *submission) {
	o.bus.Unsubscribe(s.completedID)
	o.bus.Unsubscribe(s.failedID)
	o.bus.Unsubscribe(s.startAuthID)

	o.mu.Lock()
	flow := s.flow
	s.flow = nil
	o.mu.Unlock()
	if flow != nil {
		flow.Destroy()
	}
}

// Destroy removes all frames and rejects a pending submission with
// ErrDestroyed. It is idempotent.
func (o *Orchestrator) Destroy() {
	o.mu.Lock()
	if o.state == StateDestroyed {
		o.mu.Unlock()
		return
	}
	o.state = StateDestroyed
	primary := o.primary
	o.primary = nil
	s := o.session
	cancelInit := o.initCancel
	o.initCancel = nil
	o.mu.Unlock()

	if cancelInit != nil {
		cancelInit()
	}
	if s != nil {
		o.settle(s, outcome{err: ErrDestroyed, state: StateDestroyed})
	}
	if primary != nil {
		primary.Unmount()
	}
	o.logger.Info().Msg("checkout: destroyed")
}
