package frame

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/checkout-embed/internal/messaging"
)

var (
	// ErrLoadTimeout is returned when a child view does not finish loading in time.
	ErrLoadTimeout = errors.New("frame load timed out")
	// ErrContextUnavailable is returned when messaging a frame that is not
	// loaded or already unmounted.
	ErrContextUnavailable = errors.New("frame context unavailable")
	// ErrAlreadyMounted is returned by a second Mount call.
	ErrAlreadyMounted = errors.New("frame already mounted")
	// ErrNotMounted is returned when waiting on a frame that was never mounted.
	ErrNotMounted = errors.New("frame not mounted")
)

const (
	// DefaultLoadTimeout is used when WaitForLoad is given no timeout.
	DefaultLoadTimeout = 10 * time.Second
	defaultAllow       = "payment"
)

// MountPoint is a resolved place in the host page a view can be attached to.
type MountPoint struct {
	Target string
}

// ViewSpec describes the child view to attach.
type ViewSpec struct {
	ID     string
	Name   string
	Src    string
	Allow  string
	Styles map[string]string
	Mount  MountPoint
}

// View is one attached child view as seen from the host page.
type View interface {
	// Window returns the remote connection. It is only usable after Loaded
	// is closed.
	Window() messaging.Window
	Loaded() <-chan struct{}
	SetHeight(px int)
	Detach() error
}

// Host is the embedding platform that child views are attached to.
type Host interface {
	Resolve(target string) (MountPoint, error)
	Attach(ctx context.Context, spec ViewSpec) (View, error)
}

// Options configures a Frame.
type Options struct {
	Name       string
	Src        string
	Allow      string
	Styles     map[string]string
	Mount      MountPoint
	AutoResize bool
}

// Frame owns the lifecycle of one embedded child view and scopes messaging
// to it.
type Frame struct {
	bus    *messaging.Bus
	host   Host
	spec   ViewSpec
	auto   bool
	logger zerolog.Logger

	mu        sync.Mutex
	view      View
	window    messaging.Window
	mounted   bool
	unmounted bool
}

// New constructs an unmounted frame. The frame id is fixed here and used as
// the message source key for the lifetime of the frame.
func New(bus *messaging.Bus, host Host, opts Options, logger zerolog.Logger) (*Frame, error) {
	if bus == nil {
		return nil, errors.New("frame: message bus is required")
	}
	if host == nil {
		return nil, errors.New("frame: host is required")
	}
	if opts.Src == "" {
		return nil, errors.New("frame: src is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	allow := opts.Allow
	if allow == "" {
		allow = defaultAllow
	}
	styles := map[string]string{
		"width":    "100%",
		"height":   "100%",
		"border":   "none",
		"overflow": "hidden",
	}
	for k, v := range opts.Styles {
		styles[k] = v
	}

	id := "frame_" + uuid.NewString()
	return &Frame{
		bus:  bus,
		host: host,
		spec: ViewSpec{
			ID:     id,
			Name:   opts.Name,
			Src:    opts.Src,
			Allow:  allow,
			Styles: styles,
			Mount:  opts.Mount,
		},
		auto:   opts.AutoResize,
		logger: logger.With().Str("frame_id", id).Str("frame", opts.Name).Logger(),
	}, nil
}

// ID returns the frame id used as message source and target key.
func (f *Frame) ID() string {
	return f.spec.ID
}

// Src returns the URL loaded into the child view.
func (f *Frame) Src() string {
	return f.spec.Src
}

// Mount attaches the child view to the host page. It may be called once.
func (f *Frame) Mount(ctx context.Context) (string, error) {
	f.mu.Lock()
	if f.mounted {
		f.mu.Unlock()
		return "", ErrAlreadyMounted
	}
	f.mounted = true
	f.mu.Unlock()

	view, err := f.host.Attach(ctx, f.spec)
	if err != nil {
		return "", fmt.Errorf("frame: attach %s: %w", f.spec.Name, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unmounted {
		// Unmount raced the attach; release the view right away.
		if derr := view.Detach(); derr != nil {
			f.logger.Warn().Err(derr).Msg("frame: detach after early unmount failed")
		}
		return "", ErrContextUnavailable
	}
	f.view = view
	f.logger.Debug().Str("src", f.spec.Src).Msg("frame: mounted")
	return f.spec.ID, nil
}

// WaitForLoad blocks until the child view signals it has loaded, then makes
// the frame available as a message target.
func (f *Frame) WaitForLoad(ctx context.Context, timeout time.Duration) error {
	f.mu.Lock()
	view := f.view
	f.mu.Unlock()
	if view == nil {
		return ErrNotMounted
	}
	if timeout <= 0 {
		timeout = DefaultLoadTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-view.Loaded():
	case <-timer.C:
		return fmt.Errorf("%w: %s after %s", ErrLoadTimeout, f.spec.Name, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unmounted {
		return ErrContextUnavailable
	}
	f.window = view.Window()
	f.bus.Attach(f.window)
	if f.auto {
		f.bus.Subscribe(messaging.KindHeightChanged, f.resize, f.spec.ID)
	}
	f.logger.Debug().Msg("frame: loaded")
	return nil
}

// Loaded reports whether the frame is a live message target.
func (f *Frame) Loaded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.window != nil && !f.unmounted
}

// Subscribe registers handler for messages of kind sent by this frame.
func (f *Frame) Subscribe(kind messaging.Kind, handler messaging.Handler) (string, error) {
	if err := f.checkMounted(); err != nil {
		return "", err
	}
	return f.bus.Subscribe(kind, handler, f.spec.ID), nil
}

// Expect starts a correlation wait for the next message of kind from this frame.
func (f *Frame) Expect(kind messaging.Kind, timeout time.Duration) *messaging.CorrelationWait {
	return f.bus.Expect(kind, timeout, f.spec.ID)
}

// WaitForMessage waits for the next message of kind from this frame.
func (f *Frame) WaitForMessage(ctx context.Context, kind messaging.Kind, timeout time.Duration) (messaging.Message, error) {
	if err := f.checkMounted(); err != nil {
		return messaging.Message{}, err
	}
	return f.Expect(kind, timeout).Wait(ctx)
}

// PostMessage sends msg to this frame's child view.
func (f *Frame) PostMessage(msg messaging.Message, targetOrigin string) error {
	f.mu.Lock()
	window := f.window
	unmounted := f.unmounted
	f.mu.Unlock()

	if window == nil || unmounted {
		return fmt.Errorf("%w: %s", ErrContextUnavailable, f.spec.Name)
	}
	if err := f.bus.PostMessage(window, msg, targetOrigin); err != nil {
		if errors.Is(err, messaging.ErrTargetUnavailable) {
			return fmt.Errorf("%w: %v", ErrContextUnavailable, err)
		}
		return err
	}
	return nil
}

// Unmount removes the frame's subscriptions and detaches the child view.
// It is idempotent and safe on a frame that never mounted.
func (f *Frame) Unmount() {
	f.mu.Lock()
	if f.unmounted {
		f.mu.Unlock()
		return
	}
	f.unmounted = true
	view := f.view
	f.view = nil
	f.window = nil
	f.mu.Unlock()

	f.bus.ClearSubscriptionsForSource(f.spec.ID)
	f.bus.Detach(f.spec.ID)

	if view != nil {
		if err := view.Detach(); err != nil {
			f.logger.Warn().Err(err).Msg("frame: detach failed")
		}
	}
	f.logger.Debug().Msg("frame: unmounted")
}

func (f *Frame) checkMounted() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unmounted {
		return fmt.Errorf("%w: %s unmounted", ErrContextUnavailable, f.spec.Name)
	}
	if !f.mounted {
		return ErrNotMounted
	}
	return nil
}

func (f *Frame) resize(_ context.Context, msg messaging.Message) error {
	p, ok := msg.HeightChanged()
	if !ok {
		return fmt.Errorf("frame: unexpected height payload %T", msg.Payload)
	}
	if p.Height < 0 || p.Height > math.MaxInt32 || math.IsNaN(p.Height) || math.IsInf(p.Height, 0) {
		return fmt.Errorf("frame: invalid height %v", p.Height)
	}

	f.mu.Lock()
	view := f.view
	f.mu.Unlock()
	if view != nil {
		view.SetHeight(int(math.Ceil(p.Height)))
	}
	return nil
}

// FormSubmission is a same-document form navigation requested by a step-up
// redirect.
type FormSubmission struct {
	Method string
	URL    string
	Fields map[string]string
}

// Navigator is implemented by hosts that can navigate the host page away by
// submitting a form. The returned channel is closed once navigation started.
type Navigator interface {
	SubmitForm(ctx context.Context, form FormSubmission) (<-chan struct{}, error)
}
