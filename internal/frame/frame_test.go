package frame_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/checkout-embed/internal/frame"
	"github.com/example/checkout-embed/internal/host/mockhost"
	"github.com/example/checkout-embed/internal/messaging"
	"github.com/example/checkout-embed/internal/models"
)

func setup(t *testing.T, opts ...mockhost.Option) (*messaging.Bus, *mockhost.Host) {
	t.Helper()
	logger := zerolog.New(io.Discard)
	bus := messaging.NewBus(logger)
	host := mockhost.New(bus, logger, append([]mockhost.Option{mockhost.WithLatency(time.Millisecond)}, opts...)...)
	t.Cleanup(func() { _ = host.Close() })
	return bus, host
}

func newFrame(t *testing.T, bus *messaging.Bus, host frame.Host, opts frame.Options) *frame.Frame {
	t.Helper()
	if opts.Src == "" {
		opts.Src = "https://pay.mock.local/checkout"
	}
	if opts.Name == "" {
		opts.Name = mockhost.NameCheckout
	}
	f, err := frame.New(bus, host, opts, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	return f
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestNewValidatesInputs(t *testing.T) {
	bus, host := setup(t)
	if _, err := frame.New(nil, host, frame.Options{Src: "https://x"}, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for missing bus")
	}
	if _, err := frame.New(bus, nil, frame.Options{Src: "https://x"}, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for missing host")
	}
	if _, err := frame.New(bus, host, frame.Options{}, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for missing src")
	}
}

func TestMountOnceWithDefaults(t *testing.T) {
	bus, host := setup(t)
	f := newFrame(t, bus, host, frame.Options{Styles: map[string]string{"minHeight": "230px"}})
	ctx := context.Background()

	id, err := f.Mount(ctx)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	if id != f.ID() {
		t.Fatalf("mount returned %q, want %q", id, f.ID())
	}
	if _, err := f.Mount(ctx); !errors.Is(err, frame.ErrAlreadyMounted) {
		t.Fatalf("expected ErrAlreadyMounted, got %v", err)
	}

	views := host.Views()
	if len(views) != 1 {
		t.Fatalf("expected one attached view, got %d", len(views))
	}
	spec := views[0]
	if spec.Allow != "payment" {
		t.Fatalf("allow = %q, want payment", spec.Allow)
	}
	if spec.Styles["width"] != "100%" || spec.Styles["border"] != "none" || spec.Styles["minHeight"] != "230px" {
		t.Fatalf("unexpected styles: %v", spec.Styles)
	}
}

func TestLoadAndReady(t *testing.T) {
	bus, host := setup(t)
	f := newFrame(t, bus, host, frame.Options{})
	ctx := context.Background()

	ready := f.Expect(messaging.KindPaymentComponentReady, time.Second)
	if _, err := f.Mount(ctx); err != nil {
		t.Fatalf("mount: %v", err)
	}
	if err := f.WaitForLoad(ctx, time.Second); err != nil {
		t.Fatalf("wait for load: %v", err)
	}
	if !f.Loaded() {
		t.Fatalf("frame should report loaded")
	}
	if _, err := ready.Wait(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}

	if err := f.PostMessage(messaging.ChangeLocale("et"), ""); err != nil {
		t.Fatalf("post: %v", err)
	}
	posted := host.Posted(f.ID())
	if len(posted) != 1 || posted[0].Kind != messaging.KindChangeLocale {
		t.Fatalf("unexpected posted messages: %+v", posted)
	}
}

func TestLoadTimeout(t *testing.T) {
	bus, host := setup(t, mockhost.WithoutLoad())
	f := newFrame(t, bus, host, frame.Options{})
	ctx := context.Background()

	if err := f.WaitForLoad(ctx, time.Millisecond); !errors.Is(err, frame.ErrNotMounted) {
		t.Fatalf("expected ErrNotMounted before mount, got %v", err)
	}
	if _, err := f.Mount(ctx); err != nil {
		t.Fatalf("mount: %v", err)
	}
	if err := f.PostMessage(messaging.Signal(messaging.KindSubmitPayment), "*"); !errors.Is(err, frame.ErrContextUnavailable) {
		t.Fatalf("expected ErrContextUnavailable before load, got %v", err)
	}
	if err := f.WaitForLoad(ctx, 20*time.Millisecond); !errors.Is(err, frame.ErrLoadTimeout) {
		t.Fatalf("expected ErrLoadTimeout, got %v", err)
	}
}

func TestUnmountReleasesEverything(t *testing.T) {
	bus, host := setup(t)
	f := newFrame(t, bus, host, frame.Options{AutoResize: true})
	ctx := context.Background()

	if _, err := f.Mount(ctx); err != nil {
		t.Fatalf("mount: %v", err)
	}
	if err := f.WaitForLoad(ctx, time.Second); err != nil {
		t.Fatalf("wait for load: %v", err)
	}
	if _, err := f.Subscribe(messaging.KindPaymentCompleted, func(context.Context, messaging.Message) error { return nil }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if bus.SourceRefs(f.ID()) == 0 {
		t.Fatalf("expected subscriptions referencing the frame")
	}

	f.Unmount()
	f.Unmount()

	if got := bus.SourceRefs(f.ID()); got != 0 {
		t.Fatalf("frame still referenced by %d subscriptions", got)
	}
	if !host.Detached(f.ID()) {
		t.Fatalf("view should be detached")
	}
	if _, ok := bus.Window(f.ID()); ok {
		t.Fatalf("window should no longer be attached to the bus")
	}
	if err := f.PostMessage(messaging.Signal(messaging.KindSubmitPayment), "*"); !errors.Is(err, frame.ErrContextUnavailable) {
		t.Fatalf("expected ErrContextUnavailable after unmount, got %v", err)
	}
	if _, err := f.Subscribe(messaging.KindPaymentFailed, nil); !errors.Is(err, frame.ErrContextUnavailable) {
		t.Fatalf("expected ErrContextUnavailable subscribing after unmount, got %v", err)
	}
}

func TestUnmountBeforeMount(t *testing.T) {
	bus, host := setup(t)
	f := newFrame(t, bus, host, frame.Options{})

	f.Unmount()
	if _, err := f.Mount(context.Background()); !errors.Is(err, frame.ErrContextUnavailable) {
		t.Fatalf("expected ErrContextUnavailable mounting an unmounted frame, got %v", err)
	}
	if views := host.Views(); len(views) == 1 && !host.Detached(views[0].ID) {
		t.Fatalf("view attached after unmount must be released")
	}
}

func TestAutoResize(t *testing.T) {
	bus, host := setup(t)
	f := newFrame(t, bus, host, frame.Options{AutoResize: true})
	ctx := context.Background()

	if _, err := f.Mount(ctx); err != nil {
		t.Fatalf("mount: %v", err)
	}
	if err := f.WaitForLoad(ctx, time.Second); err != nil {
		t.Fatalf("wait for load: %v", err)
	}

	msg, err := messaging.NewMessage(messaging.KindHeightChanged, models.HeightChangedPayload{Height: 230.4})
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	if err := host.Emit(f.ID(), msg); err != nil {
		t.Fatalf("emit: %v", err)
	}
	eventually(t, func() bool { return host.Height(f.ID()) == 231 })

	neg, _ := messaging.NewMessage(messaging.KindHeightChanged, models.HeightChangedPayload{Height: -5})
	if err := host.Emit(f.ID(), neg); err != nil {
		t.Fatalf("emit: %v", err)
	}
	// A later valid height proves the invalid one was skipped in order.
	next, _ := messaging.NewMessage(messaging.KindHeightChanged, models.HeightChangedPayload{Height: 400})
	if err := host.Emit(f.ID(), next); err != nil {
		t.Fatalf("emit: %v", err)
	}
	eventually(t, func() bool { return host.Height(f.ID()) == 400 })
}

func TestAutoResizeRejectsOversizedHeight(t *testing.T) {
	bus, host := setup(t)
	f := newFrame(t, bus, host, frame.Options{AutoResize: true})
	ctx := context.Background()

	if _, err := f.Mount(ctx); err != nil {
		t.Fatalf("mount: %v", err)
	}
	if err := f.WaitForLoad(ctx, time.Second); err != nil {
		t.Fatalf("wait for load: %v", err)
	}

	// Runs after the frame's own resize handler for the same message.
	heights := make(chan int, 1)
	bus.Subscribe(messaging.KindHeightChanged, func(context.Context, messaging.Message) error {
		heights <- host.Height(f.ID())
		return nil
	}, f.ID())

	if err := host.EmitRaw(f.ID(), []byte(`{"name":"height-changed","payload":{"height":1e300}}`)); err != nil {
		t.Fatalf("emit: %v", err)
	}
	select {
	case h := <-heights:
		if h != 0 {
			t.Fatalf("oversized height applied as %d", h)
		}
	case <-time.After(time.Second):
		t.Fatalf("height message was not dispatched")
	}
}
