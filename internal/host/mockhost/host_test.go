package mockhost_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/checkout-embed/internal/frame"
	"github.com/example/checkout-embed/internal/host/mockhost"
	"github.com/example/checkout-embed/internal/messaging"
)

func TestResolveRestrictedTargets(t *testing.T) {
	host := mockhost.New(messaging.NewBus(zerolog.Nop()), zerolog.Nop(), mockhost.WithMountTargets("#checkout"))
	defer host.Close()

	if _, err := host.Resolve("#checkout"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := host.Resolve("#other"); !errors.Is(err, mockhost.ErrMountNotFound) {
		t.Fatalf("expected ErrMountNotFound, got %v", err)
	}
	if _, err := host.Resolve("  "); !errors.Is(err, mockhost.ErrMountNotFound) {
		t.Fatalf("expected ErrMountNotFound for empty target, got %v", err)
	}
}

func TestAttachReplacesViewAtSameMount(t *testing.T) {
	host := mockhost.New(messaging.NewBus(zerolog.Nop()), zerolog.Nop(), mockhost.WithoutLoad())
	defer host.Close()

	spec := frame.ViewSpec{ID: "frame_1", Name: mockhost.NameCheckout, Src: "https://pay.mock.local", Mount: frame.MountPoint{Target: "#checkout"}}
	if _, err := host.Attach(context.Background(), spec); err != nil {
		t.Fatalf("attach: %v", err)
	}
	spec.ID = "frame_2"
	if _, err := host.Attach(context.Background(), spec); err != nil {
		t.Fatalf("attach: %v", err)
	}

	if !host.Detached("frame_1") || host.Detached("frame_2") {
		t.Fatalf("expected the newer view to replace the older one")
	}
	if err := host.Emit("frame_1", messaging.Signal(messaging.KindPaymentComponentReady)); !errors.Is(err, messaging.ErrWindowClosed) {
		t.Fatalf("expected ErrWindowClosed, got %v", err)
	}
	if err := host.Emit("frame_9", messaging.Signal(messaging.KindPaymentComponentReady)); !errors.Is(err, mockhost.ErrUnknownView) {
		t.Fatalf("expected ErrUnknownView, got %v", err)
	}
	if len(host.Views()) != 2 {
		t.Fatalf("expected two recorded views")
	}
}

func TestSubmitFormNavigates(t *testing.T) {
	host := mockhost.New(messaging.NewBus(zerolog.Nop()), zerolog.Nop(), mockhost.WithLatency(time.Millisecond))
	defer host.Close()

	done, err := host.SubmitForm(context.Background(), frame.FormSubmission{Method: "POST", URL: "https://acs.mock.local"})
	if err != nil {
		t.Fatalf("submit form: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("navigation never happened")
	}
	if len(host.Submissions()) != 1 {
		t.Fatalf("expected one recorded submission")
	}
	if _, err := host.SubmitForm(context.Background(), frame.FormSubmission{}); err == nil {
		t.Fatalf("expected error for a form without url")
	}
}

func TestViewReportsReadyAfterLoad(t *testing.T) {
	bus := messaging.NewBus(zerolog.Nop())
	host := mockhost.New(bus, zerolog.Nop(), mockhost.WithLatency(time.Millisecond))
	defer host.Close()

	ready := bus.Expect(messaging.KindPaymentAuthComponentReady, time.Second, "frame_auth")
	view, err := host.Attach(context.Background(), frame.ViewSpec{ID: "frame_auth", Name: mockhost.NamePaymentAuth, Src: "https://auth.mock.local"})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	select {
	case <-view.Loaded():
	case <-time.After(time.Second):
		t.Fatalf("view never loaded")
	}
	if _, err := ready.Wait(context.Background()); err != nil {
		t.Fatalf("expected auth ready signal: %v", err)
	}
}
