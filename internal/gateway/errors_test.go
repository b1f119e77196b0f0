package gateway

import (
	"errors"
	"strings"
	"testing"
)

func TestWrapTransient(t *testing.T) {
	base := errors.New("temporary failure")
	wrapped := WrapTransient(base)

	if !errors.Is(wrapped, ErrTransient) {
		t.Fatalf("expected wrapped error to be transient: %v", wrapped)
	}
	if !strings.Contains(wrapped.Error(), base.Error()) {
		t.Fatalf("expected wrapped error message to include original message")
	}
}

func TestWrapNil(t *testing.T) {
	if !errors.Is(WrapTransient(nil), ErrTransient) {
		t.Fatalf("expected nil transient wrap to fall back to ErrTransient")
	}
	if !errors.Is(WrapPermanent(nil), ErrPermanent) {
		t.Fatalf("expected nil permanent wrap to fall back to ErrPermanent")
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]error{
		400: ErrPermanent,
		404: ErrPermanent,
		408: ErrTransient,
		429: ErrTransient,
		500: ErrTransient,
		503: ErrTransient,
	}
	for code, want := range cases {
		if got := classifyStatus(code, errors.New("boom")); !errors.Is(got, want) {
			t.Fatalf("status %d classified as %v, want %v", code, got, want)
		}
	}
}
