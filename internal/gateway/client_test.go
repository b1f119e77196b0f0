package gateway_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/checkout-embed/internal/config"
	"github.com/example/checkout-embed/internal/gateway"
)

const sessionUUID = "b0c9c2b0-1f3a-4d2d-9e3f-123456789abc"

func newClient(t *testing.T, srv *httptest.Server) *gateway.Client {
	t.Helper()
	client, err := gateway.New(config.GatewayConfig{
		Environment:   "sandbox",
		BaseURLs:      map[string]string{"sandbox": srv.URL + "/"},
		Timeout:       time.Second,
		ClientVersion: "1.2.3",
	}, zerolog.Nop(), gateway.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := gateway.New(config.GatewayConfig{Environment: "production", BaseURLs: map[string]string{}}, zerolog.Nop())
	if err == nil {
		t.Fatalf("expected error for missing base url")
	}
	_, err = gateway.New(config.GatewayConfig{Environment: "production", BaseURLs: map[string]string{"production": "ftp://x"}}, zerolog.Nop())
	if err == nil {
		t.Fatalf("expected error for non-http base url")
	}
}

func TestFetchSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sessions/"+sessionUUID+"/gateway-url" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("preferredLocale"); got != "en_US" {
			t.Errorf("unexpected preferredLocale %q", got)
		}
		if r.Header.Get("Accept") != "application/json" || r.Header.Get(gateway.ClientVersionHeader) != "1.2.3" {
			t.Errorf("unexpected headers %v", r.Header)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"uuid":"` + sessionUUID + `","url":"https://pay.example.com/form/1"}`))
	}))
	defer srv.Close()

	resp, err := newClient(t, srv).FetchSession(context.Background(), sessionUUID, "en-us")
	if err != nil {
		t.Fatalf("fetch session: %v", err)
	}
	if resp.URL != "https://pay.example.com/form/1" || resp.UUID != sessionUUID {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestFetchSessionWithoutLocale(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "" {
			t.Errorf("expected no query, got %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"uuid":"x","url":"https://pay.example.com/form/1"}`))
	}))
	defer srv.Close()

	if _, err := newClient(t, srv).FetchSession(context.Background(), sessionUUID, ""); err != nil {
		t.Fatalf("fetch session: %v", err)
	}
}

func TestFetchSessionRejectsBadInput(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"uuid":"x","url":"not a url"}`))
	}))
	defer srv.Close()
	client := newClient(t, srv)

	if _, err := client.FetchSession(context.Background(), "not-a-uuid", ""); !errors.Is(err, gateway.ErrPermanent) {
		t.Fatalf("expected ErrPermanent for bad uuid, got %v", err)
	}
	if _, err := client.FetchSession(context.Background(), sessionUUID, "de"); !errors.Is(err, gateway.ErrPermanent) {
		t.Fatalf("expected ErrPermanent for unsupported locale, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("invalid input must not reach the gateway")
	}
	if _, err := client.FetchSession(context.Background(), sessionUUID, ""); !errors.Is(err, gateway.ErrPermanent) {
		t.Fatalf("expected ErrPermanent for invalid session url, got %v", err)
	}
}

func TestStatusClassification(t *testing.T) {
	cases := map[int]error{
		http.StatusNotFound:            gateway.ErrPermanent,
		http.StatusUnprocessableEntity: gateway.ErrPermanent,
		http.StatusTooManyRequests:     gateway.ErrTransient,
		http.StatusBadGateway:          gateway.ErrTransient,
	}
	for code, want := range cases {
		code, want := code, want
		t.Run(http.StatusText(code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", code)
			}))
			defer srv.Close()

			_, err := newClient(t, srv).FetchReturnURL(context.Background(), "pi_1")
			if !errors.Is(err, want) {
				t.Fatalf("status %d: expected %v, got %v", code, want, err)
			}
		})
	}
}

func TestFetchReturnURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/payment-intents/pi_123/return-url" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"merchantReturnUrl":"https://shop.example.com/thanks"}`))
	}))
	defer srv.Close()
	client := newClient(t, srv)

	resp, err := client.FetchReturnURL(context.Background(), "pi_123")
	if err != nil {
		t.Fatalf("fetch return url: %v", err)
	}
	if resp.MerchantReturnURL != "https://shop.example.com/thanks" {
		t.Fatalf("unexpected response %+v", resp)
	}

	if _, err := client.FetchReturnURL(context.Background(), "../admin"); !errors.Is(err, gateway.ErrPermanent) {
		t.Fatalf("expected ErrPermanent for unsafe id, got %v", err)
	}
}

func TestFetchReturnURLDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	defer srv.Close()

	if _, err := newClient(t, srv).FetchReturnURL(context.Background(), "pi_1"); !errors.Is(err, gateway.ErrPermanent) {
		t.Fatalf("expected ErrPermanent for undecodable body, got %v", err)
	}
}

func TestContextCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := newClient(t, srv).FetchReturnURL(ctx, "pi_1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestMockReturnURLAvailability(t *testing.T) {
	mock := gateway.NewMock(zerolog.Nop(), gateway.WithReturnURLAfter(3), gateway.WithReturnURLFailures(1))
	ctx := context.Background()

	if _, err := mock.FetchReturnURL(ctx, "pi_1"); !errors.Is(err, gateway.ErrTransient) {
		t.Fatalf("expected first call to fail transiently, got %v", err)
	}
	if resp, err := mock.FetchReturnURL(ctx, "pi_1"); err != nil || resp.MerchantReturnURL != "" {
		t.Fatalf("expected empty url on second call, got %+v, %v", resp, err)
	}
	if resp, err := mock.FetchReturnURL(ctx, "pi_1"); err != nil || resp.MerchantReturnURL == "" {
		t.Fatalf("expected url on third call, got %+v, %v", resp, err)
	}
	if mock.ReturnURLCalls() != 3 {
		t.Fatalf("unexpected call count %d", mock.ReturnURLCalls())
	}
}

func TestMockSession(t *testing.T) {
	mock := gateway.NewMock(zerolog.Nop(), gateway.WithSessionURL("https://pay.mock.local/checkout?scenario=declined"))

	resp, err := mock.FetchSession(context.Background(), sessionUUID, "et")
	if err != nil {
		t.Fatalf("fetch session: %v", err)
	}
	if resp.URL != "https://pay.mock.local/checkout?scenario=declined&preferredLocale=et" {
		t.Fatalf("unexpected url %s", resp.URL)
	}

	failing := gateway.NewMock(zerolog.Nop(), gateway.WithMockScenario(gateway.MockTransient))
	if _, err := failing.FetchSession(context.Background(), sessionUUID, ""); !errors.Is(err, gateway.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}
