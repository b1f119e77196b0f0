package config_test

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/example/checkout-embed/internal/config"
)

const sessionUUID = "b0c9c2b0-1f3a-4d2d-9e3f-123456789abc"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CHECKOUT_SESSION_UUID", sessionUUID)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Env != "development" || cfg.App.LogLevel != "info" {
		t.Fatalf("unexpected app config: %+v", cfg.App)
	}
	if cfg.Checkout.Environment != "production" {
		t.Fatalf("expected production environment, got %s", cfg.Checkout.Environment)
	}
	if cfg.Checkout.TargetOrigin != "*" {
		t.Fatalf("expected wildcard target origin, got %s", cfg.Checkout.TargetOrigin)
	}
	if cfg.Backends.Host != config.BackendMock || cfg.Backends.Gateway != config.BackendMock {
		t.Fatalf("expected mock backends, got %+v", cfg.Backends)
	}
	if cfg.Gateway.Timeout != 10*time.Second {
		t.Fatalf("expected 10s gateway timeout, got %s", cfg.Gateway.Timeout)
	}
	if cfg.ReturnURL.MaxAttempts != 10 || cfg.ReturnURL.Interval != time.Second {
		t.Fatalf("unexpected return url polling config: %+v", cfg.ReturnURL)
	}
	if cfg.StepUp.RedirectGrace != 10*time.Second {
		t.Fatalf("expected 10s redirect grace, got %s", cfg.StepUp.RedirectGrace)
	}
	if cfg.Tracing.Enabled {
		t.Fatalf("tracing should be disabled by default")
	}
}

func TestLoadSuccess(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("CHECKOUT_SESSION_UUID", sessionUUID)
	t.Setenv("CHECKOUT_ENVIRONMENT", "Sandbox")
	t.Setenv("CHECKOUT_LOCALE", "en-us")
	t.Setenv("CHECKOUT_TARGET_ORIGIN", "https://pay.example.com/")
	t.Setenv("GATEWAY_BACKEND", "http")
	t.Setenv("GATEWAY_SANDBOX_URL", "https://sandbox.pay.example.com")
	t.Setenv("GATEWAY_TIMEOUT_MS", "2500")
	t.Setenv("HOST_BACKEND", "kafka")
	t.Setenv("KAFKA_BROKERS", "broker-a:9092, broker-b:9093")
	t.Setenv("KAFKA_CONSUMER_GROUP", "checkout-host")
	t.Setenv("KAFKA_FRAME_INBOUND_TOPIC", "frames.inbound")
	t.Setenv("KAFKA_FRAME_OUTBOUND_TOPIC", "frames.outbound")
	t.Setenv("RETURN_URL_MAX_ATTEMPTS", "3")
	t.Setenv("RETURN_URL_INTERVAL_MS", "50")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("TRACING_SAMPLING_RATIO", "0.25")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Checkout.Environment != "sandbox" {
		t.Fatalf("expected sandbox, got %s", cfg.Checkout.Environment)
	}
	if cfg.Checkout.Locale != "en_US" {
		t.Fatalf("expected en_US locale, got %s", cfg.Checkout.Locale)
	}
	if cfg.Checkout.TargetOrigin != "https://pay.example.com" {
		t.Fatalf("unexpected target origin %s", cfg.Checkout.TargetOrigin)
	}
	if got := cfg.Gateway.BaseURL(); got != "https://sandbox.pay.example.com" {
		t.Fatalf("unexpected gateway base url %s", got)
	}
	if cfg.Gateway.Timeout != 2500*time.Millisecond {
		t.Fatalf("unexpected gateway timeout %s", cfg.Gateway.Timeout)
	}
	wantBrokers := []string{"broker-a:9092", "broker-b:9093"}
	if !reflect.DeepEqual(cfg.Kafka.Brokers, wantBrokers) {
		t.Fatalf("expected brokers %v, got %v", wantBrokers, cfg.Kafka.Brokers)
	}
	if cfg.Topics.FrameInbound != "frames.inbound" || cfg.Topics.FrameOutbound != "frames.outbound" {
		t.Fatalf("unexpected topics %+v", cfg.Topics)
	}
	if cfg.ReturnURL.MaxAttempts != 3 || cfg.ReturnURL.Interval != 50*time.Millisecond {
		t.Fatalf("unexpected return url polling config: %+v", cfg.ReturnURL)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.SamplingRatio != 0.25 {
		t.Fatalf("unexpected tracing config: %+v", cfg.Tracing)
	}
}

func TestLoadCollectsErrors(t *testing.T) {
	t.Setenv("CHECKOUT_SESSION_UUID", "6fa459ea-ee8a-11d2-90f6-000000000000")
	t.Setenv("CHECKOUT_ENVIRONMENT", "staging")
	t.Setenv("CHECKOUT_LOCALE", "de")
	t.Setenv("HOST_BACKEND", "kafka")
	t.Setenv("GATEWAY_BACKEND", "http")
	t.Setenv("RETURN_URL_MAX_ATTEMPTS", "0")
	t.Setenv("GATEWAY_TIMEOUT_MS", "soon")

	_, err := config.Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		"CHECKOUT_SESSION_UUID",
		"CHECKOUT_ENVIRONMENT must be one of",
		"CHECKOUT_LOCALE",
		"KAFKA_BROKERS is required",
		"KAFKA_FRAME_INBOUND_TOPIC is required",
		"gateway url for environment production is required",
		"RETURN_URL_MAX_ATTEMPTS must be at least 1",
		"GATEWAY_TIMEOUT_MS must be a valid integer",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected error to mention %q, got %s", want, msg)
		}
	}
}

func TestLoadRequiresSession(t *testing.T) {
	t.Setenv("CHECKOUT_SESSION_UUID", "")

	_, err := config.Load()
	if err == nil || !strings.Contains(err.Error(), "CHECKOUT_SESSION_UUID is required") {
		t.Fatalf("expected missing session error, got %v", err)
	}
}
