package gateway

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/checkout-embed/internal/models"
	"github.com/example/checkout-embed/internal/util"
)

// MockScenario enumerates supported behaviours for the mock gateway.
type MockScenario string

const (
	MockSuccess   MockScenario = "success"
	MockTransient MockScenario = "transient"
	MockPermanent MockScenario = "permanent"
)

// MockOption customises the mock gateway at construction time.
type MockOption func(*Mock)

// WithMockScenario overrides the default scenario.
func WithMockScenario(s MockScenario) MockOption {
	return func(m *Mock) {
		if s != "" {
			m.scenario = s
		}
	}
}

// WithMockLatency sets the artificial latency inserted before responding.
func WithMockLatency(d time.Duration) MockOption {
	return func(m *Mock) {
		if d < 0 {
			d = 0
		}
		m.latency = d
	}
}

// WithSessionURL sets the payment form URL returned by FetchSession.
func WithSessionURL(u string) MockOption {
	return func(m *Mock) {
		m.sessionURL = u
	}
}

// WithReturnURL sets the merchant return URL handed out by FetchReturnURL.
func WithReturnURL(u string) MockOption {
	return func(m *Mock) {
		m.returnURL = u
	}
}

// WithReturnURLAfter makes FetchReturnURL answer with an empty URL until the
// nth call. Zero or negative means it never becomes available.
func WithReturnURLAfter(n int) MockOption {
	return func(m *Mock) {
		m.readyAfter = n
	}
}

// WithReturnURLFailures makes the first n FetchReturnURL calls fail transiently.
func WithReturnURLFailures(n int) MockOption {
	return func(m *Mock) {
		if n > 0 {
			m.failures = n
		}
	}
}

var _ Gateway = (*Mock)(nil)

// Mock implements Gateway deterministically for tests and local runs.
type Mock struct {
	logger     zerolog.Logger
	scenario   MockScenario
	latency    time.Duration
	sessionURL string
	returnURL  string
	readyAfter int
	failures   int

	mu             sync.Mutex
	sessionCalls   int
	returnURLCalls int
}

// NewMock constructs a mock gateway.
func NewMock(logger zerolog.Logger, opts ...MockOption) *Mock {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	m := &Mock{
		logger:     logger,
		scenario:   MockSuccess,
		sessionURL: "https://pay.mock.local/checkout",
		returnURL:  "https://merchant.mock.local/return",
		readyAfter: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// FetchSession returns the configured payment form URL.
func (m *Mock) FetchSession(ctx context.Context, sessionUUID, locale string) (models.SessionResponse, error) {
	m.mu.Lock()
	m.sessionCalls++
	m.mu.Unlock()

	if err := m.wait(ctx); err != nil {
		return models.SessionResponse{}, err
	}
	id, err := util.ParseUUIDv4(sessionUUID)
	if err != nil {
		return models.SessionResponse{}, WrapPermanent(err)
	}
	if err := m.scenarioErr(); err != nil {
		return models.SessionResponse{}, err
	}

	u := m.sessionURL
	if locale != "" {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + "preferredLocale=" + locale
	}
	return models.SessionResponse{UUID: id.String(), URL: u}, nil
}

// FetchReturnURL returns an empty URL until the configured call, then the
// merchant return URL.
func (m *Mock) FetchReturnURL(ctx context.Context, paymentIntentID string) (models.ReturnURLResponse, error) {
	m.mu.Lock()
	m.returnURLCalls++
	call := m.returnURLCalls
	m.mu.Unlock()

	if err := m.wait(ctx); err != nil {
		return models.ReturnURLResponse{}, err
	}
	if strings.TrimSpace(paymentIntentID) == "" {
		return models.ReturnURLResponse{}, WrapPermanent(errors.New("payment intent id is required"))
	}
	if err := m.scenarioErr(); err != nil {
		return models.ReturnURLResponse{}, err
	}
	if call <= m.failures {
		return models.ReturnURLResponse{}, WrapTransient(errors.New("mock: return url lookup failed"))
	}
	if m.readyAfter <= 0 || call < m.readyAfter {
		m.logger.Debug().Int("call", call).Msg("gateway mock: return url not ready")
		return models.ReturnURLResponse{}, nil
	}
	return models.ReturnURLResponse{MerchantReturnURL: m.returnURL}, nil
}

// SessionCalls reports how many times FetchSession was called.
func (m *Mock) SessionCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionCalls
}

// ReturnURLCalls reports how many times FetchReturnURL was called.
func (m *Mock) ReturnURLCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.returnURLCalls
}

func (m *Mock) scenarioErr() error {
	switch m.scenario {
	case MockTransient:
		return WrapTransient(errors.New("mock: gateway unavailable"))
	case MockPermanent:
		return WrapPermanent(errors.New("mock: request rejected"))
	}
	return nil
}

func (m *Mock) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if m.latency <= 0 {
		return nil
	}
	timer := time.NewTimer(m.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
