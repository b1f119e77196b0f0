package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/checkout-embed/internal/config"
	"github.com/example/checkout-embed/internal/models"
	"github.com/example/checkout-embed/internal/tracing"
	"github.com/example/checkout-embed/internal/util"
)

const (
	// ClientVersionHeader carries the embedding client's version on every request.
	ClientVersionHeader = "X-Client-Version"

	defaultTimeout   = 10 * time.Second
	defaultBodyLimit = 64 * 1024
)

// Gateway is the payment gateway API used by the checkout host.
type Gateway interface {
	FetchSession(ctx context.Context, sessionUUID, locale string) (models.SessionResponse, error)
	FetchReturnURL(ctx context.Context, paymentIntentID string) (models.ReturnURLResponse, error)
}

// HTTPClient abstracts the http.Client Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option customises the HTTP gateway client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used to reach the gateway.
func WithHTTPClient(client HTTPClient) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL overrides the environment base URL. Useful for tests.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithBodyLimit adjusts how many bytes are read from a response body.
func WithBodyLimit(limit int64) Option {
	return func(c *Client) {
		if limit > 0 {
			c.maxBodyBytes = limit
		}
	}
}

// WithTracer overrides the tracer used for gateway spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

var _ Gateway = (*Client)(nil)

// Client talks to the payment gateway over HTTP. Requests are not retried.
type Client struct {
	logger        zerolog.Logger
	baseURL       string
	clientVersion string
	httpClient    HTTPClient
	maxBodyBytes  int64
	tracer        trace.Tracer
}

// New constructs an HTTP gateway client for the configured environment.
func New(cfg config.GatewayConfig, logger zerolog.Logger, opts ...Option) (*Client, error) {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		logger:        logger.With().Str("component", "gateway").Logger(),
		baseURL:       strings.TrimRight(strings.TrimSpace(cfg.BaseURL()), "/"),
		clientVersion: strings.TrimSpace(cfg.ClientVersion),
		httpClient:    tracing.WrapHTTPClient(&http.Client{Timeout: timeout}),
		maxBodyBytes:  defaultBodyLimit,
		tracer:        otel.Tracer("checkout-embed/gateway"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if c.baseURL == "" {
		return nil, fmt.Errorf("gateway: base url for environment %q is required", cfg.Environment)
	}
	if _, err := util.ValidateHTTPURL(c.baseURL); err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	return c, nil
}

// FetchSession resolves the payment form URL for a checkout session.
func (c *Client) FetchSession(ctx context.Context, sessionUUID, locale string) (models.SessionResponse, error) {
	ctx, span := c.tracer.Start(ctx, "gateway.FetchSession", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	id, err := util.ParseUUIDv4(sessionUUID)
	if err != nil {
		return models.SessionResponse{}, c.fail(span, WrapPermanent(err))
	}
	span.SetAttributes(attribute.String("checkout.session_uuid", id.String()))

	endpoint := fmt.Sprintf("%s/api/sessions/%s/gateway-url", c.baseURL, id.String())
	if locale != "" {
		normalized, err := util.NormalizeLocale(locale)
		if err != nil {
			return models.SessionResponse{}, c.fail(span, WrapPermanent(err))
		}
		endpoint += "?" + url.Values{"preferredLocale": []string{normalized}}.Encode()
	}

	var out models.SessionResponse
	if err := c.getJSON(ctx, endpoint, &out); err != nil {
		return models.SessionResponse{}, c.fail(span, err)
	}
	if _, err := util.ValidateHTTPURL(out.URL); err != nil {
		return models.SessionResponse{}, c.fail(span, WrapPermanent(fmt.Errorf("session url: %v", err)))
	}

	c.logger.Debug().Str("session_uuid", id.String()).Msg("gateway: session resolved")
	return out, nil
}

// FetchReturnURL asks for the merchant return URL of a payment intent. An
// empty MerchantReturnURL means it is not available yet.
func (c *Client) FetchReturnURL(ctx context.Context, paymentIntentID string) (models.ReturnURLResponse, error) {
	ctx, span := c.tracer.Start(ctx, "gateway.FetchReturnURL", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	id, err := util.ValidateIdentifier("payment intent id", paymentIntentID)
	if err != nil {
		return models.ReturnURLResponse{}, c.fail(span, WrapPermanent(err))
	}
	span.SetAttributes(attribute.String("checkout.payment_intent_id", id))

	endpoint := fmt.Sprintf("%s/api/payment-intents/%s/return-url", c.baseURL, url.PathEscape(id))
	var out models.ReturnURLResponse
	if err := c.getJSON(ctx, endpoint, &out); err != nil {
		return models.ReturnURLResponse{}, c.fail(span, err)
	}
	span.SetAttributes(attribute.Bool("checkout.return_url_ready", out.MerchantReturnURL != ""))
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return WrapPermanent(fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.clientVersion != "" {
		req.Header.Set(ClientVersionHeader, c.clientVersion)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return WrapTransient(fmt.Errorf("http do: %w", err))
	}
	defer resp.Body.Close()

	body, err := c.readBody(resp.Body)
	if err != nil {
		return WrapTransient(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := strings.TrimSpace(string(body))
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return classifyStatus(resp.StatusCode, fmt.Errorf("http %d: %s", resp.StatusCode, truncate(message, 256)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return WrapPermanent(fmt.Errorf("decode response: %v", err))
	}
	return nil
}

func (c *Client) readBody(rc io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(rc, c.maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

func (c *Client) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, failureClass(err))
	return err
}

func failureClass(err error) string {
	switch {
	case errors.Is(err, ErrPermanent):
		return "permanent"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "error"
	}
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
