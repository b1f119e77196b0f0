package checkout

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/checkout-embed/internal/models"
)

// ErrReturnURLUnavailable is returned when the merchant return URL did not
// become available within the polling budget.
var ErrReturnURLUnavailable = errors.New("merchant return url unavailable")

const (
	defaultPollAttempts = 10
	defaultPollInterval = time.Second
)

// ReturnURLFetcher looks up the merchant return URL of a payment intent.
type ReturnURLFetcher interface {
	FetchReturnURL(ctx context.Context, paymentIntentID string) (models.ReturnURLResponse, error)
}

// Poller asks the gateway for a merchant return URL at a constant cadence
// until one is available or the attempts run out.
type Poller struct {
	fetcher     ReturnURLFetcher
	maxAttempts int
	interval    time.Duration
	logger      zerolog.Logger
}

// NewPoller constructs a poller. Non-positive attempts or interval fall back
// to 10 attempts one second apart.
func NewPoller(fetcher ReturnURLFetcher, maxAttempts int, interval time.Duration, logger zerolog.Logger) *Poller {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if maxAttempts < 1 {
		maxAttempts = defaultPollAttempts
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Poller{
		fetcher:     fetcher,
		maxAttempts: maxAttempts,
		interval:    interval,
		logger:      logger,
	}
}

// Poll returns the merchant return URL for paymentIntentID. Failed lookups
// are logged and count as an attempt. There is no wait after the last attempt.
func (p *Poller) Poll(ctx context.Context, paymentIntentID string) (string, error) {
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		resp, err := p.fetcher.FetchReturnURL(ctx, paymentIntentID)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			p.logger.Warn().
				Str("payment_intent_id", paymentIntentID).
				Int("attempt", attempt).
				Err(err).
				Msg("checkout: return url lookup failed")
		case resp.MerchantReturnURL != "":
			p.logger.Debug().
				Str("payment_intent_id", paymentIntentID).
				Int("attempt", attempt).
				Msg("checkout: return url resolved")
			return resp.MerchantReturnURL, nil
		}

		if attempt == p.maxAttempts {
			break
		}
		if !wait(ctx, p.interval) {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("%w: payment intent %s after %d attempts", ErrReturnURLUnavailable, paymentIntentID, p.maxAttempts)
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
