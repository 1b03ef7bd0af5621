// Package exchangerate provides a client for a historical currency rate API.
package exchangerate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/bcbs239/riskcalc/internal/domain"
)

// Client fetches daily reference rates. Calls run through a circuit breaker
// so a flapping rate API fails fast instead of stalling every conversion in
// a batch.
type Client struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// NewClient creates a new exchange rate client. baseURL defaults to the
// public Frankfurter API when empty.
func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://api.frankfurter.app"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "exchangerate",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
		log:     log.With().Str("client", "exchangerate").Logger(),
	}
}

type rateResponse struct {
	Rates map[string]json.Number `json:"rates"`
}

// GetRate fetches the rate for a currency pair on a specific date. A missing
// rate for that exact date is a RATE_UNAVAILABLE error - no substitution of
// a nearby date.
func (c *Client) GetRate(ctx context.Context, from, to string, date time.Time) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/%s?from=%s&to=%s", c.baseURL, date.Format("2006-01-02"), from, to)

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, url, to)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return decimal.Zero, domain.WrapError(domain.CodeIOError, domain.SystemError,
				"rate provider circuit open", err)
		}
		return decimal.Zero, err
	}

	rate := result.(decimal.Decimal)
	c.log.Debug().
		Str("from", from).
		Str("to", to).
		Str("date", date.Format("2006-01-02")).
		Str("rate", rate.String()).
		Msg("Fetched exchange rate")

	return rate, nil
}

func (c *Client) fetch(ctx context.Context, url, to string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, domain.WrapError(domain.CodeIOError, domain.SystemError,
			"failed to build rate request", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Zero, domain.WrapError(domain.CodeIOError, domain.SystemError,
			"rate request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return decimal.Zero, domain.NewError(domain.CodeRateUnavailable, domain.SystemError,
			fmt.Sprintf("no rate published for %s", url))
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, domain.NewError(domain.CodeIOError, domain.SystemError,
			fmt.Sprintf("rate API returned status %d", resp.StatusCode))
	}

	var parsed rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return decimal.Zero, domain.WrapError(domain.CodeIOError, domain.SystemError,
			"failed to parse rate response", err)
	}

	raw, ok := parsed.Rates[to]
	if !ok {
		return decimal.Zero, domain.NewError(domain.CodeRateUnavailable, domain.SystemError,
			fmt.Sprintf("rate for %s missing from response", to))
	}

	rate, err := decimal.NewFromString(raw.String())
	if err != nil || !rate.IsPositive() {
		return decimal.Zero, domain.NewError(domain.CodeRateUnavailable, domain.SystemError,
			fmt.Sprintf("invalid rate %q for %s", raw.String(), to))
	}

	return rate, nil
}
