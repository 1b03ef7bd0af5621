// Package ratecache caches exchange rates per (pair, date) in SQLite and
// fronts the rate API client behind the ExchangeRateProvider port.
//
// The cache is read-mostly: conversions during a batch only read, and a
// fetch-on-miss writes a new row without touching existing ones, so
// in-flight conversions always see a consistent snapshot. Rates for a
// given date are immutable once published, which is why cached rows have
// no expiry for past dates - only same-day rates are refreshed.
package ratecache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/bcbs239/riskcalc/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS exchange_rates (
	from_currency TEXT NOT NULL,
	to_currency   TEXT NOT NULL,
	rate_date     TEXT NOT NULL,
	rate          TEXT NOT NULL,
	fetched_at    TEXT NOT NULL,
	PRIMARY KEY (from_currency, to_currency, rate_date)
);
`

// sameDayTTL bounds how long a current-day rate is served from cache.
const sameDayTTL = time.Hour

// RateSource is the upstream the cache falls through to on a miss.
type RateSource interface {
	GetRate(ctx context.Context, from, to string, date time.Time) (decimal.Decimal, error)
}

// CachedProvider implements domain.ExchangeRateProvider with a SQLite
// read-through cache over a rate API client.
type CachedProvider struct {
	db     *sql.DB
	source RateSource
	log    zerolog.Logger
}

// NewCachedProvider creates a new cached rate provider
func NewCachedProvider(db *sql.DB, source RateSource, log zerolog.Logger) *CachedProvider {
	return &CachedProvider{
		db:     db,
		source: source,
		log:    log.With().Str("service", "rate_cache").Logger(),
	}
}

// InitSchema creates the exchange_rates table if missing.
func (p *CachedProvider) InitSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create exchange_rates schema: %w", err)
	}
	return nil
}

// GetRate returns the rate for a pair and date, preferring the cache.
// Same-currency pairs short-circuit to 1.0 without touching cache or API.
func (p *CachedProvider) GetRate(ctx context.Context, from, to string, date time.Time) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	day := date.Format("2006-01-02")

	if rate, ok, err := p.cached(ctx, from, to, day, date); err != nil {
		return decimal.Zero, err
	} else if ok {
		return rate, nil
	}

	rate, err := p.source.GetRate(ctx, from, to, date)
	if err != nil {
		return decimal.Zero, err
	}

	if err := p.store(ctx, from, to, day, rate); err != nil {
		// A cache write failure must not fail the conversion.
		p.log.Warn().Err(err).
			Str("from", from).Str("to", to).Str("date", day).
			Msg("Failed to cache rate")
	}

	return rate, nil
}

func (p *CachedProvider) cached(ctx context.Context, from, to, day string, date time.Time) (decimal.Decimal, bool, error) {
	var rateStr, fetchedStr string
	err := p.db.QueryRowContext(ctx,
		`SELECT rate, fetched_at FROM exchange_rates
		 WHERE from_currency = ? AND to_currency = ? AND rate_date = ?`,
		from, to, day).Scan(&rateStr, &fetchedStr)
	if err == sql.ErrNoRows {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to read rate cache: %w", err)
	}

	// Same-day rates may still move; re-fetch once the entry goes stale.
	if sameDay(date) {
		fetched, err := time.Parse(time.RFC3339Nano, fetchedStr)
		if err != nil || time.Since(fetched) > sameDayTTL {
			return decimal.Zero, false, nil
		}
	}

	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("corrupt cached rate %q: %w", rateStr, err)
	}

	p.log.Debug().
		Str("from", from).Str("to", to).Str("date", day).
		Str("rate", rate.String()).
		Msg("Rate cache hit")

	return rate, true, nil
}

func (p *CachedProvider) store(ctx context.Context, from, to, day string, rate decimal.Decimal) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO exchange_rates (from_currency, to_currency, rate_date, rate, fetched_at)
		 VALUES (?, ?, ?, ?, ?)`,
		from, to, day, rate.String(), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// Warm pre-fetches rates for the given currencies against the reporting
// currency for a date. Partial failure is logged, not fatal - conversions
// fall through to the API for pairs that failed to warm.
func (p *CachedProvider) Warm(ctx context.Context, currencies []string, date time.Time) {
	warmed, failed := 0, 0
	for _, currency := range currencies {
		if currency == domain.ReportingCurrency {
			continue
		}
		if _, err := p.GetRate(ctx, currency, domain.ReportingCurrency, date); err != nil {
			p.log.Warn().Err(err).Str("currency", currency).Msg("Failed to warm rate")
			failed++
			continue
		}
		warmed++
	}

	p.log.Info().Int("warmed", warmed).Int("failed", failed).Msg("Rate cache warm completed")
}

func sameDay(date time.Time) bool {
	now := time.Now().UTC()
	y1, m1, d1 := date.UTC().Date()
	y2, m2, d2 := now.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
