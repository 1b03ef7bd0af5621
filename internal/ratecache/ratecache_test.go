package ratecache

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/bcbs239/riskcalc/internal/domain"
)

type stubSource struct {
	rate  decimal.Decimal
	err   error
	calls int
}

func (s *stubSource) GetRate(ctx context.Context, from, to string, date time.Time) (decimal.Decimal, error) {
	s.calls++
	if s.err != nil {
		return decimal.Zero, s.err
	}
	return s.rate, nil
}

func setupProvider(t *testing.T, source RateSource) *CachedProvider {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	p := NewCachedProvider(db, source, zerolog.Nop())
	require.NoError(t, p.InitSchema(context.Background()))
	return p
}

var pastDate = time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)

func TestGetRate_SameCurrencyShortCircuits(t *testing.T) {
	source := &stubSource{rate: decimal.NewFromFloat(0.9)}
	p := setupProvider(t, source)

	rate, err := p.GetRate(context.Background(), "EUR", "EUR", pastDate)
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, 0, source.calls)
}

func TestGetRate_FetchesOnMissThenServesFromCache(t *testing.T) {
	source := &stubSource{rate: decimal.NewFromFloat(0.9234)}
	p := setupProvider(t, source)

	first, err := p.GetRate(context.Background(), "USD", "EUR", pastDate)
	require.NoError(t, err)
	assert.Equal(t, 1, source.calls)

	second, err := p.GetRate(context.Background(), "USD", "EUR", pastDate)
	require.NoError(t, err)
	assert.Equal(t, 1, source.calls, "past-date rates are immutable, no second fetch")
	assert.True(t, first.Equal(second))
}

func TestGetRate_DistinctDatesAreDistinctEntries(t *testing.T) {
	source := &stubSource{rate: decimal.NewFromFloat(0.9)}
	p := setupProvider(t, source)

	_, err := p.GetRate(context.Background(), "USD", "EUR", pastDate)
	require.NoError(t, err)
	_, err = p.GetRate(context.Background(), "USD", "EUR", pastDate.AddDate(0, 0, 1))
	require.NoError(t, err)

	assert.Equal(t, 2, source.calls)
}

func TestGetRate_SourceErrorPropagates(t *testing.T) {
	source := &stubSource{
		err: domain.NewError(domain.CodeRateUnavailable, domain.SystemError, "no rate published"),
	}
	p := setupProvider(t, source)

	_, err := p.GetRate(context.Background(), "XTZ", "EUR", pastDate)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeRateUnavailable))
}

func TestWarm_PrefetchesAgainstReportingCurrency(t *testing.T) {
	source := &stubSource{rate: decimal.NewFromFloat(1.1)}
	p := setupProvider(t, source)

	p.Warm(context.Background(), []string{"USD", "GBP", "EUR"}, pastDate)
	assert.Equal(t, 2, source.calls, "reporting currency itself is skipped")

	// Conversions after warm run entirely from cache.
	_, err := p.GetRate(context.Background(), "USD", "EUR", pastDate)
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)
}
