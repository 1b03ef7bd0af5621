// Package valuation converts original-currency exposure amounts to the
// reporting currency.
package valuation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/bcbs239/riskcalc/internal/domain"
)

// Service performs currency conversion through an exchange rate provider.
type Service struct {
	provider domain.ExchangeRateProvider
	log      zerolog.Logger
}

// NewService creates a new valuation service
func NewService(provider domain.ExchangeRateProvider, log zerolog.Logger) *Service {
	return &Service{
		provider: provider,
		log:      log.With().Str("service", "valuation").Logger(),
	}
}

// Convert converts an amount to the reporting currency as of the given date.
// Same-currency amounts bypass the provider entirely (rate 1.0).
// The converted amount is rounded to 2 decimal places, half up.
func (s *Service) Convert(ctx context.Context, exposureID string, amount decimal.Decimal, currency string, asOf time.Time) (domain.ExposureValuation, error) {
	if amount.IsNegative() {
		return domain.ExposureValuation{}, domain.NewError(
			domain.CodeInvalidAmount, domain.ValidationError,
			fmt.Sprintf("exposure %s has negative amount %s", exposureID, amount))
	}

	if currency == domain.ReportingCurrency {
		return domain.ExposureValuation{
			ExposureID: exposureID,
			Amount:     amount.Round(2),
		}, nil
	}

	rate, err := s.provider.GetRate(ctx, currency, domain.ReportingCurrency, asOf)
	if err != nil {
		return domain.ExposureValuation{}, err
	}

	converted := amount.Mul(rate).Round(2)

	s.log.Debug().
		Str("exposure_id", exposureID).
		Str("currency", currency).
		Str("original", amount.String()).
		Str("rate", rate.String()).
		Str("converted", converted.String()).
		Msg("Converted exposure amount")

	return domain.ExposureValuation{
		ExposureID: exposureID,
		Amount:     converted,
	}, nil
}

// ConvertMitigation converts a raw mitigation to a reporting-currency
// Mitigation using the same rules as exposure conversion.
func (s *Service) ConvertMitigation(ctx context.Context, m domain.RawMitigation, asOf time.Time) (domain.Mitigation, error) {
	if m.Amount.IsNegative() {
		return domain.Mitigation{}, domain.NewError(
			domain.CodeInvalidAmount, domain.ValidationError,
			fmt.Sprintf("mitigation for exposure %s has negative amount %s", m.ExposureID, m.Amount))
	}

	if m.Currency == domain.ReportingCurrency {
		return domain.Mitigation{
			ExposureID: m.ExposureID,
			Type:       m.Type,
			Value:      m.Amount.Round(2),
		}, nil
	}

	rate, err := s.provider.GetRate(ctx, m.Currency, domain.ReportingCurrency, asOf)
	if err != nil {
		return domain.Mitigation{}, err
	}

	return domain.Mitigation{
		ExposureID: m.ExposureID,
		Type:       m.Type,
		Value:      m.Amount.Mul(rate).Round(2),
	}, nil
}
