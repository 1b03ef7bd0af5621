// Package protection nets credit-risk mitigation against gross exposure.
package protection

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/bcbs239/riskcalc/internal/domain"
)

// ProtectedExposure is a gross exposure with its mitigation applied.
// Net is floored at zero: over-mitigation never produces negative exposure.
type ProtectedExposure struct {
	ExposureID      string
	GrossAmount     decimal.Decimal
	TotalMitigation decimal.Decimal
	NetAmount       decimal.Decimal
	Mitigations     []domain.Mitigation
}

// HasMitigations reports whether any mitigation applies to this exposure.
func (p ProtectedExposure) HasMitigations() bool {
	return len(p.Mitigations) > 0
}

// Calculate sums the mitigation values and nets them against the gross
// amount. Mitigation values are already in the reporting currency.
// Zero mitigations leaves net equal to gross.
func Calculate(exposureID string, gross decimal.Decimal, mitigations []domain.Mitigation) (ProtectedExposure, error) {
	if gross.IsNegative() {
		return ProtectedExposure{}, domain.NewError(
			domain.CodeInvalidAmount, domain.ValidationError,
			fmt.Sprintf("exposure %s has negative gross amount %s", exposureID, gross))
	}

	total := decimal.Zero
	for _, m := range mitigations {
		if m.Value.IsNegative() {
			return ProtectedExposure{}, domain.NewError(
				domain.CodeInvalidAmount, domain.ValidationError,
				fmt.Sprintf("mitigation %s for exposure %s has negative value %s", m.Type, exposureID, m.Value))
		}
		total = total.Add(m.Value)
	}

	net := gross.Sub(total)
	if net.IsNegative() {
		net = decimal.Zero
	}

	return ProtectedExposure{
		ExposureID:      exposureID,
		GrossAmount:     gross,
		TotalMitigation: total,
		NetAmount:       net,
		Mitigations:     mitigations,
	}, nil
}
