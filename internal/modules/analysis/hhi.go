package analysis

import "github.com/shopspring/decimal"

// ConcentrationLevel bands an HHI value.
type ConcentrationLevel string

const (
	ConcentrationHigh     ConcentrationLevel = "HIGH"
	ConcentrationModerate ConcentrationLevel = "MODERATE"
	ConcentrationLow      ConcentrationLevel = "LOW"
)

var (
	highThreshold     = decimal.NewFromFloat(0.25)
	moderateThreshold = decimal.NewFromFloat(0.15)
)

// herfindahl computes the Herfindahl-Hirschman Index over a set of shares.
// Shares must be fractions in [0,1]; the result is in [0,1]. An empty share
// set (zero-exposure portfolio) yields 0.
func herfindahl(shares []decimal.Decimal) decimal.Decimal {
	hhi := decimal.Zero
	for _, s := range shares {
		hhi = hhi.Add(s.Mul(s))
	}
	return hhi
}

// concentrationLevel bands an HHI value. The 0.25 boundary itself is
// MODERATE: HIGH requires strictly greater than 0.25, MODERATE strictly
// greater than 0.15.
func concentrationLevel(hhi decimal.Decimal) ConcentrationLevel {
	switch {
	case hhi.GreaterThan(highThreshold):
		return ConcentrationHigh
	case hhi.GreaterThan(moderateThreshold):
		return ConcentrationModerate
	default:
		return ConcentrationLow
	}
}
