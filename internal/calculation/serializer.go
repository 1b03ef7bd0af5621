package calculation

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bcbs239/riskcalc/internal/domain"
	"github.com/bcbs239/riskcalc/internal/modules/analysis"
	"github.com/bcbs239/riskcalc/internal/modules/batch"
)

// detailDocument is the immutable calculation artifact written to file
// storage per batch. It is the full per-exposure record set plus the
// portfolio summary, self-contained for downstream regulatory consumers.
type detailDocument struct {
	BatchID             string           `json:"batch_id"`
	CalculatedAt        time.Time        `json:"calculated_at"`
	BankInfo            detailBankInfo   `json:"bank_info"`
	Summary             detailSummary    `json:"summary"`
	CalculatedExposures []detailExposure `json:"calculated_exposures"`
}

type detailBankInfo struct {
	BankName string `json:"bank_name"`
	ABICode  string `json:"abi_code"`
	LEICode  string `json:"lei_code"`
}

type detailSummary struct {
	TotalExposures       int                       `json:"total_exposures"`
	TotalAmount          decimal.Decimal           `json:"total_amount"`
	GeographicBreakdown  map[string]detailSlice    `json:"geographic_breakdown"`
	SectorBreakdown      map[string]detailSlice    `json:"sector_breakdown"`
	ConcentrationIndices detailConcentrationLevels `json:"concentration_indices"`
}

type detailSlice struct {
	Amount     decimal.Decimal `json:"amount"`
	Percentage decimal.Decimal `json:"percentage"`
}

type detailConcentrationLevels struct {
	GeographicHHI decimal.Decimal `json:"geographic_hhi"`
	SectorHHI     decimal.Decimal `json:"sector_hhi"`
}

type detailExposure struct {
	ExposureID        string             `json:"exposure_id"`
	Counterparty      string             `json:"counterparty"`
	OriginalAmount    decimal.Decimal    `json:"original_amount"`
	OriginalCurrency  string             `json:"original_currency"`
	GrossAmount       decimal.Decimal    `json:"gross_amount"`
	TotalMitigation   decimal.Decimal    `json:"total_mitigation"`
	NetAmount         decimal.Decimal    `json:"net_amount"`
	PercentageOfTotal decimal.Decimal    `json:"percentage_of_total"`
	Country           string             `json:"country"`
	GeographicRegion  domain.Region      `json:"geographic_region"`
	Sector            domain.Sector      `json:"sector"`
	Mitigations       []detailMitigation `json:"mitigations,omitempty"`
}

type detailMitigation struct {
	Type  string          `json:"type"`
	Value decimal.Decimal `json:"value"`
}

var hundred = decimal.NewFromInt(100)

// serializeResults builds the detail document for a completed calculation.
// percentage_of_total is each exposure's net share of the portfolio total,
// four decimal places on the 0..100 scale.
func serializeResults(b *batch.Batch, a *analysis.PortfolioAnalysis, calculated []CalculatedExposure) ([]byte, error) {
	exposures := make([]detailExposure, len(calculated))
	for i, c := range calculated {
		pct := decimal.Zero
		if a.TotalAmount.IsPositive() {
			pct = c.Protected.NetAmount.Div(a.TotalAmount).Mul(hundred).Round(4)
		}

		var mitigated []detailMitigation
		for _, m := range c.Protected.Mitigations {
			mitigated = append(mitigated, detailMitigation{Type: m.Type, Value: m.Value})
		}

		exposures[i] = detailExposure{
			ExposureID:        c.Recording.ID,
			Counterparty:      c.Recording.Counterparty,
			OriginalAmount:    c.Recording.OriginalAmount,
			OriginalCurrency:  c.Recording.Currency,
			GrossAmount:       c.Gross,
			TotalMitigation:   c.Protected.TotalMitigation,
			NetAmount:         c.Protected.NetAmount,
			PercentageOfTotal: pct,
			Country:           c.Recording.Country,
			GeographicRegion:  c.Region,
			Sector:            c.Sector,
			Mitigations:       mitigated,
		}
	}

	doc := detailDocument{
		BatchID:      b.ID,
		CalculatedAt: a.AnalyzedAt,
		BankInfo: detailBankInfo{
			BankName: b.Bank.BankName,
			ABICode:  b.Bank.ABICode,
			LEICode:  b.Bank.LEICode,
		},
		Summary: detailSummary{
			TotalExposures:      len(calculated),
			TotalAmount:         a.TotalAmount,
			GeographicBreakdown: breakdownSlices(a.GeographicBreakdown),
			SectorBreakdown:     breakdownSlices(a.SectorBreakdown),
			ConcentrationIndices: detailConcentrationLevels{
				GeographicHHI: a.GeographicHHI,
				SectorHHI:     a.SectorHHI,
			},
		},
		CalculatedExposures: exposures,
	}

	content, err := json.Marshal(doc)
	if err != nil {
		return nil, domain.WrapError(domain.CodeStorageError, domain.SystemError,
			"failed to serialize calculation results", err)
	}
	return content, nil
}

func breakdownSlices(b analysis.Breakdown) map[string]detailSlice {
	slices := make(map[string]detailSlice, len(b.Entries()))
	for _, e := range b.Entries() {
		slices[e.Category] = detailSlice{Amount: e.Amount, Percentage: e.Percentage}
	}
	return slices
}
