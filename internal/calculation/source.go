package calculation

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/bcbs239/riskcalc/internal/domain"
)

// sourceDocument is the raw ingestion artifact produced upstream: parsed
// exposures and mitigations for one reporting batch, still in their
// original currencies.
type sourceDocument struct {
	BatchID   string `json:"batch_id"`
	Exposures []struct {
		ExposureID       string          `json:"exposure_id"`
		InstrumentID     string          `json:"instrument_id"`
		Counterparty     string          `json:"counterparty"`
		OriginalAmount   decimal.Decimal `json:"original_amount"`
		OriginalCurrency string          `json:"original_currency"`
		ProductType      string          `json:"product_type"`
		Country          string          `json:"country"`
	} `json:"exposures"`
	Mitigations []struct {
		ExposureID string          `json:"exposure_id"`
		Type       string          `json:"type"`
		Amount     decimal.Decimal `json:"amount"`
		Currency   string          `json:"currency"`
	} `json:"mitigations"`
}

// parseSource decodes a source document into exposure recordings and
// mitigations grouped by exposure id. An empty exposure list is a
// NO_EXPOSURES validation error.
func parseSource(content []byte) ([]domain.ExposureRecording, map[string][]domain.RawMitigation, error) {
	var doc sourceDocument
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, nil, domain.WrapError(domain.CodeParseError, domain.ValidationError,
			"failed to parse source document", err)
	}

	if len(doc.Exposures) == 0 {
		return nil, nil, domain.NewError(domain.CodeNoExposures, domain.ValidationError,
			"source document contains no exposures")
	}

	exposures := make([]domain.ExposureRecording, len(doc.Exposures))
	for i, e := range doc.Exposures {
		if e.ExposureID == "" {
			return nil, nil, domain.NewError(domain.CodeParseError, domain.ValidationError,
				fmt.Sprintf("exposure at index %d has no id", i))
		}
		exposures[i] = domain.ExposureRecording{
			ID:             e.ExposureID,
			InstrumentID:   e.InstrumentID,
			Counterparty:   e.Counterparty,
			OriginalAmount: e.OriginalAmount,
			Currency:       e.OriginalCurrency,
			ProductType:    e.ProductType,
			Country:        e.Country,
		}
	}

	mitigations := make(map[string][]domain.RawMitigation, len(doc.Mitigations))
	for _, m := range doc.Mitigations {
		mitigations[m.ExposureID] = append(mitigations[m.ExposureID], domain.RawMitigation{
			ExposureID: m.ExposureID,
			Type:       m.Type,
			Amount:     m.Amount,
			Currency:   m.Currency,
		})
	}

	return exposures, mitigations, nil
}
