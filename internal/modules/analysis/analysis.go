// Package analysis aggregates classified exposures into a portfolio-level
// concentration analysis: totals, per-dimension breakdowns and
// Herfindahl-Hirschman indices. All arithmetic is exact decimal.
package analysis

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/bcbs239/riskcalc/internal/domain"
	"github.com/bcbs239/riskcalc/internal/events"
)

// PortfolioAnalysis is the aggregation result for one batch. It references
// the batch by id only and is created once via Analyze.
type PortfolioAnalysis struct {
	BatchID             string
	TotalAmount         decimal.Decimal
	GeographicBreakdown Breakdown
	SectorBreakdown     Breakdown
	GeographicHHI       decimal.Decimal
	GeographicLevel     ConcentrationLevel
	SectorHHI           decimal.Decimal
	SectorLevel         ConcentrationLevel
	ResultsURI          string // pointer to the detail blob, set before persistence
	AnalyzedAt          time.Time

	pendingEvents []events.EventData
}

// Analyze computes the portfolio analysis for a set of classified exposures.
// A zero-exposure batch is not an error: total 0, zero breakdowns, HHI 0,
// level LOW. Raises PortfolioAnalysisCompleted.
func Analyze(batchID string, exposures []domain.ClassifiedExposure) *PortfolioAnalysis {
	total := decimal.Zero
	byRegion := make(map[string]decimal.Decimal, len(domain.Regions))
	bySector := make(map[string]decimal.Decimal, len(domain.Sectors))

	for _, e := range exposures {
		total = total.Add(e.NetAmount)
		byRegion[string(e.Region)] = byRegion[string(e.Region)].Add(e.NetAmount)
		bySector[string(e.Sector)] = bySector[string(e.Sector)].Add(e.NetAmount)
	}

	regionCategories := make([]string, len(domain.Regions))
	for i, r := range domain.Regions {
		regionCategories[i] = string(r)
	}
	sectorCategories := make([]string, len(domain.Sectors))
	for i, s := range domain.Sectors {
		sectorCategories[i] = string(s)
	}

	geographic := newBreakdown(regionCategories, byRegion, total)
	sector := newBreakdown(sectorCategories, bySector, total)

	geoHHI := herfindahl(geographic.shares(total))
	sectorHHI := herfindahl(sector.shares(total))

	a := &PortfolioAnalysis{
		BatchID:             batchID,
		TotalAmount:         total,
		GeographicBreakdown: geographic,
		SectorBreakdown:     sector,
		GeographicHHI:       geoHHI,
		GeographicLevel:     concentrationLevel(geoHHI),
		SectorHHI:           sectorHHI,
		SectorLevel:         concentrationLevel(sectorHHI),
		AnalyzedAt:          time.Now().UTC(),
	}

	a.pendingEvents = append(a.pendingEvents, &events.PortfolioAnalysisCompletedData{
		BatchID:       batchID,
		TotalAmount:   total.String(),
		GeographicHHI: geoHHI.String(),
		SectorHHI:     sectorHHI.String(),
		AnalyzedAt:    a.AnalyzedAt,
	})

	return a
}

// PullEvents drains the pending event buffer. The outbox calls this when
// registering the aggregate so payloads commit with the state change.
func (a *PortfolioAnalysis) PullEvents() []events.EventData {
	pulled := a.pendingEvents
	a.pendingEvents = nil
	return pulled
}
