// Package summary persists the compact, queryable side of the dual-storage
// strategy: one row per batch with totals, breakdowns, concentration indices
// and a pointer to the detail blob. Reading a summary never requires parsing
// the blob.
package summary

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/bcbs239/riskcalc/internal/domain"
	"github.com/bcbs239/riskcalc/internal/modules/analysis"
)

const schema = `
CREATE TABLE IF NOT EXISTS portfolio_analyses (
	batch_id             TEXT PRIMARY KEY,
	total_amount         TEXT NOT NULL,
	geographic_breakdown TEXT NOT NULL,
	sector_breakdown     TEXT NOT NULL,
	geographic_hhi       TEXT NOT NULL,
	geographic_level     TEXT NOT NULL,
	sector_hhi           TEXT NOT NULL,
	sector_level         TEXT NOT NULL,
	results_uri          TEXT NOT NULL,
	analyzed_at          TEXT NOT NULL
);
`

// BreakdownEntry is the persisted form of one breakdown category.
type BreakdownEntry struct {
	Category   string          `json:"category"`
	Amount     decimal.Decimal `json:"amount"`
	Percentage decimal.Decimal `json:"percentage"`
}

// Summary is the queryable read model of a persisted portfolio analysis.
type Summary struct {
	BatchID             string
	TotalAmount         decimal.Decimal
	GeographicBreakdown []BreakdownEntry
	SectorBreakdown     []BreakdownEntry
	GeographicHHI       decimal.Decimal
	GeographicLevel     string
	SectorHHI           decimal.Decimal
	SectorLevel         string
	ResultsURI          string
	AnalyzedAt          time.Time
}

// Repository persists portfolio analysis summaries in SQLite.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new summary repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "summary").Logger(),
	}
}

// InitSchema creates the portfolio_analyses table if missing.
func (r *Repository) InitSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create portfolio_analyses schema: %w", err)
	}
	return nil
}

// Insert persists an analysis within the given transaction, so the summary
// commits atomically with the batch status flip and the outbox records.
func (r *Repository) Insert(tx *sql.Tx, a *analysis.PortfolioAnalysis) error {
	geo, err := marshalBreakdown(a.GeographicBreakdown)
	if err != nil {
		return fmt.Errorf("failed to marshal geographic breakdown for batch %s: %w", a.BatchID, err)
	}
	sector, err := marshalBreakdown(a.SectorBreakdown)
	if err != nil {
		return fmt.Errorf("failed to marshal sector breakdown for batch %s: %w", a.BatchID, err)
	}

	_, err = tx.Exec(`INSERT OR REPLACE INTO portfolio_analyses
		(batch_id, total_amount, geographic_breakdown, sector_breakdown,
		 geographic_hhi, geographic_level, sector_hhi, sector_level, results_uri, analyzed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.BatchID, a.TotalAmount.String(), geo, sector,
		a.GeographicHHI.String(), string(a.GeographicLevel),
		a.SectorHHI.String(), string(a.SectorLevel),
		a.ResultsURI, a.AnalyzedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert analysis for batch %s: %w", a.BatchID, err)
	}
	return nil
}

// FindByBatchID loads a summary, or returns a NOT_FOUND typed error.
func (r *Repository) FindByBatchID(ctx context.Context, batchID string) (*Summary, error) {
	row := r.db.QueryRowContext(ctx, `SELECT
		batch_id, total_amount, geographic_breakdown, sector_breakdown,
		geographic_hhi, geographic_level, sector_hhi, sector_level, results_uri, analyzed_at
		FROM portfolio_analyses WHERE batch_id = ?`, batchID)

	var (
		s                             Summary
		total, geoHHI, sectorHHI      string
		geoJSON, sectorJSON, analyzed string
	)
	err := row.Scan(&s.BatchID, &total, &geoJSON, &sectorJSON,
		&geoHHI, &s.GeographicLevel, &sectorHHI, &s.SectorLevel,
		&s.ResultsURI, &analyzed)
	if err == sql.ErrNoRows {
		return nil, domain.NewError(domain.CodeNotFound, domain.ValidationError,
			fmt.Sprintf("no analysis for batch %s", batchID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load analysis for batch %s: %w", batchID, err)
	}

	if s.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("failed to parse total amount for batch %s: %w", batchID, err)
	}
	if s.GeographicHHI, err = decimal.NewFromString(geoHHI); err != nil {
		return nil, fmt.Errorf("failed to parse geographic HHI for batch %s: %w", batchID, err)
	}
	if s.SectorHHI, err = decimal.NewFromString(sectorHHI); err != nil {
		return nil, fmt.Errorf("failed to parse sector HHI for batch %s: %w", batchID, err)
	}
	if err = json.Unmarshal([]byte(geoJSON), &s.GeographicBreakdown); err != nil {
		return nil, fmt.Errorf("failed to parse geographic breakdown for batch %s: %w", batchID, err)
	}
	if err = json.Unmarshal([]byte(sectorJSON), &s.SectorBreakdown); err != nil {
		return nil, fmt.Errorf("failed to parse sector breakdown for batch %s: %w", batchID, err)
	}
	if s.AnalyzedAt, err = time.Parse(time.RFC3339Nano, analyzed); err != nil {
		return nil, fmt.Errorf("failed to parse analyzed_at for batch %s: %w", batchID, err)
	}

	return &s, nil
}

func marshalBreakdown(b analysis.Breakdown) (string, error) {
	entries := b.Entries()
	persisted := make([]BreakdownEntry, len(entries))
	for i, e := range entries {
		persisted[i] = BreakdownEntry{
			Category:   e.Category,
			Amount:     e.Amount,
			Percentage: e.Percentage,
		}
	}
	data, err := json.Marshal(persisted)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
