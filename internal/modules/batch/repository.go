package batch

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bcbs239/riskcalc/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	batch_id        TEXT PRIMARY KEY,
	bank_name       TEXT NOT NULL,
	abi_code        TEXT NOT NULL,
	lei_code        TEXT NOT NULL,
	report_date     TEXT NOT NULL,
	status          TEXT NOT NULL,
	total_exposures INTEGER NOT NULL,
	source_uri      TEXT NOT NULL,
	results_uri     TEXT,
	started_at      TEXT NOT NULL,
	completed_at    TEXT,
	failed_at       TEXT,
	failure_reason  TEXT
);
CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);
`

// Repository persists batch aggregates in SQLite. The status column doubles
// as a single-writer lock: terminal transitions are guarded updates that
// only succeed from PROCESSING.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new batch repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "batch").Logger(),
	}
}

// InitSchema creates the batches table if missing.
func (r *Repository) InitSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create batches schema: %w", err)
	}
	return nil
}

// Insert persists a freshly created batch within the given transaction.
// Fails if the batch id already exists.
func (r *Repository) Insert(tx *sql.Tx, b *Batch) error {
	_, err := tx.Exec(`INSERT INTO batches
		(batch_id, bank_name, abi_code, lei_code, report_date, status,
		 total_exposures, source_uri, results_uri, started_at, completed_at, failed_at, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Bank.BankName, b.Bank.ABICode, b.Bank.LEICode,
		b.Bank.ReportDate.Format("2006-01-02"), string(b.Status),
		b.TotalExposures, b.SourceURI, nullString(b.ResultsURI),
		b.StartedAt.Format(time.RFC3339Nano),
		nullTime(b.CompletedAt), nullTime(b.FailedAt), nullString(b.FailureReason))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return domain.NewError(domain.CodeIllegalState, domain.BusinessRuleError,
				fmt.Sprintf("batch %s already exists", b.ID))
		}
		return fmt.Errorf("failed to insert batch %s: %w", b.ID, err)
	}
	return nil
}

// Update persists a state transition within the given transaction. The
// guarded WHERE clause enforces single-writer semantics: an already-terminal
// row cannot be overwritten, even by a racing worker.
func (r *Repository) Update(tx *sql.Tx, b *Batch) error {
	res, err := tx.Exec(`UPDATE batches SET
		status = ?, results_uri = ?, completed_at = ?, failed_at = ?, failure_reason = ?
		WHERE batch_id = ? AND status = ?`,
		string(b.Status), nullString(b.ResultsURI),
		nullTime(b.CompletedAt), nullTime(b.FailedAt), nullString(b.FailureReason),
		b.ID, string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to update batch %s: %w", b.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result for batch %s: %w", b.ID, err)
	}
	if affected == 0 {
		return domain.NewError(domain.CodeIllegalState, domain.BusinessRuleError,
			fmt.Sprintf("batch %s is not in PROCESSING state", b.ID))
	}
	return nil
}

// FindByID reconstitutes a batch, or returns a NOT_FOUND typed error.
func (r *Repository) FindByID(ctx context.Context, id string) (*Batch, error) {
	row := r.db.QueryRowContext(ctx, `SELECT
		batch_id, bank_name, abi_code, lei_code, report_date, status,
		total_exposures, source_uri, results_uri, started_at, completed_at, failed_at, failure_reason
		FROM batches WHERE batch_id = ?`, id)

	var (
		b          Batch
		reportDate string
		status     string
		resultsURI sql.NullString
		startedAt  string
		completed  sql.NullString
		failed     sql.NullString
		reason     sql.NullString
	)
	err := row.Scan(&b.ID, &b.Bank.BankName, &b.Bank.ABICode, &b.Bank.LEICode,
		&reportDate, &status, &b.TotalExposures, &b.SourceURI, &resultsURI,
		&startedAt, &completed, &failed, &reason)
	if err == sql.ErrNoRows {
		return nil, domain.NewError(domain.CodeNotFound, domain.ValidationError,
			fmt.Sprintf("batch %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load batch %s: %w", id, err)
	}

	b.Status = Status(status)
	b.ResultsURI = resultsURI.String
	b.FailureReason = reason.String

	if b.Bank.ReportDate, err = time.Parse("2006-01-02", reportDate); err != nil {
		return nil, fmt.Errorf("failed to parse report date for batch %s: %w", id, err)
	}
	if b.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at for batch %s: %w", id, err)
	}
	if b.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, fmt.Errorf("failed to parse completed_at for batch %s: %w", id, err)
	}
	if b.FailedAt, err = parseNullTime(failed); err != nil {
		return nil, fmt.Errorf("failed to parse failed_at for batch %s: %w", id, err)
	}

	return &b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
