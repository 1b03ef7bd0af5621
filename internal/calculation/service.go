// Package calculation orchestrates the batch risk calculation: source
// ingestion, the per-exposure valuation/protection/classification pipeline,
// portfolio aggregation and the dual-write persistence of results.
package calculation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/bcbs239/riskcalc/internal/domain"
	"github.com/bcbs239/riskcalc/internal/modules/analysis"
	"github.com/bcbs239/riskcalc/internal/modules/batch"
	"github.com/bcbs239/riskcalc/internal/modules/summary"
	"github.com/bcbs239/riskcalc/internal/outbox"
	"github.com/bcbs239/riskcalc/internal/storage"
)

// SubmitRequest describes a batch handed to the engine for calculation.
type SubmitRequest struct {
	BatchID        string
	Bank           domain.BankInfo
	TotalExposures int
	SourceURI      string
}

// Service runs batch calculations end to end. The persistence ordering is
// strict: the detail blob is written to file storage before any database
// state changes, and the COMPLETED transition, the summary row and the
// outbox events commit in a single transaction. A batch never stays in
// PROCESSING after Run returns.
type Service struct {
	db        *sql.DB
	results   *storage.ResultsStorage
	pipeline  *Pipeline
	batches   *batch.Repository
	summaries *summary.Repository
	outbox    *outbox.Store
	timeout   time.Duration
	log       zerolog.Logger
}

func NewService(
	db *sql.DB,
	results *storage.ResultsStorage,
	pipeline *Pipeline,
	batches *batch.Repository,
	summaries *summary.Repository,
	outboxStore *outbox.Store,
	timeout time.Duration,
	log zerolog.Logger,
) *Service {
	return &Service{
		db:        db,
		results:   results,
		pipeline:  pipeline,
		batches:   batches,
		summaries: summaries,
		outbox:    outboxStore,
		timeout:   timeout,
		log:       log.With().Str("service", "calculation").Logger(),
	}
}

// Start validates the request and persists a new PROCESSING batch together
// with its started event. A zero-exposure submission is rejected before any
// batch exists.
func (s *Service) Start(ctx context.Context, req SubmitRequest) (*batch.Batch, error) {
	if req.TotalExposures == 0 {
		return nil, domain.NewError(domain.CodeNoExposures, domain.ValidationError,
			fmt.Sprintf("batch %s declares no exposures", req.BatchID))
	}

	b, err := batch.Create(req.BatchID, req.Bank, req.TotalExposures, req.SourceURI)
	if err != nil {
		return nil, err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.batches.Insert(tx, b); err != nil {
			return err
		}
		reg := &outbox.Registry{}
		reg.RegisterEntity(b)
		return s.outbox.Commit(tx, reg)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("batch_id", b.ID).
		Str("abi_code", b.Bank.ABICode).
		Int("total_exposures", b.TotalExposures).
		Msg("batch started")
	return b, nil
}

// Run executes the calculation for a PROCESSING batch under the configured
// timeout. On any failure the batch transitions to FAILED with the captured
// reason and the original error is returned.
func (s *Service) Run(ctx context.Context, b *batch.Batch) error {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.calculateRecovered(runCtx, b)
	if err == nil {
		return nil
	}

	// The run context may already be dead; the failure transition must
	// still be persisted.
	if failErr := s.fail(context.WithoutCancel(ctx), b, failureReason(err)); failErr != nil {
		return errors.Join(err, failErr)
	}
	return err
}

// calculateRecovered converts a panic anywhere in the calculation into a
// typed error so the batch still transitions to FAILED.
func (s *Service) calculateRecovered(ctx context.Context, b *batch.Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("batch_id", b.ID).Interface("panic", r).Msg("calculation panicked")
			err = domain.NewError("UNEXPECTED_ERROR", domain.SystemError,
				fmt.Sprintf("panic during calculation: %v", r))
		}
	}()
	return s.calculate(ctx, b)
}

func (s *Service) calculate(ctx context.Context, b *batch.Batch) error {
	content, err := s.results.RetrieveSource(ctx, b.SourceURI)
	if err != nil {
		return err
	}

	exposures, mitigations, err := parseSource(content)
	if err != nil {
		return err
	}

	calculated, err := s.pipeline.Process(ctx, exposures, mitigations, b.Bank.ReportDate)
	if err != nil {
		return err
	}

	classified := make([]domain.ClassifiedExposure, len(calculated))
	for i, c := range calculated {
		classified[i] = c.Classified()
	}
	portfolio := analysis.Analyze(b.ID, classified)

	doc, err := serializeResults(b, portfolio, calculated)
	if err != nil {
		return err
	}

	// Detail blob first. If this write fails nothing in the database has
	// changed and the batch fails cleanly.
	uri, err := s.results.StoreResults(ctx, b.ID, doc)
	if err != nil {
		return err
	}
	portfolio.ResultsURI = uri

	if err := b.CompleteCalculation(uri, len(calculated)); err != nil {
		return err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.batches.Update(tx, b); err != nil {
			return err
		}
		if err := s.summaries.Insert(tx, portfolio); err != nil {
			return err
		}
		reg := &outbox.Registry{}
		reg.RegisterEntity(b)
		reg.RegisterEntity(portfolio)
		return s.outbox.Commit(tx, reg)
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Str("batch_id", b.ID).
		Int("exposures", len(calculated)).
		Str("total_amount", portfolio.TotalAmount.String()).
		Str("results_uri", uri).
		Msg("batch completed")
	return nil
}

func (s *Service) fail(ctx context.Context, b *batch.Batch, reason string) error {
	// The in-memory aggregate may have flipped terminal inside a
	// transaction that never committed. The persisted row is the truth,
	// so reload before attempting the transition.
	stored, err := s.batches.FindByID(ctx, b.ID)
	if err != nil {
		return err
	}

	if err := stored.FailCalculation(reason); err != nil {
		// Terminal on disk, nothing to persist.
		s.log.Warn().Str("batch_id", b.ID).Err(err).Msg("failure transition rejected")
		return nil
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.batches.Update(tx, stored); err != nil {
			return err
		}
		reg := &outbox.Registry{}
		reg.RegisterEntity(stored)
		return s.outbox.Commit(tx, reg)
	})
	if err != nil {
		return err
	}
	*b = *stored

	s.log.Error().Str("batch_id", b.ID).Str("reason", reason).Msg("batch failed")
	return nil
}

func (s *Service) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapError(domain.CodeStorageError, domain.SystemError,
			"failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.WrapError(domain.CodeStorageError, domain.SystemError,
			"failed to commit transaction", err)
	}
	return nil
}

// failureReason renders an error as the persisted batch failure reason.
func failureReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "calculation timed out"
	}
	de := domain.AsError(err)
	return fmt.Sprintf("%s: %s", de.Code, de.Message)
}
