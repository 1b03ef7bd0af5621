// Package batch implements the batch aggregate: the state machine that
// tracks one reporting batch through its calculation lifecycle and raises
// domain events on every transition.
package batch

import (
	"fmt"
	"strings"
	"time"

	"github.com/bcbs239/riskcalc/internal/domain"
	"github.com/bcbs239/riskcalc/internal/events"
)

// Status is the lifecycle state of a batch.
type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Batch is the aggregate root for one reporting batch. Created via Create,
// mutated only through CompleteCalculation and FailCalculation. Once
// terminal (COMPLETED or FAILED) no further transitions are possible -
// retries must use a fresh batch id.
type Batch struct {
	ID             string
	Bank           domain.BankInfo
	Status         Status
	TotalExposures int
	SourceURI      string
	ResultsURI     string
	StartedAt      time.Time
	CompletedAt    *time.Time
	FailedAt       *time.Time
	FailureReason  string

	pendingEvents []events.EventData
}

// Create starts a new batch in PROCESSING state and raises
// BatchCalculationStarted.
func Create(id string, bank domain.BankInfo, totalExposures int, sourceURI string) (*Batch, error) {
	if strings.TrimSpace(id) == "" {
		return nil, domain.NewError("INVALID_BATCH_ID", domain.ValidationError, "batch id cannot be empty")
	}
	if totalExposures < 0 {
		return nil, domain.NewError("INVALID_EXPOSURE_COUNT", domain.ValidationError,
			fmt.Sprintf("total exposures cannot be negative: %d", totalExposures))
	}

	now := time.Now().UTC()
	b := &Batch{
		ID:             id,
		Bank:           bank,
		Status:         StatusProcessing,
		TotalExposures: totalExposures,
		SourceURI:      sourceURI,
		StartedAt:      now,
	}

	b.pendingEvents = append(b.pendingEvents, &events.BatchCalculationStartedData{
		BatchID:        id,
		ABICode:        bank.ABICode,
		TotalExposures: totalExposures,
		StartedAt:      now,
	})

	return b, nil
}

// CompleteCalculation transitions the batch to COMPLETED. Legal only from
// PROCESSING; raises BatchCalculationCompleted.
func (b *Batch) CompleteCalculation(resultsURI string, processedExposures int) error {
	if b.Status != StatusProcessing {
		return domain.NewError(domain.CodeIllegalState, domain.BusinessRuleError,
			fmt.Sprintf("cannot complete batch %s in state %s", b.ID, b.Status))
	}
	if processedExposures < 0 {
		return domain.NewError("INVALID_EXPOSURE_COUNT", domain.ValidationError,
			fmt.Sprintf("processed exposures cannot be negative: %d", processedExposures))
	}

	now := time.Now().UTC()
	b.Status = StatusCompleted
	b.ResultsURI = resultsURI
	b.CompletedAt = &now

	b.pendingEvents = append(b.pendingEvents, &events.BatchCalculationCompletedData{
		BatchID:            b.ID,
		ABICode:            b.Bank.ABICode,
		ProcessedExposures: processedExposures,
		ResultsURI:         resultsURI,
		CompletedAt:        now,
	})

	return nil
}

// FailCalculation transitions the batch to FAILED with a captured reason.
// Legal only from PROCESSING; raises BatchCalculationFailed.
func (b *Batch) FailCalculation(reason string) error {
	if b.Status != StatusProcessing {
		return domain.NewError(domain.CodeIllegalState, domain.BusinessRuleError,
			fmt.Sprintf("cannot fail batch %s in state %s", b.ID, b.Status))
	}
	if strings.TrimSpace(reason) == "" {
		return domain.NewError("INVALID_FAILURE_REASON", domain.ValidationError, "failure reason cannot be empty")
	}

	now := time.Now().UTC()
	b.Status = StatusFailed
	b.FailureReason = reason
	b.FailedAt = &now

	b.pendingEvents = append(b.pendingEvents, &events.BatchCalculationFailedData{
		BatchID:  b.ID,
		ABICode:  b.Bank.ABICode,
		Reason:   reason,
		FailedAt: now,
	})

	return nil
}

// IsTerminal reports whether the batch reached a final state.
func (b *Batch) IsTerminal() bool {
	return b.Status == StatusCompleted || b.Status == StatusFailed
}

// PullEvents drains the pending event buffer. Called by the outbox when the
// aggregate's state change is committed.
func (b *Batch) PullEvents() []events.EventData {
	pulled := b.pendingEvents
	b.pendingEvents = nil
	return pulled
}

// Reconstitute rebuilds a batch from persisted state without raising events.
func Reconstitute(
	id string,
	bank domain.BankInfo,
	status Status,
	totalExposures int,
	sourceURI, resultsURI string,
	startedAt time.Time,
	completedAt, failedAt *time.Time,
	failureReason string,
) *Batch {
	return &Batch{
		ID:             id,
		Bank:           bank,
		Status:         status,
		TotalExposures: totalExposures,
		SourceURI:      sourceURI,
		ResultsURI:     resultsURI,
		StartedAt:      startedAt,
		CompletedAt:    completedAt,
		FailedAt:       failedAt,
		FailureReason:  failureReason,
	}
}
