package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcbs239/riskcalc/internal/domain"
	"github.com/bcbs239/riskcalc/internal/events"
)

func testBank() domain.BankInfo {
	return domain.BankInfo{
		BankName:   "Banca di Prova",
		ABICode:    "01234",
		LEICode:    "LEI0123456789ABCDEFG",
		ReportDate: time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
	}
}

func TestCreate_StartsProcessingAndRaisesEvent(t *testing.T) {
	b, err := Create("batch-1", testBank(), 10, "file:///data/source.json")
	require.NoError(t, err)

	assert.Equal(t, StatusProcessing, b.Status)
	assert.False(t, b.IsTerminal())
	assert.False(t, b.StartedAt.IsZero())

	pulled := b.PullEvents()
	require.Len(t, pulled, 1)
	started, ok := pulled[0].(*events.BatchCalculationStartedData)
	require.True(t, ok)
	assert.Equal(t, "batch-1", started.BatchID)
	assert.Equal(t, "01234", started.ABICode)
	assert.Equal(t, 10, started.TotalExposures)
}

func TestCreate_EmptyIDRejected(t *testing.T) {
	_, err := Create("  ", testBank(), 10, "uri")
	require.Error(t, err)

	de := domain.AsError(err)
	assert.Equal(t, domain.ValidationError, de.Category)
}

func TestCompleteCalculation(t *testing.T) {
	b, err := Create("batch-1", testBank(), 10, "uri")
	require.NoError(t, err)
	b.PullEvents()

	require.NoError(t, b.CompleteCalculation("s3://bucket/calculated/batch-1.json", 10))

	assert.Equal(t, StatusCompleted, b.Status)
	assert.True(t, b.IsTerminal())
	assert.NotNil(t, b.CompletedAt)
	assert.Equal(t, "s3://bucket/calculated/batch-1.json", b.ResultsURI)

	pulled := b.PullEvents()
	require.Len(t, pulled, 1)
	completed, ok := pulled[0].(*events.BatchCalculationCompletedData)
	require.True(t, ok)
	assert.Equal(t, 10, completed.ProcessedExposures)
}

func TestFailCalculation(t *testing.T) {
	b, err := Create("batch-1", testBank(), 10, "uri")
	require.NoError(t, err)
	b.PullEvents()

	require.NoError(t, b.FailCalculation("RATE_UNAVAILABLE: no rate for XYZ/EUR"))

	assert.Equal(t, StatusFailed, b.Status)
	assert.True(t, b.IsTerminal())
	assert.NotNil(t, b.FailedAt)
	assert.Equal(t, "RATE_UNAVAILABLE: no rate for XYZ/EUR", b.FailureReason)

	pulled := b.PullEvents()
	require.Len(t, pulled, 1)
	failed, ok := pulled[0].(*events.BatchCalculationFailedData)
	require.True(t, ok)
	assert.Equal(t, "RATE_UNAVAILABLE: no rate for XYZ/EUR", failed.Reason)
}

func TestTerminalStatesRejectTransitions(t *testing.T) {
	completed, err := Create("batch-1", testBank(), 1, "uri")
	require.NoError(t, err)
	require.NoError(t, completed.CompleteCalculation("uri", 1))

	failed, err := Create("batch-2", testBank(), 1, "uri")
	require.NoError(t, err)
	require.NoError(t, failed.FailCalculation("boom"))

	for _, b := range []*Batch{completed, failed} {
		err := b.CompleteCalculation("other", 1)
		require.Error(t, err)
		assert.True(t, domain.IsCode(err, domain.CodeIllegalState))
		assert.Equal(t, domain.BusinessRuleError, domain.AsError(err).Category)

		err = b.FailCalculation("again")
		require.Error(t, err)
		assert.True(t, domain.IsCode(err, domain.CodeIllegalState))
	}
}

func TestFailCalculation_EmptyReasonRejected(t *testing.T) {
	b, err := Create("batch-1", testBank(), 1, "uri")
	require.NoError(t, err)

	err = b.FailCalculation("   ")
	require.Error(t, err)
	assert.Equal(t, StatusProcessing, b.Status, "invalid reason must not transition the batch")
}

func TestReconstitute_RaisesNoEvents(t *testing.T) {
	now := time.Now().UTC()
	b := Reconstitute("batch-1", testBank(), StatusCompleted, 5, "src", "res", now, &now, nil, "")

	assert.Equal(t, StatusCompleted, b.Status)
	assert.Empty(t, b.PullEvents())
}
