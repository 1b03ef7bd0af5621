package calculation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/bcbs239/riskcalc/internal/domain"
	"github.com/bcbs239/riskcalc/internal/events"
	"github.com/bcbs239/riskcalc/internal/modules/batch"
	"github.com/bcbs239/riskcalc/internal/modules/summary"
	"github.com/bcbs239/riskcalc/internal/modules/valuation"
	"github.com/bcbs239/riskcalc/internal/outbox"
	"github.com/bcbs239/riskcalc/internal/storage"
)

// memStorage is an in-memory FileStorage. storeErr simulates a blob store
// outage; stall makes reads hang until the context dies.
type memStorage struct {
	files    map[string][]byte
	storeErr error
	stall    bool
}

func newMemStorage() *memStorage {
	return &memStorage{files: make(map[string][]byte)}
}

func (m *memStorage) Retrieve(ctx context.Context, uri string) ([]byte, error) {
	if m.stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	content, ok := m.files[uri]
	if !ok {
		return nil, domain.NewError(domain.CodeNotFound, domain.SystemError,
			fmt.Sprintf("file not found: %s", uri))
	}
	return content, nil
}

func (m *memStorage) Store(_ context.Context, key string, content []byte) (string, error) {
	if m.storeErr != nil {
		return "", m.storeErr
	}
	uri := "mem://" + key
	m.files[uri] = content
	return uri, nil
}

type fixedRates struct {
	rates map[string]string
}

func (f *fixedRates) GetRate(_ context.Context, from, to string, _ time.Time) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	rate, ok := f.rates[from+"/"+to]
	if !ok {
		return decimal.Zero, domain.NewError(domain.CodeRateUnavailable, domain.SystemError,
			fmt.Sprintf("no rate for %s/%s", from, to))
	}
	return mustDecimal(rate), nil
}

func mustDecimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type fixture struct {
	svc       *Service
	batches   *batch.Repository
	summaries *summary.Repository
	outbox    *outbox.Store
	files     *memStorage
	db        *sql.DB
}

func setup(t *testing.T, rates map[string]string) *fixture {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// One connection: every statement sees the same in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	log := zerolog.Nop()

	batches := batch.NewRepository(db, log)
	summaries := summary.NewRepository(db, log)
	outboxStore := outbox.NewStore(db, log)
	require.NoError(t, batches.InitSchema(ctx))
	require.NoError(t, summaries.InitSchema(ctx))
	require.NoError(t, outboxStore.InitSchema(ctx))

	files := newMemStorage()
	results := storage.NewResultsStorage(files)

	valuationSvc := valuation.NewService(&fixedRates{rates: rates}, log)
	pipeline := NewPipeline(valuationSvc, 4, log)

	svc := NewService(db, results, pipeline, batches, summaries, outboxStore, time.Minute, log)

	return &fixture{
		svc:       svc,
		batches:   batches,
		summaries: summaries,
		outbox:    outboxStore,
		files:     files,
		db:        db,
	}
}

func testBank() domain.BankInfo {
	return domain.BankInfo{
		BankName:   "Banca di Prova",
		ABICode:    "01234",
		LEICode:    "LEI0123456789ABCDEFG",
		ReportDate: time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
	}
}

const sourceDoc = `{
	"batch_id": "batch-1",
	"exposures": [
		{"exposure_id": "e1", "instrument_id": "i1", "counterparty": "Alpha SpA",
		 "original_amount": "1000.00", "original_currency": "EUR",
		 "product_type": "MORTGAGE", "country": "IT"},
		{"exposure_id": "e2", "instrument_id": "i2", "counterparty": "Beta GmbH",
		 "original_amount": "2000.00", "original_currency": "USD",
		 "product_type": "CORPORATE_LOAN", "country": "DE"},
		{"exposure_id": "e3", "instrument_id": "i3", "counterparty": "Gamma Inc",
		 "original_amount": "500.00", "original_currency": "EUR",
		 "product_type": "GOVT_BOND", "country": "US"}
	],
	"mitigations": [
		{"exposure_id": "e1", "type": "COLLATERAL", "amount": "400.00", "currency": "EUR"},
		{"exposure_id": "e3", "type": "GUARANTEE", "amount": "9999.00", "currency": "EUR"}
	]
}`

func (f *fixture) submitAndRun(t *testing.T, sourceContent string, totalExposures int) *batch.Batch {
	t.Helper()

	uri, err := f.files.Store(context.Background(), "incoming/batch-1.json", []byte(sourceContent))
	require.NoError(t, err)

	b, err := f.svc.Start(context.Background(), SubmitRequest{
		BatchID:        "batch-1",
		Bank:           testBank(),
		TotalExposures: totalExposures,
		SourceURI:      uri,
	})
	require.NoError(t, err)

	_ = f.svc.Run(context.Background(), b)
	return b
}

func (f *fixture) outboxEventTypes(t *testing.T) []string {
	t.Helper()
	rows, err := f.db.Query(`SELECT event_type FROM outbox_messages ORDER BY created_at, event_type`)
	require.NoError(t, err)
	defer rows.Close()

	var types []string
	for rows.Next() {
		var et string
		require.NoError(t, rows.Scan(&et))
		types = append(types, et)
	}
	return types
}

func TestRun_CompletesBatchEndToEnd(t *testing.T) {
	f := setup(t, map[string]string{"USD/EUR": "0.90"})
	b := f.submitAndRun(t, sourceDoc, 3)

	// Batch reached COMPLETED in the database.
	loaded, err := f.batches.FindByID(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCompleted, loaded.Status)
	assert.Equal(t, "mem://calculated/batch-1.json", loaded.ResultsURI)
	assert.Equal(t, batch.StatusCompleted, b.Status)

	// Summary row committed with the status flip.
	s, err := f.summaries.FindByBatchID(context.Background(), "batch-1")
	require.NoError(t, err)
	// e1: 1000 - 400 = 600, e2: 2000 * 0.90 = 1800, e3 fully mitigated = 0.
	assert.True(t, s.TotalAmount.Equal(mustDecimal("2400.00")), "got %s", s.TotalAmount)

	// Detail blob was written before the database transaction.
	blob, err := f.files.Retrieve(context.Background(), loaded.ResultsURI)
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(blob, &doc))
	for _, key := range []string{"batch_id", "calculated_at", "bank_info", "summary", "calculated_exposures"} {
		assert.Contains(t, doc, key)
	}

	// All lifecycle events are in the outbox.
	types := f.outboxEventTypes(t)
	assert.ElementsMatch(t, []string{
		string(events.BatchCalculationStarted),
		string(events.BatchCalculationCompleted),
		string(events.PortfolioAnalysisCompleted),
	}, types)
}

func TestRun_DetailDocumentPercentagesSumToHundred(t *testing.T) {
	f := setup(t, map[string]string{"USD/EUR": "0.90"})
	f.submitAndRun(t, sourceDoc, 3)

	blob, err := f.files.Retrieve(context.Background(), "mem://calculated/batch-1.json")
	require.NoError(t, err)

	var doc struct {
		CalculatedExposures []struct {
			ExposureID        string          `json:"exposure_id"`
			NetAmount         decimal.Decimal `json:"net_amount"`
			PercentageOfTotal decimal.Decimal `json:"percentage_of_total"`
			GeographicRegion  string          `json:"geographic_region"`
			Sector            string          `json:"sector"`
		} `json:"calculated_exposures"`
	}
	require.NoError(t, json.Unmarshal(blob, &doc))
	require.Len(t, doc.CalculatedExposures, 3)

	sum := decimal.Zero
	for _, e := range doc.CalculatedExposures {
		sum = sum.Add(e.PercentageOfTotal)
	}
	diff := sum.Sub(decimal.NewFromInt(100)).Abs()
	assert.True(t, diff.LessThanOrEqual(mustDecimal("0.01")), "percentages sum to %s", sum)

	assert.Equal(t, "ITALY", doc.CalculatedExposures[0].GeographicRegion)
	assert.Equal(t, "RETAIL", doc.CalculatedExposures[0].Sector)
	assert.True(t, doc.CalculatedExposures[2].NetAmount.IsZero(), "over-mitigated exposure nets to zero")
}

func TestStart_ZeroExposuresRejectedBeforeBatchExists(t *testing.T) {
	f := setup(t, nil)

	_, err := f.svc.Start(context.Background(), SubmitRequest{
		BatchID:        "batch-1",
		Bank:           testBank(),
		TotalExposures: 0,
		SourceURI:      "mem://incoming/batch-1.json",
	})
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeNoExposures))

	_, err = f.batches.FindByID(context.Background(), "batch-1")
	assert.True(t, domain.IsCode(err, domain.CodeNotFound), "no batch row may exist")
	assert.Empty(t, f.outboxEventTypes(t))
}

func TestRun_EmptySourceDocumentFailsBatch(t *testing.T) {
	f := setup(t, nil)
	f.submitAndRun(t, `{"batch_id":"batch-1","exposures":[],"mitigations":[]}`, 5)

	loaded, err := f.batches.FindByID(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusFailed, loaded.Status)
	assert.Contains(t, loaded.FailureReason, domain.CodeNoExposures)

	_, err = f.summaries.FindByBatchID(context.Background(), "batch-1")
	assert.True(t, domain.IsCode(err, domain.CodeNotFound))

	types := f.outboxEventTypes(t)
	assert.ElementsMatch(t, []string{
		string(events.BatchCalculationStarted),
		string(events.BatchCalculationFailed),
	}, types)
}

func TestRun_RateUnavailableFailsBatch(t *testing.T) {
	f := setup(t, nil) // no USD rate configured
	f.submitAndRun(t, sourceDoc, 3)

	loaded, err := f.batches.FindByID(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusFailed, loaded.Status)
	assert.Contains(t, loaded.FailureReason, domain.CodeRateUnavailable)
}

func TestRun_BlobWriteFailureLeavesNoPartialState(t *testing.T) {
	f := setup(t, map[string]string{"USD/EUR": "0.90"})

	uri, err := f.files.Store(context.Background(), "incoming/batch-1.json", []byte(sourceDoc))
	require.NoError(t, err)

	b, err := f.svc.Start(context.Background(), SubmitRequest{
		BatchID:        "batch-1",
		Bank:           testBank(),
		TotalExposures: 3,
		SourceURI:      uri,
	})
	require.NoError(t, err)

	f.files.storeErr = domain.NewError(domain.CodeStorageError, domain.SystemError, "bucket unavailable")
	require.Error(t, f.svc.Run(context.Background(), b))

	loaded, err := f.batches.FindByID(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusFailed, loaded.Status)
	assert.Empty(t, loaded.ResultsURI)

	// No summary and no COMPLETED event may exist.
	_, err = f.summaries.FindByBatchID(context.Background(), "batch-1")
	assert.True(t, domain.IsCode(err, domain.CodeNotFound))
	assert.NotContains(t, f.outboxEventTypes(t), string(events.BatchCalculationCompleted))
}

func TestRun_CompletionTxFailureMarksBatchFailed(t *testing.T) {
	f := setup(t, map[string]string{"USD/EUR": "0.90"})

	uri, err := f.files.Store(context.Background(), "incoming/batch-1.json", []byte(sourceDoc))
	require.NoError(t, err)

	b, err := f.svc.Start(context.Background(), SubmitRequest{
		BatchID:        "batch-1",
		Bank:           testBank(),
		TotalExposures: 3,
		SourceURI:      uri,
	})
	require.NoError(t, err)

	// Break only the summary insert so the completion transaction rolls
	// back after the aggregate has already flipped to COMPLETED in memory.
	_, err = f.db.Exec(`DROP TABLE portfolio_analyses`)
	require.NoError(t, err)

	require.Error(t, f.svc.Run(context.Background(), b))

	// The persisted row must not stay PROCESSING: the failure path reloads
	// from the repository rather than trusting the in-memory status.
	loaded, err := f.batches.FindByID(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusFailed, loaded.Status)
	assert.NotEmpty(t, loaded.FailureReason)
	assert.Equal(t, batch.StatusFailed, b.Status)

	// The COMPLETED event died with the rolled-back transaction.
	assert.ElementsMatch(t, []string{
		string(events.BatchCalculationStarted),
		string(events.BatchCalculationFailed),
	}, f.outboxEventTypes(t))
}

func TestRun_TimeoutMarksBatchFailed(t *testing.T) {
	f := setup(t, nil)
	f.files.stall = true

	b, err := f.svc.Start(context.Background(), SubmitRequest{
		BatchID:        "batch-1",
		Bank:           testBank(),
		TotalExposures: 3,
		SourceURI:      "mem://incoming/batch-1.json",
	})
	require.NoError(t, err)

	svc := NewService(f.db, storage.NewResultsStorage(f.files), f.svc.pipeline,
		f.batches, f.summaries, f.outbox, 50*time.Millisecond, zerolog.Nop())

	err = svc.Run(context.Background(), b)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	loaded, err := f.batches.FindByID(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusFailed, loaded.Status)
	assert.Equal(t, "calculation timed out", loaded.FailureReason)
}

func TestRun_MissingSourceFailsBatch(t *testing.T) {
	f := setup(t, nil)

	b, err := f.svc.Start(context.Background(), SubmitRequest{
		BatchID:        "batch-1",
		Bank:           testBank(),
		TotalExposures: 3,
		SourceURI:      "mem://incoming/gone.json",
	})
	require.NoError(t, err)
	require.Error(t, f.svc.Run(context.Background(), b))

	loaded, err := f.batches.FindByID(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusFailed, loaded.Status)
	assert.Contains(t, loaded.FailureReason, domain.CodeNotFound)
}

func TestParseSource_MalformedJSON(t *testing.T) {
	_, _, err := parseSource([]byte(`{"exposures": [`))
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeParseError))
}

func TestParseSource_GroupsMitigationsByExposure(t *testing.T) {
	exposures, mitigations, err := parseSource([]byte(sourceDoc))
	require.NoError(t, err)

	require.Len(t, exposures, 3)
	assert.Equal(t, "e1", exposures[0].ID)
	assert.Len(t, mitigations["e1"], 1)
	assert.Len(t, mitigations["e3"], 1)
	assert.Empty(t, mitigations["e2"])
}
