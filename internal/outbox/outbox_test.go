package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/bcbs239/riskcalc/internal/events"
)

// fakeAggregate buffers events like a real aggregate.
type fakeAggregate struct {
	pending []events.EventData
}

func (f *fakeAggregate) PullEvents() []events.EventData {
	pulled := f.pending
	f.pending = nil
	return pulled
}

func startedEvent(batchID string) events.EventData {
	return &events.BatchCalculationStartedData{
		BatchID:        batchID,
		ABICode:        "01234",
		TotalExposures: 5,
		StartedAt:      time.Now().UTC(),
	}
}

func setupStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewStore(db, zerolog.Nop())
	require.NoError(t, store.InitSchema(context.Background()))
	return store, db
}

func commitEvents(t *testing.T, store *Store, db *sql.DB, sources ...EventSource) {
	t.Helper()
	tx, err := db.Begin()
	require.NoError(t, err)
	reg := &Registry{}
	for _, src := range sources {
		reg.RegisterEntity(src)
	}
	require.NoError(t, store.Commit(tx, reg))
	require.NoError(t, tx.Commit())
}

func TestCommit_PersistsEventsFromAllSources(t *testing.T) {
	store, db := setupStore(t)

	a := &fakeAggregate{pending: []events.EventData{startedEvent("batch-1")}}
	b := &fakeAggregate{pending: []events.EventData{
		&events.PortfolioAnalysisCompletedData{BatchID: "batch-1", TotalAmount: "1000", GeographicHHI: "0.5", SectorHHI: "0.5", AnalyzedAt: time.Now().UTC()},
	}}

	commitEvents(t, store, db, a, b)

	due, err := store.Due(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Empty(t, a.pending, "commit drains the aggregate buffer")
}

func TestCommit_RollbackDiscardsEvents(t *testing.T) {
	store, db := setupStore(t)

	tx, err := db.Begin()
	require.NoError(t, err)
	reg := &Registry{}
	reg.RegisterEntity(&fakeAggregate{pending: []events.EventData{startedEvent("batch-1")}})
	require.NoError(t, store.Commit(tx, reg))
	require.NoError(t, tx.Rollback())

	due, err := store.Due(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "rolled-back events must never become visible")
}

func TestRunOnce_DeliversAndAcknowledges(t *testing.T) {
	store, db := setupStore(t)
	commitEvents(t, store, db, &fakeAggregate{pending: []events.EventData{startedEvent("batch-1")}})

	d := NewDispatcher(store, DispatcherConfig{}, zerolog.Nop())

	var received []string
	d.Subscribe(events.BatchCalculationStarted, func(ctx context.Context, payload json.RawMessage) error {
		var data events.BatchCalculationStartedData
		if err := json.Unmarshal(payload, &data); err != nil {
			return err
		}
		received = append(received, data.BatchID)
		return nil
	})

	delivered, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, []string{"batch-1"}, received)

	// Acknowledged messages are not redelivered.
	delivered, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
}

func TestRunOnce_FailedDeliveryRetriesWithBackoff(t *testing.T) {
	store, db := setupStore(t)
	commitEvents(t, store, db, &fakeAggregate{pending: []events.EventData{startedEvent("batch-1")}})

	d := NewDispatcher(store, DispatcherConfig{MaxAttempts: 3}, zerolog.Nop())

	calls := 0
	d.Subscribe(events.BatchCalculationStarted, func(ctx context.Context, payload json.RawMessage) error {
		calls++
		return errors.New("broker unreachable")
	})

	delivered, err := d.RunOnce(context.Background())
	require.NoError(t, err, "one poison message must not fail the batch")
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 1, calls)

	var status string
	var attempts int
	var nextAttempt int64
	row := db.QueryRow(`SELECT status, attempts, next_attempt_at FROM outbox_messages`)
	require.NoError(t, row.Scan(&status, &attempts, &nextAttempt))
	assert.Equal(t, StatusPending, status)
	assert.Equal(t, 1, attempts)

	next := time.UnixMilli(nextAttempt).UTC()
	assert.True(t, next.After(time.Now().UTC()), "backoff pushes the next attempt into the future")

	// Not due yet, so the next poll skips it.
	delivered, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 1, calls)
}

func TestRunOnce_ParksMessageAfterMaxAttempts(t *testing.T) {
	store, db := setupStore(t)
	commitEvents(t, store, db, &fakeAggregate{pending: []events.EventData{startedEvent("batch-1")}})

	d := NewDispatcher(store, DispatcherConfig{MaxAttempts: 1}, zerolog.Nop())
	d.Subscribe(events.BatchCalculationStarted, func(ctx context.Context, payload json.RawMessage) error {
		return errors.New("permanently broken")
	})

	_, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	var status, lastError string
	row := db.QueryRow(`SELECT status, last_error FROM outbox_messages`)
	require.NoError(t, row.Scan(&status, &lastError))
	assert.Equal(t, StatusFailed, status)
	assert.Equal(t, "permanently broken", lastError)
}

func TestRunOnce_MissingHandlerIsRetried(t *testing.T) {
	store, db := setupStore(t)
	commitEvents(t, store, db, &fakeAggregate{pending: []events.EventData{startedEvent("batch-1")}})

	d := NewDispatcher(store, DispatcherConfig{MaxAttempts: 5}, zerolog.Nop())

	delivered, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)

	var status string
	row := db.QueryRow(`SELECT status FROM outbox_messages`)
	require.NoError(t, row.Scan(&status))
	assert.Equal(t, StatusPending, status, "a subscriber registered later still gets the event")
}
