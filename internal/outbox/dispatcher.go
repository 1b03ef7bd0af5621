package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/bcbs239/riskcalc/internal/events"
)

// Handler processes one delivered event payload. Handlers must be
// idempotent: at-least-once delivery means redelivery after a crash between
// commit and acknowledgement.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Dispatcher polls committed-undelivered outbox messages and delivers them
// to registered handlers.
type Dispatcher struct {
	store       *Store
	cron        *cron.Cron
	batchSize   int
	maxAttempts int
	log         zerolog.Logger

	mu       sync.RWMutex
	handlers map[events.EventType]Handler
}

// DispatcherConfig tunes the polling dispatcher.
type DispatcherConfig struct {
	PollInterval string // cron @every spec, e.g. "@every 2s"
	BatchSize    int
	MaxAttempts  int
}

// NewDispatcher creates a new outbox dispatcher
func NewDispatcher(store *Store, cfg DispatcherConfig, log zerolog.Logger) *Dispatcher {
	if cfg.PollInterval == "" {
		cfg.PollInterval = "@every 2s"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}

	d := &Dispatcher{
		store:       store,
		cron:        cron.New(),
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		handlers:    make(map[events.EventType]Handler),
		log:         log.With().Str("service", "outbox_dispatcher").Logger(),
	}

	_, err := d.cron.AddFunc(cfg.PollInterval, func() {
		if _, err := d.RunOnce(context.Background()); err != nil {
			d.log.Error().Err(err).Msg("Outbox poll failed")
		}
	})
	if err != nil {
		// Only reachable with a malformed interval from config defaults
		d.log.Error().Err(err).Str("interval", cfg.PollInterval).Msg("Invalid poll interval")
	}

	return d
}

// Subscribe registers a handler for an event type. Later subscriptions for
// the same type replace earlier ones.
func (d *Dispatcher) Subscribe(eventType events.EventType, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = handler
}

// Start begins background polling.
func (d *Dispatcher) Start() {
	d.cron.Start()
	d.log.Info().Msg("Outbox dispatcher started")
}

// Stop halts polling and waits for an in-flight poll to finish.
func (d *Dispatcher) Stop() {
	ctx := d.cron.Stop()
	<-ctx.Done()
	d.log.Info().Msg("Outbox dispatcher stopped")
}

// RunOnce processes a single batch of due messages. Returns the number
// delivered. Individual message failures do not fail the batch.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	messages, err := d.store.Due(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}

	delivered := 0
	for _, m := range messages {
		if err := d.deliver(ctx, m); err != nil {
			d.log.Warn().
				Err(err).
				Str("message_id", m.ID).
				Str("event_type", string(m.EventType)).
				Int("attempts", m.Attempts+1).
				Msg("Event delivery failed")

			if markErr := d.store.MarkAttemptFailed(ctx, m.ID, m.Attempts, d.maxAttempts, err); markErr != nil {
				d.log.Error().Err(markErr).Str("message_id", m.ID).Msg("Failed to record delivery failure")
			}
			continue
		}

		if err := d.store.MarkDelivered(ctx, m.ID); err != nil {
			// The handler ran; redelivery on next poll is acceptable under
			// at-least-once semantics.
			d.log.Error().Err(err).Str("message_id", m.ID).Msg("Failed to acknowledge delivery")
			continue
		}
		delivered++
	}

	d.log.Debug().
		Int("due", len(messages)).
		Int("delivered", delivered).
		Msg("Outbox batch processed")

	return delivered, nil
}

func (d *Dispatcher) deliver(ctx context.Context, m Message) error {
	d.mu.RLock()
	handler, ok := d.handlers[m.EventType]
	d.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no handler registered for event type %s", m.EventType)
	}
	return handler(ctx, m.Payload)
}
