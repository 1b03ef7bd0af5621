// Package work runs accepted batches through the calculation service with
// bounded concurrency.
package work

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/bcbs239/riskcalc/internal/calculation"
	"github.com/bcbs239/riskcalc/internal/domain"
	"github.com/bcbs239/riskcalc/internal/modules/batch"
)

// Processor accepts batch submissions and executes their calculations in the
// background. At most maxConcurrent batches run at once; a batch id is never
// executed twice concurrently.
type Processor struct {
	calc *calculation.Service
	sem  *semaphore.Weighted
	log  zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
	wg       sync.WaitGroup
}

func NewProcessor(calc *calculation.Service, maxConcurrent int64, log zerolog.Logger) *Processor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Processor{
		calc:     calc,
		sem:      semaphore.NewWeighted(maxConcurrent),
		log:      log.With().Str("component", "batch-processor").Logger(),
		inFlight: make(map[string]bool),
	}
}

// Submit validates and persists the batch, then schedules its calculation.
// Returns as soon as the batch is accepted in PROCESSING state.
func (p *Processor) Submit(ctx context.Context, req calculation.SubmitRequest) (*batch.Batch, error) {
	p.mu.Lock()
	if p.inFlight[req.BatchID] {
		p.mu.Unlock()
		return nil, domain.NewError(domain.CodeIllegalState, domain.BusinessRuleError,
			fmt.Sprintf("batch %s is already being processed", req.BatchID))
	}
	p.inFlight[req.BatchID] = true
	p.mu.Unlock()

	b, err := p.calc.Start(ctx, req)
	if err != nil {
		p.release(req.BatchID)
		return nil, err
	}

	// The worker gets its own copy so the caller can read the accepted
	// batch without racing the calculation's state transitions.
	runCopy := *b
	p.wg.Add(1)
	go p.run(&runCopy)

	return b, nil
}

func (p *Processor) run(b *batch.Batch) {
	defer p.wg.Done()
	defer p.release(b.ID)

	// The submission request is long gone by the time a worker slot frees
	// up, so the calculation runs on its own context.
	ctx := context.Background()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.log.Error().Str("batch_id", b.ID).Err(err).Msg("failed to acquire worker slot")
		return
	}
	defer p.sem.Release(1)

	if err := p.calc.Run(ctx, b); err != nil {
		p.log.Error().Str("batch_id", b.ID).Err(err).Msg("batch calculation failed")
	}
}

func (p *Processor) release(batchID string) {
	p.mu.Lock()
	delete(p.inFlight, batchID)
	p.mu.Unlock()
}

// InFlight reports whether the given batch is currently queued or running.
func (p *Processor) InFlight(batchID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight[batchID]
}

// Shutdown waits for in-flight batches to finish or the context to expire.
func (p *Processor) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
