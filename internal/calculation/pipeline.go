package calculation

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/bcbs239/riskcalc/internal/domain"
	"github.com/bcbs239/riskcalc/internal/modules/classification"
	"github.com/bcbs239/riskcalc/internal/modules/protection"
	"github.com/bcbs239/riskcalc/internal/modules/valuation"
)

// CalculatedExposure is one exposure after the full per-exposure pipeline:
// valued in the reporting currency, netted of mitigations and classified.
type CalculatedExposure struct {
	Recording domain.ExposureRecording
	Gross     decimal.Decimal
	Protected protection.ProtectedExposure
	Region    domain.Region
	Sector    domain.Sector
}

// Classified projects the calculated exposure onto the aggregation input.
func (c CalculatedExposure) Classified() domain.ClassifiedExposure {
	return domain.ClassifiedExposure{
		ExposureID: c.Recording.ID,
		NetAmount:  c.Protected.NetAmount,
		Region:     c.Region,
		Sector:     c.Sector,
	}
}

// Pipeline runs the per-exposure calculation chain with bounded parallelism.
// Exposures are independent of each other, so they are processed concurrently;
// the first error cancels the remaining work and fails the whole batch.
type Pipeline struct {
	valuation *valuation.Service
	workers   int
	log       zerolog.Logger
}

func NewPipeline(valuationSvc *valuation.Service, workers int, log zerolog.Logger) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{
		valuation: valuationSvc,
		workers:   workers,
		log:       log.With().Str("component", "calculation-pipeline").Logger(),
	}
}

// Process values, nets and classifies every exposure. Results preserve the
// input order regardless of worker scheduling.
func (p *Pipeline) Process(
	ctx context.Context,
	exposures []domain.ExposureRecording,
	mitigations map[string][]domain.RawMitigation,
	asOf time.Time,
) ([]CalculatedExposure, error) {
	results := make([]CalculatedExposure, len(exposures))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for i, exp := range exposures {
		i, exp := i, exp
		g.Go(func() error {
			calculated, err := p.processOne(gctx, exp, mitigations[exp.ID], asOf)
			if err != nil {
				return err
			}
			results[i] = calculated
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	p.log.Debug().Int("exposures", len(results)).Msg("pipeline complete")
	return results, nil
}

func (p *Pipeline) processOne(
	ctx context.Context,
	exp domain.ExposureRecording,
	raw []domain.RawMitigation,
	asOf time.Time,
) (CalculatedExposure, error) {
	valued, err := p.valuation.Convert(ctx, exp.ID, exp.OriginalAmount, exp.Currency, asOf)
	if err != nil {
		return CalculatedExposure{}, err
	}

	converted := make([]domain.Mitigation, 0, len(raw))
	for _, m := range raw {
		mitigation, err := p.valuation.ConvertMitigation(ctx, m, asOf)
		if err != nil {
			return CalculatedExposure{}, err
		}
		converted = append(converted, mitigation)
	}

	protected, err := protection.Calculate(exp.ID, valued.Amount, converted)
	if err != nil {
		return CalculatedExposure{}, err
	}

	return CalculatedExposure{
		Recording: exp,
		Gross:     valued.Amount,
		Protected: protected,
		Region:    classification.ClassifyRegion(exp.Country),
		Sector:    classification.ClassifySector(exp.ProductType),
	}, nil
}
