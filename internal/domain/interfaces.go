package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeRateProvider supplies a conversion rate for a currency pair on a
// specific date. Implementations must return a RATE_UNAVAILABLE typed error
// when no rate exists for that exact date - no silent substitution of a
// different date.
type ExchangeRateProvider interface {
	GetRate(ctx context.Context, from, to string, date time.Time) (decimal.Decimal, error)
}

// FileStorage is the blob storage port. Retrieve returns a NOT_FOUND typed
// error for missing URIs and IO_ERROR for transport failures. Store returns
// the URI of the written object.
type FileStorage interface {
	Retrieve(ctx context.Context, uri string) ([]byte, error)
	Store(ctx context.Context, key string, content []byte) (string, error)
}
