package storage

import (
	"context"
	"fmt"

	"github.com/bcbs239/riskcalc/internal/domain"
)

// ResultsStorage derives batch-id-scoped keys for calculation result
// artifacts on top of a FileStorage backend.
type ResultsStorage struct {
	backend domain.FileStorage
}

// NewResultsStorage creates a results storage service over the given backend.
func NewResultsStorage(backend domain.FileStorage) *ResultsStorage {
	return &ResultsStorage{backend: backend}
}

// ResultsKey returns the storage key for a batch's detail artifact.
func ResultsKey(batchID string) string {
	return fmt.Sprintf("calculated/%s.json", batchID)
}

// StoreResults writes a batch's detail document and returns its URI.
func (r *ResultsStorage) StoreResults(ctx context.Context, batchID string, content []byte) (string, error) {
	return r.backend.Store(ctx, ResultsKey(batchID), content)
}

// RetrieveSource downloads the raw source document for a batch.
func (r *ResultsStorage) RetrieveSource(ctx context.Context, uri string) ([]byte, error) {
	return r.backend.Retrieve(ctx, uri)
}
