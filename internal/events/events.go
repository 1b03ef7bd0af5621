// Package events defines the domain events raised by the risk calculation
// core. Events are buffered on their aggregates and recorded through the
// outbox together with the state change that produced them.
package events

import "time"

// EventType identifies a domain event for outbox routing.
type EventType string

const (
	BatchCalculationStarted    EventType = "batch_calculation_started"
	BatchCalculationCompleted  EventType = "batch_calculation_completed"
	BatchCalculationFailed     EventType = "batch_calculation_failed"
	PortfolioAnalysisCompleted EventType = "portfolio_analysis_completed"
)

// AllTypes lists every event type the engine emits, for consumers that
// subscribe to the full stream.
var AllTypes = []EventType{
	BatchCalculationStarted,
	BatchCalculationCompleted,
	BatchCalculationFailed,
	PortfolioAnalysisCompleted,
}

// EventData is implemented by all event payloads.
type EventData interface {
	// EventType returns the event type this payload is associated with
	EventType() EventType
}

// BatchCalculationStartedData is raised when a batch enters PROCESSING.
type BatchCalculationStartedData struct {
	BatchID        string    `json:"batch_id"`
	ABICode        string    `json:"abi_code"`
	TotalExposures int       `json:"total_exposures"`
	StartedAt      time.Time `json:"started_at"`
}

// EventType returns the event type for BatchCalculationStartedData
func (d *BatchCalculationStartedData) EventType() EventType {
	return BatchCalculationStarted
}

// BatchCalculationCompletedData is raised when a batch transitions to COMPLETED.
type BatchCalculationCompletedData struct {
	BatchID            string    `json:"batch_id"`
	ABICode            string    `json:"abi_code"`
	ProcessedExposures int       `json:"processed_exposures"`
	ResultsURI         string    `json:"results_uri"`
	CompletedAt        time.Time `json:"completed_at"`
}

// EventType returns the event type for BatchCalculationCompletedData
func (d *BatchCalculationCompletedData) EventType() EventType {
	return BatchCalculationCompleted
}

// BatchCalculationFailedData is raised when a batch transitions to FAILED.
type BatchCalculationFailedData struct {
	BatchID  string    `json:"batch_id"`
	ABICode  string    `json:"abi_code"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// EventType returns the event type for BatchCalculationFailedData
func (d *BatchCalculationFailedData) EventType() EventType {
	return BatchCalculationFailed
}

// PortfolioAnalysisCompletedData is raised when portfolio aggregation
// finishes, independent of persistence.
type PortfolioAnalysisCompletedData struct {
	BatchID       string    `json:"batch_id"`
	TotalAmount   string    `json:"total_amount"`
	GeographicHHI string    `json:"geographic_hhi"`
	SectorHHI     string    `json:"sector_hhi"`
	AnalyzedAt    time.Time `json:"analyzed_at"`
}

// EventType returns the event type for PortfolioAnalysisCompletedData
func (d *PortfolioAnalysisCompletedData) EventType() EventType {
	return PortfolioAnalysisCompleted
}
