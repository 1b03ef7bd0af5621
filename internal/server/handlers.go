package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bcbs239/riskcalc/internal/calculation"
	"github.com/bcbs239/riskcalc/internal/domain"
	"github.com/bcbs239/riskcalc/internal/modules/batch"
	"github.com/bcbs239/riskcalc/internal/modules/summary"
	"github.com/bcbs239/riskcalc/internal/work"
)

// BatchHandlers serves the batch submission and query endpoints.
type BatchHandlers struct {
	processor *work.Processor
	batches   *batch.Repository
	summaries *summary.Repository
	log       zerolog.Logger
}

func NewBatchHandlers(processor *work.Processor, batches *batch.Repository, summaries *summary.Repository, log zerolog.Logger) *BatchHandlers {
	return &BatchHandlers{
		processor: processor,
		batches:   batches,
		summaries: summaries,
		log:       log.With().Str("component", "batch-handlers").Logger(),
	}
}

type submitRequest struct {
	BatchID  string `json:"batch_id"`
	BankInfo struct {
		BankName   string `json:"bank_name"`
		ABICode    string `json:"abi_code"`
		LEICode    string `json:"lei_code"`
		ReportDate string `json:"report_date"` // YYYY-MM-DD
	} `json:"bank_info"`
	TotalExposures int    `json:"total_exposures"`
	SourceURI      string `json:"source_uri"`
}

type batchResponse struct {
	BatchID        string     `json:"batch_id"`
	Status         string     `json:"status"`
	TotalExposures int        `json:"total_exposures"`
	SourceURI      string     `json:"source_uri"`
	ResultsURI     string     `json:"results_uri,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	FailedAt       *time.Time `json:"failed_at,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
}

// HandleSubmit accepts a batch for calculation.
// POST /api/batches
func (h *BatchHandlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewError(domain.CodeParseError, domain.ValidationError, "invalid request body"))
		return
	}

	if req.BatchID == "" {
		req.BatchID = uuid.New().String()
	}

	reportDate := time.Now().UTC()
	if req.BankInfo.ReportDate != "" {
		parsed, err := time.Parse("2006-01-02", req.BankInfo.ReportDate)
		if err != nil {
			writeError(w, domain.NewError(domain.CodeParseError, domain.ValidationError,
				"report_date must be YYYY-MM-DD"))
			return
		}
		reportDate = parsed
	}

	b, err := h.processor.Submit(r.Context(), calculation.SubmitRequest{
		BatchID: req.BatchID,
		Bank: domain.BankInfo{
			BankName:   req.BankInfo.BankName,
			ABICode:    req.BankInfo.ABICode,
			LEICode:    req.BankInfo.LEICode,
			ReportDate: reportDate,
		},
		TotalExposures: req.TotalExposures,
		SourceURI:      req.SourceURI,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, toBatchResponse(b))
}

// HandleGetBatch returns the current state of a batch.
// GET /api/batches/{batchID}
func (h *BatchHandlers) HandleGetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	b, err := h.batches.FindByID(r.Context(), batchID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toBatchResponse(b))
}

type analysisResponse struct {
	BatchID             string                   `json:"batch_id"`
	TotalAmount         string                   `json:"total_amount"`
	GeographicBreakdown []summary.BreakdownEntry `json:"geographic_breakdown"`
	SectorBreakdown     []summary.BreakdownEntry `json:"sector_breakdown"`
	GeographicHHI       string                   `json:"geographic_hhi"`
	GeographicLevel     string                   `json:"geographic_level"`
	SectorHHI           string                   `json:"sector_hhi"`
	SectorLevel         string                   `json:"sector_level"`
	ResultsURI          string                   `json:"results_uri"`
	AnalyzedAt          time.Time                `json:"analyzed_at"`
}

// HandleGetAnalysis returns the portfolio analysis summary for a batch.
// GET /api/batches/{batchID}/analysis
func (h *BatchHandlers) HandleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	s, err := h.summaries.FindByBatchID(r.Context(), batchID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, analysisResponse{
		BatchID:             s.BatchID,
		TotalAmount:         s.TotalAmount.String(),
		GeographicBreakdown: s.GeographicBreakdown,
		SectorBreakdown:     s.SectorBreakdown,
		GeographicHHI:       s.GeographicHHI.String(),
		GeographicLevel:     s.GeographicLevel,
		SectorHHI:           s.SectorHHI.String(),
		SectorLevel:         s.SectorLevel,
		ResultsURI:          s.ResultsURI,
		AnalyzedAt:          s.AnalyzedAt,
	})
}

func toBatchResponse(b *batch.Batch) batchResponse {
	return batchResponse{
		BatchID:        b.ID,
		Status:         string(b.Status),
		TotalExposures: b.TotalExposures,
		SourceURI:      b.SourceURI,
		ResultsURI:     b.ResultsURI,
		StartedAt:      b.StartedAt,
		CompletedAt:    b.CompletedAt,
		FailedAt:       b.FailedAt,
		FailureReason:  b.FailureReason,
	}
}

type errorResponse struct {
	Code     string `json:"code"`
	Category string `json:"category"`
	Message  string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	de := domain.AsError(err)

	status := http.StatusInternalServerError
	switch {
	case de.Code == domain.CodeNotFound:
		status = http.StatusNotFound
	case de.Category == domain.ValidationError:
		status = http.StatusBadRequest
	case de.Category == domain.BusinessRuleError:
		status = http.StatusConflict
	}

	writeJSON(w, status, errorResponse{
		Code:     de.Code,
		Category: string(de.Category),
		Message:  de.Message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
