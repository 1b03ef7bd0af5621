package server

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/bcbs239/riskcalc/internal/database"
)

// SystemHandlers serves operational endpoints.
type SystemHandlers struct {
	log      zerolog.Logger
	engineDB *database.DB
}

func NewSystemHandlers(log zerolog.Logger, engineDB *database.DB) *SystemHandlers {
	return &SystemHandlers{
		log:      log.With().Str("component", "system-handlers").Logger(),
		engineDB: engineDB,
	}
}

type healthResponse struct {
	Status     string  `json:"status"`
	Database   string  `json:"database"`
	CPUPercent float64 `json:"cpu_percent"`
	RAMPercent float64 `json:"ram_percent"`
}

// HandleHealth reports process and database health.
// GET /health
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	resp := healthResponse{Status: "ok", Database: "ok"}

	if err := h.engineDB.Conn().PingContext(ctx); err != nil {
		h.log.Error().Err(err).Msg("database ping failed")
		resp.Status = "degraded"
		resp.Database = "unreachable"
		status = http.StatusServiceUnavailable
	}

	resp.CPUPercent, resp.RAMPercent = h.systemStats()

	writeJSON(w, status, resp)
}

// systemStats samples CPU over a short window to avoid blocking the caller.
func (h *SystemHandlers) systemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}
