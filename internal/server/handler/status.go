package handler

import (
	"net/http"
	"time"
)

// StatusSource supplies the live counters shown on /api/status.
type StatusSource interface {
	ActiveSections() int
}

// StatsFunc returns the dispatcher counters.
type StatsFunc func() any

// StatusHandler serves the engine status.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	ledger    StatusSource
	stats     StatsFunc
}

// NewStatusHandler creates a StatusHandler. stats may be nil when this
// process runs no dispatcher.
func NewStatusHandler(mode string, startedAt time.Time, ledger StatusSource, stats StatsFunc) *StatusHandler {
	return &StatusHandler{mode: mode, startedAt: startedAt, ledger: ledger, stats: stats}
}

// GetStatus responds with the mode, uptime, live sections and dispatcher
// queue depth and counters.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"mode":            h.mode,
		"uptime_seconds":  int64(time.Since(h.startedAt).Seconds()),
		"active_sections": h.ledger.ActiveSections(),
	}
	if h.stats != nil {
		body["dispatcher"] = h.stats()
	}
	writeJSON(w, http.StatusOK, body)
}
