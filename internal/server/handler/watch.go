package handler

import (
	"log/slog"
	"net/http"
)

// WatchHandler serves watch subscriptions.
type WatchHandler struct {
	auctions AuctionService
	logger   *slog.Logger
}

// NewWatchHandler creates a WatchHandler.
func NewWatchHandler(auctions AuctionService, logger *slog.Logger) *WatchHandler {
	return &WatchHandler{auctions: auctions, logger: logger}
}

// Watch subscribes a user to an auction.
// PUT /api/auctions/{id}/watchers/{user}
func (h *WatchHandler) Watch(w http.ResponseWriter, r *http.Request) {
	if err := h.auctions.Watch(r.Context(), pathParam(r, "user"), pathParam(r, "id")); err != nil {
		writeServiceError(w, r, h.logger, "watch", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unwatch removes a subscription.
// DELETE /api/auctions/{id}/watchers/{user}
func (h *WatchHandler) Unwatch(w http.ResponseWriter, r *http.Request) {
	if err := h.auctions.Unwatch(r.Context(), pathParam(r, "user"), pathParam(r, "id")); err != nil {
		writeServiceError(w, r, h.logger, "unwatch", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
