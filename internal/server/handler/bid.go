package handler

import (
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionengine/internal/domain"
)

// BidHandler serves bid submission.
type BidHandler struct {
	auctions AuctionService
	logger   *slog.Logger
}

// NewBidHandler creates a BidHandler.
func NewBidHandler(auctions AuctionService, logger *slog.Logger) *BidHandler {
	return &BidHandler{auctions: auctions, logger: logger}
}

type submitBidRequest struct {
	BidderID     string              `json:"bidder_id"`
	Amount       decimal.Decimal     `json:"amount"`
	ProxyCeiling decimal.NullDecimal `json:"proxy_ceiling"`
}

// SubmitBid places a bid. A rejected bid is still a 200: the verdict is in
// the body.
// POST /api/auctions/{id}/bids
func (h *BidHandler) SubmitBid(w http.ResponseWriter, r *http.Request) {
	var req submitBidRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.BidderID == "" {
		writeError(w, http.StatusBadRequest, "bidder_id is required")
		return
	}

	res, err := h.auctions.SubmitBid(r.Context(), domain.BidRequest{
		AuctionID:    pathParam(r, "id"),
		BidderID:     req.BidderID,
		Amount:       req.Amount,
		ProxyCeiling: req.ProxyCeiling,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "submit bid", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
