package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionengine/internal/domain"
	"github.com/alanyoungcy/auctionengine/internal/service"
)

// AuctionService is what the auction, bid and watch handlers need from the
// service layer.
type AuctionService interface {
	CreateAuction(ctx context.Context, p service.CreateAuctionParams) (domain.AuctionView, error)
	GetAuction(ctx context.Context, auctionID string) (domain.AuctionView, error)
	Cancel(ctx context.Context, auctionID, actor, reason string) (domain.AuctionView, error)
	ListBids(ctx context.Context, auctionID string, opts domain.ListOpts) ([]domain.BidView, error)
	ListEvents(ctx context.Context, auctionID string, opts domain.ListOpts) ([]domain.AuctionEvent, error)
	SubmitBid(ctx context.Context, req domain.BidRequest) (domain.BidResult, error)
	Watch(ctx context.Context, userID, auctionID string) error
	Unwatch(ctx context.Context, userID, auctionID string) error
}

var _ AuctionService = (*service.AuctionService)(nil)

// AuctionHandler serves auction endpoints.
type AuctionHandler struct {
	auctions AuctionService
	logger   *slog.Logger
}

// NewAuctionHandler creates an AuctionHandler.
func NewAuctionHandler(auctions AuctionService, logger *slog.Logger) *AuctionHandler {
	return &AuctionHandler{auctions: auctions, logger: logger}
}

type createAuctionRequest struct {
	ItemID            string                `json:"item_id"`
	SellerID          string                `json:"seller_id"`
	StartingPrice     decimal.Decimal       `json:"starting_price"`
	ReservePrice      decimal.NullDecimal   `json:"reserve_price"`
	BuyoutPrice       decimal.NullDecimal   `json:"buyout_price"`
	Increments        domain.IncrementTable `json:"increments"`
	StartTime         time.Time             `json:"start_time"`
	EndTime           time.Time             `json:"end_time"`
	AntiSnipeWindow   Duration              `json:"anti_snipe_window"`
	ExtensionDuration Duration              `json:"extension_duration"`
	MaxExtensions     int                   `json:"max_extensions"`
}

// CreateAuction opens a new auction.
// POST /api/auctions
func (h *AuctionHandler) CreateAuction(w http.ResponseWriter, r *http.Request) {
	var req createAuctionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	view, err := h.auctions.CreateAuction(r.Context(), service.CreateAuctionParams{
		ItemID:            req.ItemID,
		SellerID:          req.SellerID,
		StartingPrice:     req.StartingPrice,
		ReservePrice:      req.ReservePrice,
		BuyoutPrice:       req.BuyoutPrice,
		Increments:        req.Increments,
		StartTime:         req.StartTime,
		EndTime:           req.EndTime,
		AntiSnipeWindow:   time.Duration(req.AntiSnipeWindow),
		ExtensionDuration: time.Duration(req.ExtensionDuration),
		MaxExtensions:     req.MaxExtensions,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "create auction", err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// GetAuction returns the public snapshot of an auction.
// GET /api/auctions/{id}
func (h *AuctionHandler) GetAuction(w http.ResponseWriter, r *http.Request) {
	view, err := h.auctions.GetAuction(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get auction", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type cancelRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// CancelAuction cancels an auction that has not started closing.
// POST /api/auctions/{id}/cancel
func (h *AuctionHandler) CancelAuction(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Actor) == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}
	view, err := h.auctions.Cancel(r.Context(), pathParam(r, "id"), req.Actor, req.Reason)
	if err != nil {
		writeServiceError(w, r, h.logger, "cancel auction", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type listBidsResponse struct {
	Bids []domain.BidView `json:"bids"`
}

// ListBids returns the public bid history.
// GET /api/auctions/{id}/bids?limit=50&offset=0
func (h *AuctionHandler) ListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := h.auctions.ListBids(r.Context(), pathParam(r, "id"), parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list bids", err)
		return
	}
	if bids == nil {
		bids = []domain.BidView{}
	}
	writeJSON(w, http.StatusOK, listBidsResponse{Bids: bids})
}

type listEventsResponse struct {
	Events []domain.AuctionEvent `json:"events"`
}

// ListEvents returns the public event log.
// GET /api/auctions/{id}/events?since=...&limit=50
func (h *AuctionHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.auctions.ListEvents(r.Context(), pathParam(r, "id"), parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list events", err)
		return
	}
	if events == nil {
		events = []domain.AuctionEvent{}
	}
	writeJSON(w, http.StatusOK, listEventsResponse{Events: events})
}
