// Package service exposes the auction engine to transports: it validates
// input, assigns ids and throttles bidders before handing work to the
// ledger and the lifecycle driver.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionengine/internal/auction"
	"github.com/alanyoungcy/auctionengine/internal/domain"
)

// CreateAuctionParams is the seller-supplied description of a new auction.
type CreateAuctionParams struct {
	ItemID            string
	SellerID          string
	StartingPrice     decimal.Decimal
	ReservePrice      decimal.NullDecimal
	BuyoutPrice       decimal.NullDecimal
	Increments        domain.IncrementTable
	StartTime         time.Time // zero means now
	EndTime           time.Time
	AntiSnipeWindow   time.Duration
	ExtensionDuration time.Duration
	MaxExtensions     int
}

// BidRateLimit throttles bid submissions per bidder.
type BidRateLimit struct {
	Limiter domain.RateLimiter
	Limit   int
	Window  time.Duration
}

// AuctionService is the entry point for every auction operation.
type AuctionService struct {
	ledger    *auction.Ledger
	lifecycle *auction.Lifecycle
	auctions  domain.AuctionStore
	events    domain.EventStore
	watches   domain.WatchStore
	clock     *auction.Clock
	ids       *auction.IDs
	bidLimit  *BidRateLimit
	logger    *slog.Logger
}

// NewAuctionService creates an AuctionService. bidLimit may be nil.
func NewAuctionService(
	ledger *auction.Ledger,
	lifecycle *auction.Lifecycle,
	auctions domain.AuctionStore,
	events domain.EventStore,
	watches domain.WatchStore,
	clock *auction.Clock,
	ids *auction.IDs,
	bidLimit *BidRateLimit,
	logger *slog.Logger,
) *AuctionService {
	return &AuctionService{
		ledger:    ledger,
		lifecycle: lifecycle,
		auctions:  auctions,
		events:    events,
		watches:   watches,
		clock:     clock,
		ids:       ids,
		bidLimit:  bidLimit,
		logger:    logger.With(slog.String("component", "auction_service")),
	}
}

// CreateAuction validates p and opens a new auction. It starts Scheduled
// when StartTime is in the future and Active otherwise.
func (s *AuctionService) CreateAuction(ctx context.Context, p CreateAuctionParams) (domain.AuctionView, error) {
	now := s.clock.Now()
	if p.StartTime.IsZero() {
		p.StartTime = now
	}
	p.StartTime = p.StartTime.UTC()
	p.EndTime = p.EndTime.UTC()
	p.Increments = p.Increments.Normalize()
	if err := validateCreate(p, now); err != nil {
		return domain.AuctionView{}, fmt.Errorf("auction_service: create: %w: %w", domain.ErrInvalidAuction, err)
	}

	state := domain.AuctionActive
	if p.StartTime.After(now) {
		state = domain.AuctionScheduled
	}
	a := domain.Auction{
		ID:                s.ids.AuctionID(),
		ItemID:            p.ItemID,
		SellerID:          p.SellerID,
		StartingPrice:     p.StartingPrice,
		ReservePrice:      p.ReservePrice,
		BuyoutPrice:       p.BuyoutPrice,
		Increments:        p.Increments,
		StartTime:         p.StartTime,
		ScheduledEnd:      p.EndTime,
		EndTime:           p.EndTime,
		AntiSnipeWindow:   p.AntiSnipeWindow,
		ExtensionDuration: p.ExtensionDuration,
		MaxExtensions:     p.MaxExtensions,
		State:             state,
		CurrentPrice:      p.StartingPrice,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	created, err := s.ledger.Create(ctx, a)
	if err != nil {
		return domain.AuctionView{}, fmt.Errorf("auction_service: create: %w", err)
	}

	s.logger.InfoContext(ctx, "auction created",
		slog.String("auction_id", created.ID),
		slog.String("seller_id", created.SellerID),
		slog.String("state", string(created.State)),
		slog.String("starting_price", created.StartingPrice.String()),
		slog.Time("end_time", created.EndTime),
	)
	return created.View(s.ledger.Validator().Policy(created)), nil
}

func validateCreate(p CreateAuctionParams, now time.Time) error {
	var errs []error
	if strings.TrimSpace(p.SellerID) == "" {
		errs = append(errs, errors.New("seller_id is required"))
	}
	if strings.TrimSpace(p.ItemID) == "" {
		errs = append(errs, errors.New("item_id is required"))
	}
	if !p.StartingPrice.IsPositive() {
		errs = append(errs, fmt.Errorf("starting_price must be > 0, got %s", p.StartingPrice))
	}
	if p.ReservePrice.Valid && p.ReservePrice.Decimal.LessThan(p.StartingPrice) {
		errs = append(errs, fmt.Errorf("reserve_price %s is below starting_price %s", p.ReservePrice.Decimal, p.StartingPrice))
	}
	if p.BuyoutPrice.Valid {
		if p.BuyoutPrice.Decimal.LessThan(p.StartingPrice) {
			errs = append(errs, fmt.Errorf("buyout_price %s is below starting_price %s", p.BuyoutPrice.Decimal, p.StartingPrice))
		}
		if p.ReservePrice.Valid && p.BuyoutPrice.Decimal.LessThan(p.ReservePrice.Decimal) {
			errs = append(errs, fmt.Errorf("buyout_price %s is below reserve_price %s", p.BuyoutPrice.Decimal, p.ReservePrice.Decimal))
		}
	}
	if !p.EndTime.After(p.StartTime) {
		errs = append(errs, errors.New("end_time must be after start_time"))
	}
	if !p.EndTime.After(now) {
		errs = append(errs, errors.New("end_time must be in the future"))
	}
	if p.AntiSnipeWindow < 0 || p.ExtensionDuration < 0 {
		errs = append(errs, errors.New("anti-snipe window and extension must be >= 0"))
	}
	if p.MaxExtensions < 0 {
		errs = append(errs, errors.New("max_extensions must be >= 0"))
	}
	if err := p.Increments.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SubmitBid throttles the bidder, then hands the bid to the ledger. Bid
// verdicts come back in the result; errors mean the bid could not be
// judged at all.
func (s *AuctionService) SubmitBid(ctx context.Context, req domain.BidRequest) (domain.BidResult, error) {
	if strings.TrimSpace(req.AuctionID) == "" || strings.TrimSpace(req.BidderID) == "" {
		return domain.BidResult{}, fmt.Errorf("auction_service: submit bid: %w: auction and bidder ids are required", domain.ErrInvalidAuction)
	}
	if s.bidLimit != nil {
		allowed, err := s.bidLimit.Limiter.Allow(ctx, "bid:"+req.BidderID, s.bidLimit.Limit, s.bidLimit.Window)
		if err != nil {
			s.logger.WarnContext(ctx, "bid rate limiter unavailable",
				slog.String("bidder_id", req.BidderID),
				slog.String("error", err.Error()),
			)
		} else if !allowed {
			return domain.BidResult{}, fmt.Errorf("auction_service: bidder %s: %w", req.BidderID, domain.ErrRateLimited)
		}
	}
	return s.ledger.SubmitBid(ctx, req)
}

// Cancel cancels an auction on behalf of actor.
func (s *AuctionService) Cancel(ctx context.Context, auctionID, actor, reason string) (domain.AuctionView, error) {
	a, err := s.lifecycle.Cancel(ctx, auctionID, actor, reason)
	if err != nil {
		return domain.AuctionView{}, err
	}
	return a.View(s.ledger.Validator().Policy(a)), nil
}

// GetAuction returns the last committed public view.
func (s *AuctionService) GetAuction(ctx context.Context, auctionID string) (domain.AuctionView, error) {
	return s.ledger.Snapshot(ctx, auctionID)
}

// ListBids returns an auction's public bid history in sequence order.
func (s *AuctionService) ListBids(ctx context.Context, auctionID string, opts domain.ListOpts) ([]domain.BidView, error) {
	if _, err := s.ledger.Snapshot(ctx, auctionID); err != nil {
		return nil, err
	}
	bids, err := s.auctions.LoadBids(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("auction_service: list bids %s: %w", auctionID, err)
	}
	public := bids[:0]
	for _, b := range bids {
		if b.Public() {
			public = append(public, b)
		}
	}
	public = page(public, opts)
	views := make([]domain.BidView, len(public))
	for i, b := range public {
		views[i] = b.View()
	}
	return views, nil
}

// ListEvents returns an auction's public events, oldest first. Events
// addressed to a single user are left out.
func (s *AuctionService) ListEvents(ctx context.Context, auctionID string, opts domain.ListOpts) ([]domain.AuctionEvent, error) {
	if _, err := s.ledger.Snapshot(ctx, auctionID); err != nil {
		return nil, err
	}
	events, err := s.events.ListByAuction(ctx, auctionID, opts)
	if err != nil {
		return nil, fmt.Errorf("auction_service: list events %s: %w", auctionID, err)
	}
	out := make([]domain.AuctionEvent, 0, len(events))
	for _, e := range events {
		if e.Type == domain.EventOutbid || e.Type == domain.EventSettlementFailed {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Watch subscribes userID to an auction's public events.
func (s *AuctionService) Watch(ctx context.Context, userID, auctionID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("auction_service: watch: %w: user id is required", domain.ErrInvalidAuction)
	}
	view, err := s.ledger.Snapshot(ctx, auctionID)
	if err != nil {
		return err
	}
	if view.State.Terminal() {
		return fmt.Errorf("auction_service: watch %s in state %s: %w", auctionID, view.State, domain.ErrInvalidTransition)
	}
	if err := s.watches.Watch(ctx, domain.Watch{UserID: userID, AuctionID: auctionID, CreatedAt: s.clock.Now()}); err != nil {
		return fmt.Errorf("auction_service: watch: %w", err)
	}
	return nil
}

// Unwatch removes a subscription. Removing a missing one is not an error.
func (s *AuctionService) Unwatch(ctx context.Context, userID, auctionID string) error {
	if err := s.watches.Unwatch(ctx, userID, auctionID); err != nil {
		return fmt.Errorf("auction_service: unwatch: %w", err)
	}
	return nil
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}
