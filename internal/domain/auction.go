package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuctionState is the coarse-grained lifecycle state of an auction.
type AuctionState string

const (
	AuctionScheduled  AuctionState = "scheduled"
	AuctionActive     AuctionState = "active"
	AuctionEndingSoon AuctionState = "ending_soon"
	AuctionClosing    AuctionState = "closing"
	AuctionSettled    AuctionState = "settled"
	AuctionUnsold     AuctionState = "unsold"
	AuctionCancelled  AuctionState = "cancelled"
)

// AcceptsBids reports whether bids may be placed in this state.
func (s AuctionState) AcceptsBids() bool {
	return s == AuctionActive || s == AuctionEndingSoon
}

// Terminal reports whether the state is final.
func (s AuctionState) Terminal() bool {
	switch s {
	case AuctionSettled, AuctionUnsold, AuctionCancelled:
		return true
	default:
		return false
	}
}

// transitions lists every legal state change.
var transitions = map[AuctionState][]AuctionState{
	AuctionScheduled:  {AuctionActive, AuctionCancelled},
	AuctionActive:     {AuctionEndingSoon, AuctionClosing, AuctionCancelled},
	AuctionEndingSoon: {AuctionActive, AuctionClosing, AuctionCancelled},
	AuctionClosing:    {AuctionSettled, AuctionUnsold},
}

// SettlementStatus tracks payment capture for a settled auction.
type SettlementStatus string

const (
	SettlementNone     SettlementStatus = ""
	SettlementPending  SettlementStatus = "pending"
	SettlementCaptured SettlementStatus = "captured"
	SettlementFailed   SettlementStatus = "failed"
)

// CanTransition reports whether an auction may move from one state to another.
func CanTransition(from, to AuctionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Auction is the authoritative state of one auction. Only the ledger and
// the lifecycle driver mutate it, and only inside the auction's section.
type Auction struct {
	ID       string
	ItemID   string
	SellerID string

	StartingPrice decimal.Decimal
	ReservePrice  decimal.NullDecimal // hidden from bidders
	BuyoutPrice   decimal.NullDecimal
	Increments    IncrementTable // empty means the engine default

	StartTime         time.Time
	ScheduledEnd      time.Time
	EndTime           time.Time
	AntiSnipeWindow   time.Duration
	ExtensionDuration time.Duration
	MaxExtensions     int // 0 means unlimited
	Extensions        int

	State        AuctionState
	CurrentPrice decimal.Decimal
	WinningBidID string
	WinnerID     string
	BidCount     int
	LastSequence int64
	LastBidAt    time.Time
	ReserveMet   bool
	BoughtOut    bool

	// SettlementStatus is SettlementPending from the Settled commit until
	// the payment capture outcome is recorded.
	SettlementStatus SettlementStatus

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// HasBids reports whether any bid has been accepted.
func (a Auction) HasBids() bool {
	return a.WinningBidID != ""
}

// HasReserve reports whether a reserve price is configured.
func (a Auction) HasReserve() bool {
	return a.ReservePrice.Valid
}

// ReserveSatisfiedBy reports whether price meets the reserve. Auctions
// without a reserve are always satisfied.
func (a Auction) ReserveSatisfiedBy(price decimal.Decimal) bool {
	if !a.ReservePrice.Valid {
		return true
	}
	return price.GreaterThanOrEqual(a.ReservePrice.Decimal)
}

// HasBuyout reports whether the buyout path is still available: a buyout
// price is set and the current price has not already passed it.
func (a Auction) HasBuyout() bool {
	return a.BuyoutPrice.Valid && a.CurrentPrice.LessThan(a.BuyoutPrice.Decimal)
}

// IncrementPolicy returns the auction's own increment table, or fallback
// when the auction has none.
func (a Auction) IncrementPolicy(fallback IncrementPolicy) IncrementPolicy {
	if len(a.Increments) > 0 {
		return a.Increments
	}
	return fallback
}

// MinimumNextBid is the lowest visible amount that can currently be
// accepted. The first bid may equal the starting price.
func (a Auction) MinimumNextBid(policy IncrementPolicy) decimal.Decimal {
	if !a.HasBids() {
		return a.StartingPrice
	}
	return a.CurrentPrice.Add(a.IncrementPolicy(policy).MinimumIncrement(a.CurrentPrice))
}

// WindowOpensAt is the instant the anti-snipe window of the current end
// time begins.
func (a Auction) WindowOpensAt() time.Time {
	return a.EndTime.Add(-a.AntiSnipeWindow)
}

// NextTransitionAt returns when the lifecycle driver next needs to look at
// the auction. Terminal auctions return the zero time.
func (a Auction) NextTransitionAt() time.Time {
	switch a.State {
	case AuctionScheduled:
		return a.StartTime
	case AuctionActive:
		if a.AntiSnipeWindow > 0 {
			return a.WindowOpensAt()
		}
		return a.EndTime
	case AuctionEndingSoon:
		return a.EndTime
	case AuctionClosing:
		if a.ClosedAt != nil {
			return *a.ClosedAt
		}
		return a.EndTime
	default:
		return time.Time{}
	}
}

// AuctionView is the public, lock-free snapshot of an auction. It never
// carries the reserve value or any proxy ceiling.
type AuctionView struct {
	ID             string          `json:"id"`
	ItemID         string          `json:"item_id"`
	SellerID       string          `json:"seller_id"`
	State          AuctionState    `json:"state"`
	StartingPrice  decimal.Decimal `json:"starting_price"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	MinimumNextBid decimal.Decimal `json:"minimum_next_bid"`
	BuyoutPrice    *string         `json:"buyout_price,omitempty"`
	HasReserve     bool            `json:"has_reserve"`
	ReserveMet     bool            `json:"reserve_met"`
	WinnerID       string          `json:"winner_id,omitempty"`
	BidCount       int             `json:"bid_count"`
	StartTime      time.Time       `json:"start_time"`
	EndTime        time.Time       `json:"end_time"`
	Extensions     int             `json:"extensions"`
	Version        int64           `json:"version"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// View builds the public snapshot of a.
func (a Auction) View(policy IncrementPolicy) AuctionView {
	v := AuctionView{
		ID:             a.ID,
		ItemID:         a.ItemID,
		SellerID:       a.SellerID,
		State:          a.State,
		StartingPrice:  a.StartingPrice,
		CurrentPrice:   a.CurrentPrice,
		MinimumNextBid: a.MinimumNextBid(policy),
		HasReserve:     a.HasReserve(),
		ReserveMet:     a.ReserveMet,
		WinnerID:       a.WinnerID,
		BidCount:       a.BidCount,
		StartTime:      a.StartTime,
		EndTime:        a.EndTime,
		Extensions:     a.Extensions,
		Version:        a.Version,
		UpdatedAt:      a.UpdatedAt,
	}
	if a.BuyoutPrice.Valid {
		s := a.BuyoutPrice.Decimal.String()
		v.BuyoutPrice = &s
	}
	// The winner is only final once the reserve is met.
	if a.State == AuctionUnsold {
		v.WinnerID = ""
	}
	return v
}
