package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BidKind records how a bid entered the ledger.
type BidKind string

const (
	BidExplicit BidKind = "explicit" // placed by the bidder at a stated amount
	BidProxy    BidKind = "proxy"    // placed by the bidder with a ceiling
	BidAuto     BidKind = "auto"     // raised by the engine on a proxy's behalf
	BidBuyout   BidKind = "buyout"   // ended the auction at the buyout price

	// BidCeilingRaise records a higher ceiling from the current winner. It
	// moves no price and never appears in the public history.
	BidCeilingRaise BidKind = "ceiling_raise"
)

// Bid is an accepted bid. Bids are immutable once committed; only
// IsWinning flips when a later bid supersedes them.
type Bid struct {
	ID           string
	AuctionID    string
	BidderID     string
	Amount       decimal.Decimal
	ProxyCeiling decimal.NullDecimal
	Kind         BidKind
	Sequence     int64 // monotonic per auction
	SubmittedAt  time.Time
	IsWinning    bool
}

// HasCeiling reports whether the bid registered a proxy ceiling.
func (b Bid) HasCeiling() bool {
	return b.ProxyCeiling.Valid
}

// Public reports whether b belongs in the public bid history.
func (b Bid) Public() bool {
	return b.Kind != BidCeilingRaise
}

// BidView is the public form of a bid. Proxy ceilings never leave the engine.
type BidView struct {
	ID          string          `json:"id"`
	BidderID    string          `json:"bidder_id"`
	Amount      decimal.Decimal `json:"amount"`
	Kind        BidKind         `json:"kind"`
	Sequence    int64           `json:"sequence"`
	SubmittedAt time.Time       `json:"submitted_at"`
	IsWinning   bool            `json:"is_winning"`
}

// View returns the public form of b.
func (b Bid) View() BidView {
	kind := b.Kind
	if kind == BidProxy {
		// Whether a bidder used a ceiling is itself private.
		kind = BidExplicit
	}
	return BidView{
		ID:          b.ID,
		BidderID:    b.BidderID,
		Amount:      b.Amount,
		Kind:        kind,
		Sequence:    b.Sequence,
		SubmittedAt: b.SubmittedAt,
		IsWinning:   b.IsWinning,
	}
}

// ProxyEntry is one live proxy commitment: the bidder authorizes automatic
// raises up to Ceiling. Sequence is the registration order used to break
// ties between equal ceilings.
type ProxyEntry struct {
	BidderID     string
	Ceiling      decimal.Decimal
	Sequence     int64
	RegisteredAt time.Time
}

// RejectReason explains why a bid was not accepted.
type RejectReason string

const (
	RejectNone                 RejectReason = ""
	RejectAuctionNotOpen       RejectReason = "auction_not_open"
	RejectAlreadyHighestBidder RejectReason = "already_highest_bidder"
	RejectBidTooLow            RejectReason = "bid_too_low"
	RejectAuctionBoughtOut     RejectReason = "auction_bought_out"
	RejectInvalidAmount        RejectReason = "invalid_amount"
)

// BidRequest is the engine's bid submission input.
type BidRequest struct {
	AuctionID    string
	BidderID     string
	Amount       decimal.Decimal
	ProxyCeiling decimal.NullDecimal
}

// BidResult is the engine's bid submission response.
type BidResult struct {
	Accepted        bool                `json:"accepted"`
	BidID           string              `json:"bid_id,omitempty"`
	NewCurrentPrice decimal.Decimal     `json:"new_current_price"`
	IsWinning       bool                `json:"is_winning"`
	Reason          RejectReason        `json:"reason,omitempty"`
	MinimumNextBid  decimal.NullDecimal `json:"minimum_next_bid,omitempty"`
	EndTime         time.Time           `json:"end_time"`
	State           AuctionState        `json:"state"`
	Events          []AuctionEvent      `json:"-"`
}
