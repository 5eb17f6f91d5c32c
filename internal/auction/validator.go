package auction

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionengine/internal/domain"
)

// Verdict is the validator's classification of a candidate bid.
type Verdict int

const (
	VerdictReject       Verdict = iota
	VerdictAccept               // competes through the proxy resolver
	VerdictBuyout               // ends the auction at the buyout price
	VerdictRaiseCeiling         // current winner raising their own proxy ceiling
)

// Decision is the outcome of validating one bid.
type Decision struct {
	Verdict        Verdict
	Reason         domain.RejectReason
	MinimumNextBid decimal.NullDecimal
}

// Accepted reports whether the bid passed validation.
func (d Decision) Accepted() bool {
	return d.Verdict != VerdictReject
}

func reject(reason domain.RejectReason) Decision {
	return Decision{Verdict: VerdictReject, Reason: reason}
}

// Validator checks a candidate bid against the committed auction state. It
// holds no state of its own and is safe for concurrent use.
type Validator struct {
	increments domain.IncrementPolicy
}

// NewValidator returns a Validator using increments for auctions that carry
// no increment table of their own.
func NewValidator(increments domain.IncrementPolicy) *Validator {
	if increments == nil {
		increments = domain.DefaultIncrements()
	}
	return &Validator{increments: increments}
}

// Policy returns the increment policy that applies to a.
func (v *Validator) Policy(a domain.Auction) domain.IncrementPolicy {
	return a.IncrementPolicy(v.increments)
}

// MinimumNextBid returns the lowest visible amount a would accept now.
func (v *Validator) MinimumNextBid(a domain.Auction) decimal.Decimal {
	return a.MinimumNextBid(v.increments)
}

// Validate classifies req against a at instant now. standing is the current
// winner's live proxy ceiling, if any. Checks run in a fixed order: auction
// open, amount well-formed, bidder not already winning, amount at or above
// the minimum next bid.
func (v *Validator) Validate(a domain.Auction, req domain.BidRequest, standing decimal.NullDecimal, now time.Time) Decision {
	if !a.State.AcceptsBids() || !now.Before(a.EndTime) || now.Before(a.StartTime) {
		if a.BoughtOut {
			return reject(domain.RejectAuctionBoughtOut)
		}
		return reject(domain.RejectAuctionNotOpen)
	}

	if !req.Amount.IsPositive() {
		return reject(domain.RejectInvalidAmount)
	}
	if req.ProxyCeiling.Valid && req.ProxyCeiling.Decimal.LessThan(req.Amount) {
		return reject(domain.RejectInvalidAmount)
	}

	if a.HasBids() && req.BidderID == a.WinnerID {
		if !req.ProxyCeiling.Valid {
			return reject(domain.RejectAlreadyHighestBidder)
		}
		floor := a.CurrentPrice
		if standing.Valid {
			floor = domain.MaxDecimal(floor, standing.Decimal)
		}
		if !req.ProxyCeiling.Decimal.GreaterThan(floor) {
			return reject(domain.RejectAlreadyHighestBidder)
		}
		return Decision{Verdict: VerdictRaiseCeiling}
	}

	minNext := v.MinimumNextBid(a)
	if req.Amount.LessThan(minNext) {
		return Decision{
			Verdict:        VerdictReject,
			Reason:         domain.RejectBidTooLow,
			MinimumNextBid: decimal.NewNullDecimal(minNext),
		}
	}

	if a.HasBuyout() {
		buyout := a.BuyoutPrice.Decimal
		if req.Amount.GreaterThanOrEqual(buyout) ||
			(req.ProxyCeiling.Valid && req.ProxyCeiling.Decimal.GreaterThanOrEqual(buyout)) {
			return Decision{Verdict: VerdictBuyout}
		}
	}
	return Decision{Verdict: VerdictAccept}
}
