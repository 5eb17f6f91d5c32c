package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType tags the variant carried by an AuctionEvent.
type EventType string

const (
	EventBidAccepted      EventType = "bid_accepted"
	EventOutbid           EventType = "outbid"
	EventReserveMet       EventType = "reserve_met"
	EventExtended         EventType = "extended"
	EventEndingSoon       EventType = "ending_soon"
	EventStarted          EventType = "started"
	EventClosed           EventType = "closed"
	EventSettled          EventType = "settled"
	EventUnsold           EventType = "unsold"
	EventCancelled        EventType = "cancelled"
	EventSettlementFailed EventType = "settlement_failed"
)

// EventPayload holds the fields used by the event variants. Each variant
// fills only the fields it needs.
type EventPayload struct {
	BidID            string           `json:"bid_id,omitempty"`
	BidderID         string           `json:"bidder_id,omitempty"`
	Amount           *decimal.Decimal `json:"amount,omitempty"`
	CurrentPrice     *decimal.Decimal `json:"current_price,omitempty"`
	WinnerID         string           `json:"winner_id,omitempty"`
	PreviousWinnerID string           `json:"previous_winner_id,omitempty"`
	SellerID         string           `json:"seller_id,omitempty"`
	EndTime          *time.Time       `json:"end_time,omitempty"`
	Extensions       int              `json:"extensions,omitempty"`
	State            AuctionState     `json:"state,omitempty"`
	Reason           string           `json:"reason,omitempty"`
	Actor            string           `json:"actor,omitempty"`
	BoughtOut        bool             `json:"bought_out,omitempty"`
}

// AuctionEvent is an append-only record of something that happened to an
// auction. Consumers must be idempotent on ID.
type AuctionEvent struct {
	ID          string       `json:"id"`
	AuctionID   string       `json:"auction_id"`
	Type        EventType    `json:"type"`
	Payload     EventPayload `json:"payload"`
	CreatedAt   time.Time    `json:"created_at"`
	DeliveredAt *time.Time   `json:"-"`
}

// Watch is a user's subscription to an auction's events.
type Watch struct {
	UserID    string
	AuctionID string
	CreatedAt time.Time
}

// DecimalPtr returns a pointer to a copy of d, for optional payload fields.
func DecimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
