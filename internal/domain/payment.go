package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Settlement is handed to the payment collaborator exactly once per settled
// auction. IdempotencyKey lets the collaborator discard duplicates.
type Settlement struct {
	AuctionID      string          `json:"auction_id"`
	WinnerID       string          `json:"winner_id"`
	SellerID       string          `json:"seller_id"`
	FinalPrice     decimal.Decimal `json:"final_price"`
	SettledAt      time.Time       `json:"settled_at"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// PaymentCapturer is the external payment-capture service.
type PaymentCapturer interface {
	Settle(ctx context.Context, s Settlement) error
}
