package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AuctionCommit is the unit of work the ledger and lifecycle driver write
// atomically: the new auction row, any new bids, the bid losing its
// is_winning flag, and the events describing the change.
//
// Auction.Version must hold the version the caller loaded. The store
// rejects the commit with ErrConflict if the stored version differs, and
// persists the row with Version+1 otherwise.
type AuctionCommit struct {
	Auction         Auction
	NewBids         []Bid
	SupersededBidID string
	Events          []AuctionEvent
}

// AuctionStore is the durable record of auctions and their bid history.
type AuctionStore interface {
	CreateAuction(ctx context.Context, a Auction, events []AuctionEvent) error
	LoadAuction(ctx context.Context, id string) (Auction, error)
	LoadBids(ctx context.Context, auctionID string) ([]Bid, error)
	CommitAuctionState(ctx context.Context, c AuctionCommit) error
	// ListDue returns non-terminal auctions whose next lifecycle transition
	// is at or before now, earliest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Auction, error)
	// ListPendingSettlements returns settled auctions whose payment capture
	// has not been recorded yet, oldest first.
	ListPendingSettlements(ctx context.Context, limit int) ([]Auction, error)
}

// EventStore is the append-only event log, doubling as the dispatcher's
// outbox.
type EventStore interface {
	AppendEvents(ctx context.Context, events []AuctionEvent) error
	ListUndelivered(ctx context.Context, createdBefore time.Time, limit int) ([]AuctionEvent, error)
	MarkDelivered(ctx context.Context, ids []string, at time.Time) error
	ListByAuction(ctx context.Context, auctionID string, opts ListOpts) ([]AuctionEvent, error)
}

// WatchStore persists watch subscriptions.
type WatchStore interface {
	Watch(ctx context.Context, w Watch) error
	Unwatch(ctx context.Context, userID, auctionID string) error
	ListWatchers(ctx context.Context, auctionID string) ([]string, error)
	DeleteByAuction(ctx context.Context, auctionID string) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of operator actions.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
