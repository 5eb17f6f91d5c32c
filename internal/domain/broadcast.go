package domain

import "context"

// Broadcaster pushes an event onto a named channel. Implementations must
// not retry internally; the dispatcher owns redelivery.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, evt AuctionEvent) error
	Name() string
}

// AuctionChannel is the public per-auction channel watched by UIs.
func AuctionChannel(auctionID string) string {
	return "auction:" + auctionID
}

// UserChannel is the private channel for one user.
func UserChannel(userID string) string {
	return "user:" + userID
}

// EventStream is the replayable stream holding an auction's public events.
func EventStream(auctionID string) string {
	return "events:" + auctionID
}
