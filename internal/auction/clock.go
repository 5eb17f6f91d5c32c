package auction

import (
	"time"

	"github.com/alanyoungcy/auctionengine/internal/domain"
)

// Clock owns every time-based decision: bid timestamps, anti-snipe
// extensions, and the open-phase of an auction. Closure always compares
// wall-clock time against EndTime, so a late tick still closes correctly.
type Clock struct {
	now func() time.Time
}

// NewClock returns a Clock reading time from now. A nil now uses time.Now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Now returns the current time in UTC at the store's microsecond precision.
func (c *Clock) Now() time.Time {
	return c.now().UTC().Truncate(time.Microsecond)
}

// Stamp returns the server-assigned timestamp for the next bid on a. Stamps
// are strictly increasing per auction even if the wall clock steps back.
func (c *Clock) Stamp(a domain.Auction) time.Time {
	t := c.Now()
	if !a.LastBidAt.IsZero() && !t.After(a.LastBidAt) {
		t = a.LastBidAt.Add(time.Microsecond)
	}
	return t
}

// OnBidAccepted decides whether a bid accepted at acceptedAt extends the
// auction. An extension moves the end to acceptedAt+ExtensionDuration,
// measured from the bid and not from the old end time.
func (c *Clock) OnBidAccepted(a domain.Auction, acceptedAt time.Time) (bool, time.Time) {
	if a.AntiSnipeWindow <= 0 || a.ExtensionDuration <= 0 {
		return false, a.EndTime
	}
	if !c.InWindow(a, acceptedAt) {
		return false, a.EndTime
	}
	if a.MaxExtensions > 0 && a.Extensions >= a.MaxExtensions {
		return false, a.EndTime
	}
	newEnd := acceptedAt.Add(a.ExtensionDuration)
	if !newEnd.After(a.EndTime) {
		return false, a.EndTime
	}
	return true, newEnd
}

// IsExpired reports whether now has reached the auction's current end time.
func (c *Clock) IsExpired(a domain.Auction, now time.Time) bool {
	return !now.Before(a.EndTime)
}

// InWindow reports whether now lies inside the anti-snipe window of the
// current end time.
func (c *Clock) InWindow(a domain.Auction, now time.Time) bool {
	if a.AntiSnipeWindow <= 0 {
		return false
	}
	return !now.Before(a.WindowOpensAt()) && now.Before(a.EndTime)
}

// OpenPhase returns Active or EndingSoon for an auction taking bids at now.
func (c *Clock) OpenPhase(a domain.Auction, now time.Time) domain.AuctionState {
	if c.InWindow(a, now) {
		return domain.AuctionEndingSoon
	}
	return domain.AuctionActive
}
