package auction

import (
	"testing"
	"time"

	"github.com/peterldowns/testy/check"

	"github.com/alanyoungcy/auctionengine/internal/domain"
)

func snipeAuction() domain.Auction {
	return domain.Auction{
		EndTime:           t0,
		AntiSnipeWindow:   2 * time.Minute,
		ExtensionDuration: 5 * time.Minute,
		State:             domain.AuctionActive,
	}
}

func TestOnBidAcceptedExtendsFromBidTime(t *testing.T) {
	c := NewClock(nil)
	at := t0.Add(-30 * time.Second)
	extended, end := c.OnBidAccepted(snipeAuction(), at)
	check.True(t, extended)
	check.Equal(t, at.Add(5*time.Minute), end)
}

func TestOnBidAcceptedOutsideWindow(t *testing.T) {
	c := NewClock(nil)
	extended, end := c.OnBidAccepted(snipeAuction(), t0.Add(-3*time.Minute))
	check.False(t, extended)
	check.Equal(t, t0, end)

	extended, _ = c.OnBidAccepted(snipeAuction(), t0)
	check.False(t, extended)
}

func TestOnBidAcceptedRespectsMaxExtensions(t *testing.T) {
	c := NewClock(nil)
	a := snipeAuction()
	a.MaxExtensions = 2
	a.Extensions = 2
	extended, end := c.OnBidAccepted(a, t0.Add(-10*time.Second))
	check.False(t, extended)
	check.Equal(t, t0, end)
}

func TestOnBidAcceptedNeverShortens(t *testing.T) {
	c := NewClock(nil)
	a := snipeAuction()
	a.AntiSnipeWindow = 10 * time.Minute
	// A bid 9 minutes out would "extend" to 4 minutes out.
	extended, end := c.OnBidAccepted(a, t0.Add(-9*time.Minute))
	check.False(t, extended)
	check.Equal(t, t0, end)
}

func TestOpenPhaseAndExpiry(t *testing.T) {
	c := NewClock(nil)
	a := snipeAuction()
	check.Equal(t, domain.AuctionActive, c.OpenPhase(a, t0.Add(-3*time.Minute)))
	check.Equal(t, domain.AuctionEndingSoon, c.OpenPhase(a, t0.Add(-2*time.Minute)))
	check.False(t, c.IsExpired(a, t0.Add(-time.Nanosecond)))
	check.True(t, c.IsExpired(a, t0))
}

func TestStampIsStrictlyIncreasing(t *testing.T) {
	fc := &fakeClock{now: t0}
	c := NewClock(fc.Now)
	a := domain.Auction{LastBidAt: t0}
	check.Equal(t, t0.Add(time.Microsecond), c.Stamp(a))

	fc.Set(t0.Add(-time.Second))
	check.Equal(t, t0.Add(time.Microsecond), c.Stamp(a))

	fc.Set(t0.Add(time.Second))
	check.Equal(t, t0.Add(time.Second), c.Stamp(a))
}
