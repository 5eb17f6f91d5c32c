package auction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionengine/internal/domain"
	"github.com/alanyoungcy/auctionengine/internal/store/memory"
)

func TestLedgerProxyScenario(t *testing.T) {
	h := newHarness(t)
	h.openAuction(t)

	res := h.bid(t, "A", "10")
	check.True(t, res.Accepted)
	check.True(t, res.IsWinning)
	check.Equal(t, "10", res.NewCurrentPrice.String())

	res = h.proxy(t, "B", "0", "25")
	check.True(t, res.Accepted)
	check.True(t, res.IsWinning)
	check.Equal(t, "11", res.NewCurrentPrice.String())

	res = h.bid(t, "A", "30")
	check.True(t, res.Accepted)
	check.True(t, res.IsWinning)
	check.Equal(t, "30", res.NewCurrentPrice.String())

	a := h.load(t)
	check.Equal(t, "A", a.WinnerID)
	check.Equal(t, "30", a.CurrentPrice.String())

	outbid := h.sink.ofType(domain.EventOutbid)
	assert.Equal(t, 2, len(outbid))
	check.Equal(t, "A", outbid[0].Payload.BidderID)
	check.Equal(t, "B", outbid[1].Payload.BidderID)
	check.Equal(t, 3, len(h.sink.ofType(domain.EventBidAccepted)))
}

func TestLedgerStandingProxyAnswersBid(t *testing.T) {
	h := newHarness(t)
	h.openAuction(t)

	h.proxy(t, "A", "10", "50")
	res := h.bid(t, "B", "20")
	check.True(t, res.Accepted)
	check.False(t, res.IsWinning)
	check.Equal(t, "21", res.NewCurrentPrice.String())
	check.True(t, res.MinimumNextBid.Valid)
	check.Equal(t, "22", res.MinimumNextBid.Decimal.String())

	bids, err := h.store.LoadBids(context.Background(), "auc-1")
	assert.NoError(t, err)
	assert.Equal(t, 3, len(bids))
	check.Equal(t, domain.BidAuto, bids[2].Kind)
	check.Equal(t, "A", bids[2].BidderID)
	check.True(t, bids[2].IsWinning)
	check.False(t, bids[1].IsWinning)
	check.False(t, bids[0].IsWinning)

	outbid := h.sink.ofType(domain.EventOutbid)
	assert.Equal(t, 1, len(outbid))
	check.Equal(t, "B", outbid[0].Payload.BidderID)
}

func TestLedgerRejections(t *testing.T) {
	h := newHarness(t)
	h.openAuction(t)
	h.bid(t, "A", "10")

	res := h.bid(t, "A", "12")
	check.False(t, res.Accepted)
	check.Equal(t, domain.RejectAlreadyHighestBidder, res.Reason)

	res = h.bid(t, "B", "10.50")
	check.False(t, res.Accepted)
	check.Equal(t, domain.RejectBidTooLow, res.Reason)
	check.Equal(t, "11", res.MinimumNextBid.Decimal.String())

	_, err := h.ledger.SubmitBid(context.Background(), domain.BidRequest{
		AuctionID: "missing", BidderID: "B", Amount: dec("20"),
	})
	check.True(t, errors.Is(err, domain.ErrNotFound))

	// Rejections leave nothing behind.
	a := h.load(t)
	check.Equal(t, 1, a.BidCount)
	check.Equal(t, 1, len(h.sink.ofType(domain.EventBidAccepted)))
}

func TestLedgerRejectsBidsAfterEndTime(t *testing.T) {
	h := newHarness(t)
	h.openAuction(t)
	h.clock.Set(t0.Add(time.Hour))

	res := h.bid(t, "A", "10")
	check.False(t, res.Accepted)
	check.Equal(t, domain.RejectAuctionNotOpen, res.Reason)
}

func TestLedgerCeilingRaise(t *testing.T) {
	h := newHarness(t)
	h.openAuction(t)
	h.bid(t, "A", "10")
	h.proxy(t, "B", "0", "25")
	events := len(h.sink.events)
	before := h.load(t)

	res := h.proxy(t, "B", "0", "40")
	check.True(t, res.Accepted)
	check.True(t, res.IsWinning)
	check.Equal(t, "11", res.NewCurrentPrice.String())
	check.Equal(t, events, len(h.sink.events))

	// The raise is private: no public bid, no new winning bid.
	after := h.load(t)
	check.Equal(t, before.BidCount, after.BidCount)
	check.Equal(t, before.WinningBidID, after.WinningBidID)
	bids, err := h.store.LoadBids(context.Background(), "auc-1")
	assert.NoError(t, err)
	raise := bids[len(bids)-1]
	check.Equal(t, domain.BidCeilingRaise, raise.Kind)
	check.False(t, raise.Public())
	check.False(t, raise.IsWinning)

	res = h.bid(t, "C", "30")
	check.False(t, res.IsWinning)
	check.Equal(t, "31", res.NewCurrentPrice.String())
	check.Equal(t, "B", h.load(t).WinnerID)
}

func TestLedgerAntiSnipeExtension(t *testing.T) {
	h := newHarness(t)
	h.openAuction(t)
	end := t0.Add(time.Hour)
	at := end.Add(-30 * time.Second)
	h.clock.Set(at)

	res := h.bid(t, "A", "10")
	check.True(t, res.Accepted)
	check.Equal(t, at.Add(5*time.Minute), res.EndTime)
	// The new end is outside the window again.
	check.Equal(t, domain.AuctionActive, res.State)

	a := h.load(t)
	check.Equal(t, 1, a.Extensions)
	check.Equal(t, at.Add(5*time.Minute), a.EndTime)
	check.Equal(t, 1, len(h.sink.ofType(domain.EventExtended)))
	check.Equal(t, 0, len(h.sink.ofType(domain.EventEndingSoon)))
}

func TestLedgerReserveMetOnce(t *testing.T) {
	h := newHarness(t)
	h.openAuction(t, func(a *domain.Auction) { a.ReservePrice = nullDec("15") })

	h.bid(t, "A", "10")
	h.bid(t, "B", "15")
	h.bid(t, "A", "20")

	check.Equal(t, 1, len(h.sink.ofType(domain.EventReserveMet)))
	check.True(t, h.load(t).ReserveMet)
}

func TestLedgerBuyout(t *testing.T) {
	h := newHarness(t)
	h.openAuction(t, func(a *domain.Auction) { a.BuyoutPrice = nullDec("100") })
	h.bid(t, "A", "10")

	res := h.bid(t, "B", "150")
	check.True(t, res.Accepted)
	check.True(t, res.IsWinning)
	check.Equal(t, "100", res.NewCurrentPrice.String())
	check.Equal(t, domain.AuctionClosing, res.State)

	a := h.load(t)
	check.True(t, a.BoughtOut)
	check.Equal(t, "B", a.WinnerID)

	res = h.bid(t, "C", "200")
	check.False(t, res.Accepted)
	check.Equal(t, domain.RejectAuctionBoughtOut, res.Reason)

	// The lifecycle was woken and settles immediately.
	assert.NoError(t, h.lifecycle.Advance(context.Background(), "auc-1"))
	check.Equal(t, domain.AuctionSettled, h.load(t).State)
	h.lifecycle.SettlePending(context.Background())
	assert.Equal(t, 1, len(h.payments.calls))
	check.Equal(t, "100", h.payments.calls[0].FinalPrice.String())
}

func TestLedgerRetriesConflicts(t *testing.T) {
	h := newHarness(t)
	h.openAuction(t)

	h.store.FailNextCommits(2)
	res := h.bid(t, "A", "10")
	check.True(t, res.Accepted)
	check.Equal(t, "A", h.load(t).WinnerID)

	h.store.FailNextCommits(10)
	_, err := h.ledger.SubmitBid(context.Background(), domain.BidRequest{
		AuctionID: "auc-1", BidderID: "B", Amount: dec("11"),
	})
	check.True(t, errors.Is(err, domain.ErrSubmissionFailed))
	check.Equal(t, "A", h.load(t).WinnerID)
}

func TestLedgerConcurrentBidsKeepOneWinner(t *testing.T) {
	h := newHarness(t)
	h.openAuction(t)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := domain.BidRequest{
				AuctionID: "auc-1",
				BidderID:  fmt.Sprintf("bidder-%d", i%8),
				Amount:    dec(fmt.Sprintf("%d", 10+i)),
			}
			if i%3 == 0 {
				req.ProxyCeiling = nullDec(fmt.Sprintf("%d", 40+i))
			}
			_, err := h.ledger.SubmitBid(context.Background(), req)
			check.NoError(t, err)
		}(i)
	}
	wg.Wait()

	a := h.load(t)
	bids, err := h.store.LoadBids(context.Background(), "auc-1")
	assert.NoError(t, err)
	assert.True(t, len(bids) > 0)

	winning := 0
	for _, b := range bids {
		if b.IsWinning {
			winning++
			check.Equal(t, a.WinningBidID, b.ID)
			check.Equal(t, a.CurrentPrice.String(), b.Amount.String())
		}
	}
	check.Equal(t, 1, winning)
	public := 0
	for _, b := range bids {
		if b.Public() {
			public++
		}
	}
	check.Equal(t, public, a.BidCount)

	sort.Slice(bids, func(i, j int) bool { return bids[i].Sequence < bids[j].Sequence })
	for i := 1; i < len(bids); i++ {
		check.True(t, bids[i].Sequence > bids[i-1].Sequence)
		check.True(t, bids[i].SubmittedAt.After(bids[i-1].SubmittedAt) || bids[i].SubmittedAt.Equal(bids[i-1].SubmittedAt))
		check.False(t, bids[i].Amount.LessThan(bids[i-1].Amount))
	}
}

func TestLedgerSnapshotHidesReserve(t *testing.T) {
	h := newHarness(t)
	h.openAuction(t, func(a *domain.Auction) { a.ReservePrice = nullDec("500") })
	h.bid(t, "A", "10")

	v, err := h.ledger.Snapshot(context.Background(), "auc-1")
	assert.NoError(t, err)
	check.True(t, v.HasReserve)
	check.False(t, v.ReserveMet)
	check.Equal(t, "10", v.CurrentPrice.String())
	check.Equal(t, "11", v.MinimumNextBid.String())
	check.Equal(t, int64(2), v.Version)

	_, err = h.ledger.Snapshot(context.Background(), "missing")
	check.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestLedgerSnapshotSeesOtherReplicaCommits(t *testing.T) {
	store := memory.New()
	fc := &fakeClock{now: t0}
	clock := NewClock(fc.Now)
	cfg := LedgerConfig{Increments: domain.FlatIncrement(decimal.NewFromInt(1)), MaxRetries: 3}
	api := NewLedger(store, &recordingSink{}, clock, cfg, discardLogger())
	scheduler := NewLedger(store, &recordingSink{}, clock, cfg, discardLogger())
	lifecycle := NewLifecycle(scheduler, store, clock, LifecycleConfig{}, discardLogger())
	ctx := context.Background()

	_, err := api.Create(ctx, domain.Auction{
		ID:            "auc-1",
		ItemID:        "item-1",
		SellerID:      "seller",
		StartingPrice: dec("10"),
		CurrentPrice:  dec("10"),
		StartTime:     t0.Add(-time.Hour),
		ScheduledEnd:  t0.Add(time.Hour),
		EndTime:       t0.Add(time.Hour),
		State:         domain.AuctionActive,
	})
	assert.NoError(t, err)
	res, err := api.SubmitBid(ctx, domain.BidRequest{AuctionID: "auc-1", BidderID: "A", Amount: dec("10")})
	assert.NoError(t, err)
	assert.True(t, res.Accepted)

	fc.Set(t0.Add(time.Hour))
	assert.NoError(t, lifecycle.Advance(ctx, "auc-1"))

	v, err := api.Snapshot(ctx, "auc-1")
	assert.NoError(t, err)
	check.Equal(t, domain.AuctionSettled, v.State)
	check.Equal(t, int64(3), v.Version)
	check.Equal(t, "A", v.WinnerID)
}
