package auction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionengine/internal/domain"
)

func TestLifecycleStartsScheduledAuction(t *testing.T) {
	h := newHarness(t)
	h.openAuction(t, func(a *domain.Auction) {
		a.State = domain.AuctionScheduled
		a.StartTime = t0.Add(time.Minute)
	})
	ctx := context.Background()

	assert.NoError(t, h.lifecycle.Advance(ctx, "auc-1"))
	check.Equal(t, domain.AuctionScheduled, h.load(t).State)

	h.clock.Set(t0.Add(time.Minute))
	assert.NoError(t, h.lifecycle.Advance(ctx, "auc-1"))
	check.Equal(t, domain.AuctionActive, h.load(t).State)
	check.Equal(t, 1, len(h.sink.ofType(domain.EventStarted)))
}

func TestLifecycleEndingSoon(t *testing.T) {
	h := newHarness(t)
	h.openAuction(t)
	h.clock.Set(t0.Add(59 * time.Minute))

	h.lifecycle.Sweep(context.Background())
	check.Equal(t, domain.AuctionEndingSoon, h.load(t).State)
	check.Equal(t, 1, len(h.sink.ofType(domain.EventEndingSoon)))
}

func TestLifecycleReserveNotMet(t *testing.T) {
	h := newHarness(t)
	h.openAuction(t, func(a *domain.Auction) {
		a.StartingPrice = dec("400")
		a.CurrentPrice = dec("400")
		a.ReservePrice = nullDec("500")
	})
	h.bid(t, "A", "450")

	h.clock.Set(t0.Add(time.Hour))
	h.lifecycle.Sweep(context.Background())

	a := h.load(t)
	check.Equal(t, domain.AuctionUnsold, a.State)
	check.Equal(t, 0, len(h.payments.calls))
	unsold := h.sink.ofType(domain.EventUnsold)
	assert.Equal(t, 1, len(unsold))
	check.Equal(t, UnsoldReserveNotMet, unsold[0].Payload.Reason)
	check.Equal(t, 0, len(h.sink.ofType(domain.EventSettled)))

	v, err := h.ledger.Snapshot(context.Background(), "auc-1")
	assert.NoError(t, err)
	check.Equal(t, "", v.WinnerID)
}

func TestLifecycleNoBidsIsUnsold(t *testing.T) {
	h := newHarness(t)
	h.openAuction(t)
	h.clock.Set(t0.Add(time.Hour))

	assert.NoError(t, h.lifecycle.Advance(context.Background(), "auc-1"))
	check.Equal(t, domain.AuctionUnsold, h.load(t).State)
	unsold := h.sink.ofType(domain.EventUnsold)
	assert.Equal(t, 1, len(unsold))
	check.Equal(t, UnsoldNoBids, unsold[0].Payload.Reason)
}

func TestLifecycleLateTickSettlesOnce(t *testing.T) {
	h := newHarness(t)
	h.openAuction(t)
	h.bid(t, "A", "10")
	h.bid(t, "B", "12")
	ctx := context.Background()

	// The driver wakes long after the end time.
	h.clock.Set(t0.Add(6 * time.Hour))
	assert.NoError(t, h.lifecycle.Advance(ctx, "auc-1"))
	assert.NoError(t, h.lifecycle.Advance(ctx, "auc-1"))
	h.lifecycle.Sweep(ctx)

	a := h.load(t)
	check.Equal(t, domain.AuctionSettled, a.State)
	check.Equal(t, domain.SettlementPending, a.SettlementStatus)
	check.Equal(t, 1, len(h.sink.ofType(domain.EventClosed)))
	check.Equal(t, 1, len(h.sink.ofType(domain.EventSettled)))

	h.lifecycle.SettlePending(ctx)
	h.lifecycle.SettlePending(ctx)
	check.Equal(t, domain.SettlementCaptured, h.load(t).SettlementStatus)

	assert.Equal(t, 1, len(h.payments.calls))
	s := h.payments.calls[0]
	check.Equal(t, "B", s.WinnerID)
	check.Equal(t, "seller", s.SellerID)
	check.Equal(t, "12", s.FinalPrice.String())
	check.Equal(t, "settle:auc-1", s.IdempotencyKey)

	res := h.bid(t, "C", "50")
	check.False(t, res.Accepted)
	check.Equal(t, domain.RejectAuctionNotOpen, res.Reason)
}

func TestLifecycleSettlementFailure(t *testing.T) {
	h := newHarness(t)
	h.payments.err = errCaptureDeclined
	h.openAuction(t)
	h.bid(t, "A", "10")

	h.clock.Set(t0.Add(time.Hour))
	assert.NoError(t, h.lifecycle.Advance(context.Background(), "auc-1"))
	h.lifecycle.SettlePending(context.Background())
	h.lifecycle.SettlePending(context.Background())

	a := h.load(t)
	check.Equal(t, domain.AuctionSettled, a.State)
	check.Equal(t, domain.SettlementFailed, a.SettlementStatus)
	check.Equal(t, 1, len(h.payments.calls))
	failed := h.sink.ofType(domain.EventSettlementFailed)
	assert.Equal(t, 1, len(failed))
	check.Equal(t, "A", failed[0].Payload.WinnerID)
	check.Equal(t, []string{string(domain.EventSettlementFailed)}, h.alerts.events)

	entries, err := h.store.List(context.Background(), domain.ListOpts{})
	assert.NoError(t, err)
	assert.True(t, len(entries) > 0)
	check.Equal(t, "settlement_failed", entries[0].Event)
}

func TestLifecycleCancel(t *testing.T) {
	h := newHarness(t)
	h.openAuction(t)
	h.bid(t, "A", "10")
	ctx := context.Background()

	a, err := h.lifecycle.Cancel(ctx, "auc-1", "ops", "counterfeit")
	assert.NoError(t, err)
	check.Equal(t, domain.AuctionCancelled, a.State)
	cancelled := h.sink.ofType(domain.EventCancelled)
	assert.Equal(t, 1, len(cancelled))
	check.Equal(t, "ops", cancelled[0].Payload.Actor)

	_, err = h.lifecycle.Cancel(ctx, "auc-1", "ops", "again")
	check.True(t, errors.Is(err, domain.ErrInvalidTransition))

	entries, err := h.store.List(ctx, domain.ListOpts{})
	assert.NoError(t, err)
	assert.Equal(t, 1, len(entries))
	check.Equal(t, "auction_cancelled", entries[0].Event)
	check.Equal(t, 0, len(h.payments.calls))
}

func TestLifecycleCancelRejectedOnceClosing(t *testing.T) {
	h := newHarness(t)
	h.openAuction(t, func(a *domain.Auction) { a.BuyoutPrice = nullDec("100") })
	res := h.bid(t, "A", "100")
	assert.Equal(t, domain.AuctionClosing, res.State)

	_, err := h.lifecycle.Cancel(context.Background(), "auc-1", "ops", "too late")
	check.True(t, errors.Is(err, domain.ErrInvalidTransition))
	check.Equal(t, domain.AuctionClosing, h.load(t).State)
	check.Equal(t, 0, len(h.sink.ofType(domain.EventCancelled)))
	check.Equal(t, 0, len(h.alerts.events))
}

func TestLifecyclePendingSettlementSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	h.openAuction(t)
	h.bid(t, "A", "10")
	h.clock.Set(t0.Add(time.Hour))
	assert.NoError(t, h.lifecycle.Advance(context.Background(), "auc-1"))

	// Shutdown interrupts the capture; the settlement stays pending.
	h.payments.block = make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	h.lifecycle.SettlePending(ctx)
	assert.Equal(t, 1, h.payments.count())
	check.Equal(t, domain.SettlementPending, h.load(t).SettlementStatus)
	check.Equal(t, 0, len(h.sink.ofType(domain.EventSettlementFailed)))

	// A fresh process over the same store picks it up.
	payments := &fakePayments{}
	clock := NewClock(h.clock.Now)
	ledger := NewLedger(h.store, h.sink, clock, LedgerConfig{
		Increments: domain.FlatIncrement(decimal.NewFromInt(1)),
	}, discardLogger())
	restarted := NewLifecycle(ledger, h.store, clock, LifecycleConfig{}, discardLogger(),
		WithPayments(payments),
	)
	restarted.SettlePending(context.Background())

	assert.Equal(t, 1, len(payments.calls))
	check.Equal(t, h.payments.calls[0].IdempotencyKey, payments.calls[0].IdempotencyKey)
	check.Equal(t, "10", payments.calls[0].FinalPrice.String())
	check.Equal(t, domain.SettlementCaptured, h.load(t).SettlementStatus)
}

func TestLifecycleSlowCaptureDoesNotDelayClosing(t *testing.T) {
	h := newHarness(t)
	h.payments.block = make(chan struct{})
	h.openAuction(t)
	h.bid(t, "A", "10")
	_, err := h.ledger.Create(context.Background(), domain.Auction{
		ID:            "auc-2",
		ItemID:        "item-2",
		SellerID:      "seller",
		StartingPrice: dec("5"),
		CurrentPrice:  dec("5"),
		StartTime:     t0.Add(-time.Hour),
		ScheduledEnd:  t0.Add(2 * time.Hour),
		EndTime:       t0.Add(2 * time.Hour),
		State:         domain.AuctionActive,
	})
	assert.NoError(t, err)
	_, err = h.ledger.SubmitBid(context.Background(), domain.BidRequest{
		AuctionID: "auc-2", BidderID: "B", Amount: dec("5"),
	})
	assert.NoError(t, err)

	h.clock.Set(t0.Add(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.lifecycle.Run(ctx) }()

	// The first capture hangs while the second auction still closes.
	assert.True(t, eventually(t, func() bool { return h.payments.count() == 1 }))
	h.clock.Set(t0.Add(2 * time.Hour))
	h.lifecycle.Wake("auc-2")
	check.True(t, eventually(t, func() bool {
		return h.loadID(t, "auc-2").State == domain.AuctionSettled
	}))
	check.Equal(t, domain.SettlementPending, h.loadID(t, "auc-1").SettlementStatus)

	close(h.payments.block)
	check.True(t, eventually(t, func() bool {
		return h.loadID(t, "auc-1").SettlementStatus == domain.SettlementCaptured &&
			h.loadID(t, "auc-2").SettlementStatus == domain.SettlementCaptured
	}))
	cancel()
	assert.NoError(t, <-done)
	check.Equal(t, 2, h.payments.count())
}

func TestLifecycleRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.openAuction(t)
	h.clock.Set(t0.Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.lifecycle.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		a, err := h.store.LoadAuction(context.Background(), "auc-1")
		assert.NoError(t, err)
		if a.State.Terminal() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	assert.NoError(t, <-done)
	check.Equal(t, domain.AuctionUnsold, h.load(t).State)
}
