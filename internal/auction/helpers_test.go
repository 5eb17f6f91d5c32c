package auction

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionengine/internal/domain"
	"github.com/alanyoungcy/auctionengine/internal/store/memory"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func nullDec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(dec(s))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.AuctionEvent
}

func (s *recordingSink) Dispatch(evt domain.AuctionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *recordingSink) ofType(typ domain.EventType) []domain.AuctionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuctionEvent
	for _, e := range s.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type fakePayments struct {
	mu    sync.Mutex
	calls []domain.Settlement
	err   error
	block chan struct{} // when set, Settle waits for it to close
}

func (p *fakePayments) Settle(ctx context.Context, s domain.Settlement) error {
	p.mu.Lock()
	p.calls = append(p.calls, s)
	block, err := p.block, p.err
	p.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (p *fakePayments) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fakeAlerts struct {
	mu     sync.Mutex
	events []string
}

func (a *fakeAlerts) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

var errCaptureDeclined = errors.New("card declined")

// harness wires a ledger and lifecycle over the in-memory store.
type harness struct {
	store     *memory.Store
	clock     *fakeClock
	sink      *recordingSink
	ledger    *Ledger
	lifecycle *Lifecycle
	payments  *fakePayments
	alerts    *fakeAlerts
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    memory.New(),
		clock:    &fakeClock{now: t0},
		sink:     &recordingSink{},
		payments: &fakePayments{},
		alerts:   &fakeAlerts{},
	}
	clock := NewClock(h.clock.Now)
	h.ledger = NewLedger(h.store, h.sink, clock, LedgerConfig{
		Increments: domain.FlatIncrement(decimal.NewFromInt(1)),
		MaxRetries: 3,
	}, discardLogger())
	h.lifecycle = NewLifecycle(h.ledger, h.store, clock, LifecycleConfig{}, discardLogger(),
		WithPayments(h.payments),
		WithAudit(h.store),
		WithAlerts(h.alerts),
	)
	return h
}

// openAuction creates an active auction starting at $10 that ends an
// hour after t0.
func (h *harness) openAuction(t *testing.T, mutate ...func(*domain.Auction)) domain.Auction {
	t.Helper()
	a := domain.Auction{
		ID:                "auc-1",
		ItemID:            "item-1",
		SellerID:          "seller",
		StartingPrice:     dec("10"),
		CurrentPrice:      dec("10"),
		StartTime:         t0.Add(-time.Hour),
		ScheduledEnd:      t0.Add(time.Hour),
		EndTime:           t0.Add(time.Hour),
		AntiSnipeWindow:   2 * time.Minute,
		ExtensionDuration: 5 * time.Minute,
		State:             domain.AuctionActive,
		CreatedAt:         t0.Add(-2 * time.Hour),
	}
	for _, m := range mutate {
		m(&a)
	}
	created, err := h.ledger.Create(context.Background(), a)
	assert.NoError(t, err)
	return created
}

func (h *harness) bid(t *testing.T, bidder, amount string) domain.BidResult {
	t.Helper()
	res, err := h.ledger.SubmitBid(context.Background(), domain.BidRequest{
		AuctionID: "auc-1",
		BidderID:  bidder,
		Amount:    dec(amount),
	})
	assert.NoError(t, err)
	return res
}

func (h *harness) proxy(t *testing.T, bidder, amount, ceiling string) domain.BidResult {
	t.Helper()
	res, err := h.ledger.SubmitBid(context.Background(), domain.BidRequest{
		AuctionID:    "auc-1",
		BidderID:     bidder,
		Amount:       dec(amount),
		ProxyCeiling: nullDec(ceiling),
	})
	assert.NoError(t, err)
	return res
}

func (h *harness) load(t *testing.T) domain.Auction {
	t.Helper()
	return h.loadID(t, "auc-1")
}

func (h *harness) loadID(t *testing.T, id string) domain.Auction {
	t.Helper()
	a, err := h.store.LoadAuction(context.Background(), id)
	assert.NoError(t, err)
	return a
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
