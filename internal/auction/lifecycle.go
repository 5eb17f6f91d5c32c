package auction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/auctionengine/internal/domain"
)

// Unsold reasons carried in the unsold event payload.
const (
	UnsoldNoBids        = "no_bids"
	UnsoldReserveNotMet = "reserve_not_met"
)

// Alerter sends operator alerts. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// LifecycleConfig holds the lifecycle driver's tunables.
type LifecycleConfig struct {
	TickInterval time.Duration
	BatchSize    int
}

// LifecycleOption configures optional collaborators of a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithPayments sets the payment capturer. Captures run on their own loop,
// driven by the pending settlements recorded in the store.
func WithPayments(p domain.PaymentCapturer) LifecycleOption {
	return func(l *Lifecycle) { l.payments = p }
}

// WithAudit records operator-relevant actions in the audit log.
func WithAudit(a domain.AuditStore) LifecycleOption {
	return func(l *Lifecycle) { l.audit = a }
}

// WithArchiver copies finished auctions to cold storage.
func WithArchiver(a domain.Archiver) LifecycleOption {
	return func(l *Lifecycle) { l.archiver = a }
}

// WithAlerts sends settlement failures and cancellations to operators.
func WithAlerts(a Alerter) LifecycleOption {
	return func(l *Lifecycle) { l.alerts = a }
}

// Lifecycle drives auctions through their states on time and on demand.
// Every transition is committed through the ledger, so it is serialized
// with bids on the same auction.
type Lifecycle struct {
	ledger   *Ledger
	store    domain.AuctionStore
	clock    *Clock
	payments domain.PaymentCapturer
	audit    domain.AuditStore
	archiver domain.Archiver
	alerts   Alerter
	wake     chan string
	settle   chan struct{}
	cfg      LifecycleConfig
	logger   *slog.Logger
}

// NewLifecycle creates a Lifecycle and registers it with the ledger so
// buyouts and late bids wake it immediately.
func NewLifecycle(ledger *Ledger, store domain.AuctionStore, clock *Clock, cfg LifecycleConfig, logger *slog.Logger, opts ...LifecycleOption) *Lifecycle {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	l := &Lifecycle{
		ledger: ledger,
		store:  store,
		clock:  clock,
		wake:   make(chan string, 256),
		settle: make(chan struct{}, 1),
		cfg:    cfg,
		logger: logger.With(slog.String("component", "lifecycle")),
	}
	for _, opt := range opts {
		opt(l)
	}
	ledger.OnClosing(l.Wake)
	return l
}

// Wake asks the driver to look at an auction soon. It never blocks; if
// the queue is full the next tick picks the auction up.
func (l *Lifecycle) Wake(auctionID string) {
	select {
	case l.wake <- auctionID:
	default:
	}
}

// Run drives transitions and payment captures until ctx is cancelled.
// A slow capture never holds up other auctions' transitions.
func (l *Lifecycle) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.runTransitions(ctx) })
	if l.payments != nil {
		g.Go(func() error { return l.runSettlements(ctx) })
	}
	return g.Wait()
}

func (l *Lifecycle) runTransitions(ctx context.Context) error {
	l.logger.InfoContext(ctx, "lifecycle driver started",
		slog.Duration("tick", l.cfg.TickInterval),
	)
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	l.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("lifecycle driver stopped")
			return nil
		case <-ticker.C:
			l.Sweep(ctx)
		case id := <-l.wake:
			if err := l.Advance(ctx, id); err != nil {
				l.logger.ErrorContext(ctx, "advance failed",
					slog.String("auction_id", id),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Sweep advances every auction whose next transition is due.
func (l *Lifecycle) Sweep(ctx context.Context) {
	due, err := l.store.ListDue(ctx, l.clock.Now(), l.cfg.BatchSize)
	if err != nil {
		l.logger.ErrorContext(ctx, "list due auctions failed", slog.String("error", err.Error()))
		return
	}
	for _, a := range due {
		if ctx.Err() != nil {
			return
		}
		if err := l.Advance(ctx, a.ID); err != nil {
			l.logger.ErrorContext(ctx, "advance failed",
				slog.String("auction_id", a.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Advance applies every transition that is due for one auction. A tick
// that arrives late still lands in the right state, because the end time
// is compared against the current time rather than the tick.
func (l *Lifecycle) Advance(ctx context.Context, auctionID string) error {
	var prev domain.AuctionState
	next, changed, err := l.ledger.Mutate(ctx, auctionID, func(a domain.Auction, _ []domain.Bid, now time.Time) (*domain.AuctionCommit, error) {
		prev = a.State
		if a.State.Terminal() {
			return nil, nil
		}
		stepped, events := l.step(a, now)
		if stepped.State == a.State && len(events) == 0 {
			return nil, nil
		}
		stepped.UpdatedAt = now
		return &domain.AuctionCommit{Auction: stepped, Events: events}, nil
	})
	if err != nil {
		return fmt.Errorf("lifecycle: advance %s: %w", auctionID, err)
	}
	if !changed {
		return nil
	}

	l.logger.InfoContext(ctx, "auction transitioned",
		slog.String("auction_id", auctionID),
		slog.String("from", string(prev)),
		slog.String("to", string(next.State)),
	)
	if next.State == domain.AuctionSettled {
		l.requestCapture(ctx, auctionID)
	}
	if next.State.Terminal() {
		l.finish(ctx, next)
	}
	return nil
}

// Cancel moves an auction to Cancelled on behalf of actor. Auctions that
// are already closing or finished cannot be cancelled.
func (l *Lifecycle) Cancel(ctx context.Context, auctionID, actor, reason string) (domain.Auction, error) {
	var prev domain.AuctionState
	next, _, err := l.ledger.Mutate(ctx, auctionID, func(a domain.Auction, _ []domain.Bid, now time.Time) (*domain.AuctionCommit, error) {
		prev = a.State
		if !domain.CanTransition(a.State, domain.AuctionCancelled) {
			return nil, fmt.Errorf("lifecycle: cancel %s from %s: %w", a.ID, a.State, domain.ErrInvalidTransition)
		}
		next := a
		next.State = domain.AuctionCancelled
		next.ClosedAt = domain.TimePtr(now)
		next.UpdatedAt = now
		evt := l.ledger.NewEvent(a, domain.EventCancelled, domain.EventPayload{
			SellerID: a.SellerID,
			State:    domain.AuctionCancelled,
			Actor:    actor,
			Reason:   reason,
		}, now)
		return &domain.AuctionCommit{Auction: next, Events: []domain.AuctionEvent{evt}}, nil
	})
	if err != nil {
		return domain.Auction{}, err
	}

	l.logger.InfoContext(ctx, "auction cancelled",
		slog.String("auction_id", auctionID),
		slog.String("from", string(prev)),
		slog.String("actor", actor),
	)
	l.auditLog(ctx, "auction_cancelled", map[string]any{
		"auction_id": auctionID,
		"from":       string(prev),
		"actor":      actor,
		"reason":     reason,
	})
	if l.alerts != nil {
		msg := fmt.Sprintf("auction %s cancelled by %s from %s: %s", auctionID, actor, prev, reason)
		if aerr := l.alerts.Notify(ctx, string(domain.EventCancelled), "Auction cancelled", msg); aerr != nil {
			l.logger.WarnContext(ctx, "cancel alert failed", slog.String("error", aerr.Error()))
		}
	}
	l.finish(ctx, next)
	return next, nil
}

// step applies transitions until the auction is stable at now.
func (l *Lifecycle) step(a domain.Auction, now time.Time) (domain.Auction, []domain.AuctionEvent) {
	var events []domain.AuctionEvent
	for {
		switch a.State {
		case domain.AuctionScheduled:
			if now.Before(a.StartTime) {
				return a, events
			}
			a.State = domain.AuctionActive
			events = append(events, l.ledger.NewEvent(a, domain.EventStarted, domain.EventPayload{
				CurrentPrice: domain.DecimalPtr(a.StartingPrice),
				EndTime:      domain.TimePtr(a.EndTime),
			}, now))

		case domain.AuctionActive, domain.AuctionEndingSoon:
			if l.clock.IsExpired(a, now) {
				a.State = domain.AuctionClosing
				a.ClosedAt = domain.TimePtr(now)
				events = append(events, l.ledger.NewEvent(a, domain.EventClosed, domain.EventPayload{
					SellerID: a.SellerID,
					EndTime:  domain.TimePtr(a.EndTime),
				}, now))
				continue
			}
			phase := l.clock.OpenPhase(a, now)
			if phase == domain.AuctionEndingSoon && a.State == domain.AuctionActive {
				events = append(events, l.ledger.NewEvent(a, domain.EventEndingSoon, domain.EventPayload{
					EndTime: domain.TimePtr(a.EndTime),
				}, now))
			}
			a.State = phase
			return a, events

		case domain.AuctionClosing:
			return l.finalize(a, now, events)

		default:
			return a, events
		}
	}
}

// finalize decides the outcome of a closing auction.
func (l *Lifecycle) finalize(a domain.Auction, now time.Time, events []domain.AuctionEvent) (domain.Auction, []domain.AuctionEvent) {
	reason := ""
	switch {
	case !a.HasBids():
		reason = UnsoldNoBids
	case !a.ReserveSatisfiedBy(a.CurrentPrice):
		reason = UnsoldReserveNotMet
	}
	if reason != "" {
		a.State = domain.AuctionUnsold
		return a, append(events, l.ledger.NewEvent(a, domain.EventUnsold, domain.EventPayload{
			SellerID: a.SellerID,
			State:    domain.AuctionUnsold,
			Reason:   reason,
		}, now))
	}
	a.State = domain.AuctionSettled
	a.SettlementStatus = domain.SettlementPending
	return a, append(events, l.ledger.NewEvent(a, domain.EventSettled, domain.EventPayload{
		WinnerID:     a.WinnerID,
		SellerID:     a.SellerID,
		CurrentPrice: domain.DecimalPtr(a.CurrentPrice),
		State:        domain.AuctionSettled,
		BoughtOut:    a.BoughtOut,
	}, now))
}

func (l *Lifecycle) requestCapture(ctx context.Context, auctionID string) {
	if l.payments == nil {
		l.logger.WarnContext(ctx, "no payment capturer configured, settlement left pending",
			slog.String("auction_id", auctionID),
		)
		return
	}
	select {
	case l.settle <- struct{}{}:
	default:
	}
}

func (l *Lifecycle) runSettlements(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()
	for {
		l.SettlePending(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-l.settle:
		}
	}
}

// SettlePending captures payment for every settled auction whose capture
// outcome has not been recorded, including ones left over from a previous
// run. Each auction is captured under the same idempotency key every time.
func (l *Lifecycle) SettlePending(ctx context.Context) {
	if l.payments == nil {
		return
	}
	pending, err := l.store.ListPendingSettlements(ctx, l.cfg.BatchSize)
	if err != nil {
		l.logger.ErrorContext(ctx, "list pending settlements failed", slog.String("error", err.Error()))
		return
	}
	for _, a := range pending {
		if ctx.Err() != nil {
			return
		}
		l.capture(ctx, a)
	}
}

// capture hands one settlement to the payment collaborator and records the
// outcome on the auction. A failure is recorded and escalated, but the
// auction stays Settled.
func (l *Lifecycle) capture(ctx context.Context, a domain.Auction) {
	s := domain.Settlement{
		AuctionID:      a.ID,
		WinnerID:       a.WinnerID,
		SellerID:       a.SellerID,
		FinalPrice:     a.CurrentPrice,
		SettledAt:      a.UpdatedAt,
		IdempotencyKey: "settle:" + a.ID,
	}
	err := l.payments.Settle(ctx, s)
	if err != nil && ctx.Err() != nil {
		// Stays pending for the next run.
		l.logger.WarnContext(ctx, "settlement capture interrupted",
			slog.String("auction_id", s.AuctionID),
			slog.String("error", err.Error()),
		)
		return
	}

	status := domain.SettlementCaptured
	if err != nil {
		status = domain.SettlementFailed
	}
	_, recorded, merr := l.ledger.Mutate(ctx, s.AuctionID, func(cur domain.Auction, _ []domain.Bid, now time.Time) (*domain.AuctionCommit, error) {
		if cur.SettlementStatus != domain.SettlementPending {
			return nil, nil
		}
		next := cur
		next.SettlementStatus = status
		c := &domain.AuctionCommit{Auction: next}
		if err != nil {
			c.Events = []domain.AuctionEvent{l.ledger.NewEvent(cur, domain.EventSettlementFailed, domain.EventPayload{
				WinnerID:     s.WinnerID,
				SellerID:     s.SellerID,
				CurrentPrice: domain.DecimalPtr(s.FinalPrice),
				Reason:       err.Error(),
			}, now)}
		}
		return c, nil
	})
	if merr != nil {
		l.logger.ErrorContext(ctx, "record settlement outcome failed",
			slog.String("auction_id", s.AuctionID),
			slog.String("status", string(status)),
			slog.String("error", merr.Error()),
		)
		return
	}
	if !recorded {
		return
	}

	if err == nil {
		l.logger.InfoContext(ctx, "settlement captured",
			slog.String("auction_id", s.AuctionID),
			slog.String("winner_id", s.WinnerID),
			slog.String("final_price", s.FinalPrice.String()),
		)
		l.auditLog(ctx, "settlement_captured", map[string]any{
			"auction_id":  s.AuctionID,
			"winner_id":   s.WinnerID,
			"final_price": s.FinalPrice.String(),
		})
		return
	}

	l.logger.ErrorContext(ctx, "settlement capture failed",
		slog.String("auction_id", s.AuctionID),
		slog.String("error", err.Error()),
	)
	l.auditLog(ctx, "settlement_failed", map[string]any{
		"auction_id":  s.AuctionID,
		"winner_id":   s.WinnerID,
		"final_price": s.FinalPrice.String(),
		"error":       err.Error(),
	})
	if l.alerts != nil {
		msg := fmt.Sprintf("auction %s: capture of %s from %s failed: %v",
			s.AuctionID, s.FinalPrice.String(), s.WinnerID, err)
		if aerr := l.alerts.Notify(ctx, string(domain.EventSettlementFailed), "Settlement failed", msg); aerr != nil {
			l.logger.WarnContext(ctx, "settlement alert failed", slog.String("error", aerr.Error()))
		}
	}
}

// finish runs the post-terminal hooks.
func (l *Lifecycle) finish(ctx context.Context, a domain.Auction) {
	if l.archiver == nil {
		return
	}
	if err := l.archiver.ArchiveAuction(ctx, a.ID); err != nil {
		l.logger.WarnContext(ctx, "archive auction failed",
			slog.String("auction_id", a.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (l *Lifecycle) auditLog(ctx context.Context, event string, detail map[string]any) {
	if l.audit == nil {
		return
	}
	if err := l.audit.Log(ctx, event, detail); err != nil {
		l.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
