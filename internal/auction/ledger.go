package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/auctionengine/internal/domain"
)

// lockPoll is how often a contended distributed lock is retried.
const lockPoll = 25 * time.Millisecond

// EventSink receives events after they are durably committed. Dispatch must
// not block.
type EventSink interface {
	Dispatch(evt domain.AuctionEvent)
}

// LedgerConfig holds the ledger's tunables.
type LedgerConfig struct {
	Increments   domain.IncrementPolicy
	MaxRetries   int
	RetryBackoff time.Duration
	LockTTL      time.Duration
	LockWait     time.Duration
}

// LedgerOption configures optional collaborators of a Ledger.
type LedgerOption func(*Ledger)

// WithDistributedLock makes every section entry also take a cluster-wide
// lock, for deployments running more than one engine replica.
func WithDistributedLock(m domain.LockManager) LedgerOption {
	return func(l *Ledger) { l.locks = m }
}

// WithSnapshotCache publishes every committed view to a shared cache.
func WithSnapshotCache(c domain.SnapshotCache) LedgerOption {
	return func(l *Ledger) { l.snapshots = c }
}

// WithLocalReads lets Snapshot answer from views this process committed.
// Only valid when this process is the sole writer of every auction;
// replicas sharing a store must read the shared cache or the store.
func WithLocalReads() LedgerOption {
	return func(l *Ledger) { l.localReads = true }
}

// WithIDs overrides the id generator.
func WithIDs(ids *IDs) LedgerOption {
	return func(l *Ledger) { l.ids = ids }
}

// MutateFunc computes the next state of an auction while its section is
// held. Returning a nil commit leaves the auction unchanged.
type MutateFunc func(a domain.Auction, bids []domain.Bid, now time.Time) (*domain.AuctionCommit, error)

// Ledger is the authoritative, serialized record of bids. All writes to an
// auction go through its section; reads of the last committed view never
// touch a section.
type Ledger struct {
	store     domain.AuctionStore
	validator *Validator
	clock     *Clock
	ids       *IDs
	sink      EventSink
	locks     domain.LockManager
	snapshots domain.SnapshotCache
	sections  *sectionArena
	views      sync.Map // auction id -> domain.AuctionView
	localReads bool
	loads      singleflight.Group
	wake      func(auctionID string)
	cfg       LedgerConfig
	logger    *slog.Logger
}

// NewLedger creates a Ledger committing to store and handing committed
// events to sink.
func NewLedger(store domain.AuctionStore, sink EventSink, clock *Clock, cfg LedgerConfig, logger *slog.Logger, opts ...LedgerOption) *Ledger {
	if cfg.Increments == nil {
		cfg.Increments = domain.DefaultIncrements()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Second
	}
	l := &Ledger{
		store:     store,
		validator: NewValidator(cfg.Increments),
		clock:     clock,
		ids:       NewIDs(),
		sink:      sink,
		sections:  newSectionArena(),
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "ledger")),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnClosing registers fn to be told when a commit moves an auction to
// Closing or finds it past its end. Must be called before the ledger
// serves traffic.
func (l *Ledger) OnClosing(fn func(auctionID string)) {
	l.wake = fn
}

// Validator returns the ledger's validator.
func (l *Ledger) Validator() *Validator {
	return l.validator
}

// ActiveSections returns the number of auctions with a live section.
func (l *Ledger) ActiveSections() int {
	return l.sections.len()
}

// Create persists a new auction and publishes its first view.
func (l *Ledger) Create(ctx context.Context, a domain.Auction) (domain.Auction, error) {
	a.Version = 1
	if err := l.store.CreateAuction(ctx, a, nil); err != nil {
		return domain.Auction{}, fmt.Errorf("ledger: create auction %s: %w", a.ID, err)
	}
	view := a.View(l.cfg.Increments)
	l.views.Store(a.ID, view)
	l.cacheView(ctx, view)
	l.nudge(a.ID)
	return a, nil
}

// SubmitBid validates and, if accepted, commits one bid. Rejections are
// reported in the result, not as errors. Commit conflicts are retried a
// bounded number of times before failing with ErrSubmissionFailed.
func (l *Ledger) SubmitBid(ctx context.Context, req domain.BidRequest) (domain.BidResult, error) {
	var (
		res  domain.BidResult
		view *domain.AuctionView
	)
	err := l.retry(ctx, req.AuctionID, "submit bid", func() error {
		var err error
		res, view, err = l.submitOnce(ctx, req)
		return err
	})
	if err != nil {
		return domain.BidResult{}, err
	}
	if view != nil {
		l.cacheView(ctx, *view)
	}
	return res, nil
}

func (l *Ledger) submitOnce(ctx context.Context, req domain.BidRequest) (domain.BidResult, *domain.AuctionView, error) {
	sec, leave, err := l.enter(ctx, req.AuctionID)
	if err != nil {
		return domain.BidResult{}, nil, err
	}
	defer leave()

	st, err := l.loadState(ctx, sec, req.AuctionID)
	if err != nil {
		return domain.BidResult{}, nil, err
	}
	a := st.auction
	now := l.clock.Stamp(a)

	p := l.plan(st, req, now)
	if p.commit == nil {
		if a.State.AcceptsBids() && l.clock.IsExpired(a, now) {
			l.nudge(a.ID)
		}
		l.logger.DebugContext(ctx, "bid rejected",
			slog.String("auction_id", a.ID),
			slog.String("bidder_id", req.BidderID),
			slog.String("amount", req.Amount.String()),
			slog.String("reason", string(p.result.Reason)),
		)
		return p.result, nil, nil
	}

	next, err := l.commit(ctx, sec, *p.commit)
	if err != nil {
		return domain.BidResult{}, nil, fmt.Errorf("ledger: commit bid on %s: %w", a.ID, err)
	}
	if next.State == domain.AuctionClosing {
		l.nudge(next.ID)
	}

	p.result.Events = p.commit.Events
	l.logger.InfoContext(ctx, "bid accepted",
		slog.String("auction_id", next.ID),
		slog.String("bid_id", p.result.BidID),
		slog.String("bidder_id", req.BidderID),
		slog.String("current_price", next.CurrentPrice.String()),
		slog.String("winner_id", next.WinnerID),
		slog.String("state", string(next.State)),
	)
	view := next.View(l.cfg.Increments)
	return p.result, &view, nil
}

// Mutate runs fn inside the auction's section and commits what it returns,
// retrying on commit conflicts. It reports the resulting auction and
// whether anything was committed.
func (l *Ledger) Mutate(ctx context.Context, auctionID string, fn MutateFunc) (domain.Auction, bool, error) {
	var (
		out     domain.Auction
		changed bool
		view    *domain.AuctionView
	)
	err := l.retry(ctx, auctionID, "mutate", func() error {
		sec, leave, err := l.enter(ctx, auctionID)
		if err != nil {
			return err
		}
		defer leave()

		st, err := l.loadState(ctx, sec, auctionID)
		if err != nil {
			return err
		}
		bids := make([]domain.Bid, len(st.bids))
		copy(bids, st.bids)
		c, err := fn(st.auction, bids, l.clock.Now())
		if err != nil {
			return err
		}
		if c == nil {
			out, changed = st.auction, false
			return nil
		}
		c.Auction.Version = st.auction.Version
		next, err := l.commit(ctx, sec, *c)
		if err != nil {
			return fmt.Errorf("ledger: commit %s: %w", auctionID, err)
		}
		v := next.View(l.cfg.Increments)
		out, changed, view = next, true, &v
		return nil
	})
	if err != nil {
		return domain.Auction{}, false, err
	}
	if view != nil {
		l.cacheView(ctx, *view)
	}
	return out, changed, nil
}

// Snapshot returns the last committed view of an auction without entering
// its section.
func (l *Ledger) Snapshot(ctx context.Context, auctionID string) (domain.AuctionView, error) {
	if l.localReads && l.locks == nil {
		if v, ok := l.views.Load(auctionID); ok {
			return v.(domain.AuctionView), nil
		}
	}
	if l.snapshots != nil {
		v, err := l.snapshots.Get(ctx, auctionID)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			l.logger.WarnContext(ctx, "snapshot cache read failed",
				slog.String("auction_id", auctionID),
				slog.String("error", err.Error()),
			)
		}
	}
	res, err, _ := l.loads.Do(auctionID, func() (any, error) {
		a, err := l.store.LoadAuction(ctx, auctionID)
		if err != nil {
			return nil, err
		}
		view := a.View(l.cfg.Increments)
		l.cacheView(ctx, view)
		return view, nil
	})
	if err != nil {
		return domain.AuctionView{}, fmt.Errorf("ledger: snapshot %s: %w", auctionID, err)
	}
	return res.(domain.AuctionView), nil
}

// NewEvent builds an event stamped at at.
func (l *Ledger) NewEvent(a domain.Auction, typ domain.EventType, payload domain.EventPayload, at time.Time) domain.AuctionEvent {
	return domain.AuctionEvent{
		ID:        l.ids.EventID(at),
		AuctionID: a.ID,
		Type:      typ,
		Payload:   payload,
		CreatedAt: at,
	}
}

// bidPlan is a validated bid: the response for the caller and, when
// accepted, the commit that realizes it.
type bidPlan struct {
	result domain.BidResult
	commit *domain.AuctionCommit
}

func (l *Ledger) plan(st *ledgerState, req domain.BidRequest, now time.Time) bidPlan {
	a := st.auction
	live := LiveProxies(a, st.bids)

	// A proxy bid without a visible amount opens at the minimum it can.
	if req.Amount.IsZero() && req.ProxyCeiling.Valid {
		req.Amount = domain.MinDecimal(l.validator.MinimumNextBid(a), req.ProxyCeiling.Decimal)
	}

	d := l.validator.Validate(a, req, standingCeiling(a, live), now)
	switch d.Verdict {
	case VerdictReject:
		return bidPlan{result: domain.BidResult{
			Accepted:        false,
			NewCurrentPrice: a.CurrentPrice,
			Reason:          d.Reason,
			MinimumNextBid:  d.MinimumNextBid,
			EndTime:         a.EndTime,
			State:           a.State,
		}}
	case VerdictRaiseCeiling:
		return l.planCeilingRaise(st, req, now)
	case VerdictBuyout:
		return l.planBuyout(st, req, now)
	default:
		return l.planCompetitive(st, req, live, now)
	}
}

func (l *Ledger) planCompetitive(st *ledgerState, req domain.BidRequest, live []domain.ProxyEntry, now time.Time) bidPlan {
	a := st.auction
	resolver := NewProxyResolver(l.validator.Policy(a))

	seq := a.LastSequence + 1
	incoming := Contender{BidderID: req.BidderID, Ceiling: req.Amount, Floor: req.Amount, Sequence: seq}
	if req.ProxyCeiling.Valid {
		incoming.Ceiling = req.ProxyCeiling.Decimal
	}
	res := resolver.Resolve(Standing{
		WinnerID: a.WinnerID,
		Price:    a.CurrentPrice,
		Sequence: winningSequence(st),
	}, live, incoming)

	placed := domain.Bid{
		ID:           l.ids.BidID(),
		AuctionID:    a.ID,
		BidderID:     req.BidderID,
		Amount:       req.Amount,
		ProxyCeiling: req.ProxyCeiling,
		Kind:         domain.BidExplicit,
		Sequence:     seq,
		SubmittedAt:  now,
	}
	if req.ProxyCeiling.Valid {
		placed.Kind = domain.BidProxy
	}

	var winning domain.Bid
	newBids := []domain.Bid{placed}
	if res.WinnerID == req.BidderID {
		newBids[0].Amount = res.Price
		newBids[0].IsWinning = true
		winning = newBids[0]
	} else {
		// A standing proxy answers the bid on its owner's behalf.
		seq++
		winning = domain.Bid{
			ID:          l.ids.BidID(),
			AuctionID:   a.ID,
			BidderID:    res.WinnerID,
			Amount:      res.Price,
			Kind:        domain.BidAuto,
			Sequence:    seq,
			SubmittedAt: now,
			IsWinning:   true,
		}
		newBids = append(newBids, winning)
	}

	next := a
	next.CurrentPrice = res.Price
	next.WinningBidID = winning.ID
	next.WinnerID = winning.BidderID
	next.BidCount += len(newBids)
	next.LastSequence = seq
	next.LastBidAt = now
	next.UpdatedAt = now

	extended, newEnd := l.clock.OnBidAccepted(a, now)
	if extended {
		next.EndTime = newEnd
		next.Extensions++
	}
	next.State = l.clock.OpenPhase(next, now)

	price := domain.DecimalPtr(res.Price)
	events := []domain.AuctionEvent{
		l.NewEvent(a, domain.EventBidAccepted, domain.EventPayload{
			BidID:        newBids[0].ID,
			BidderID:     req.BidderID,
			Amount:       domain.DecimalPtr(newBids[0].Amount),
			CurrentPrice: price,
			WinnerID:     next.WinnerID,
		}, now),
	}
	if a.WinnerID != "" && a.WinnerID != next.WinnerID {
		events = append(events, l.NewEvent(a, domain.EventOutbid, domain.EventPayload{
			BidderID:         a.WinnerID,
			PreviousWinnerID: a.WinnerID,
			WinnerID:         next.WinnerID,
			CurrentPrice:     price,
		}, now))
	}
	if req.BidderID != next.WinnerID {
		events = append(events, l.NewEvent(a, domain.EventOutbid, domain.EventPayload{
			BidID:        placed.ID,
			BidderID:     req.BidderID,
			WinnerID:     next.WinnerID,
			CurrentPrice: price,
		}, now))
	}
	if a.HasReserve() && !a.ReserveMet && next.ReserveSatisfiedBy(res.Price) {
		next.ReserveMet = true
		events = append(events, l.NewEvent(a, domain.EventReserveMet, domain.EventPayload{
			CurrentPrice: price,
		}, now))
	}
	if extended {
		events = append(events, l.NewEvent(a, domain.EventExtended, domain.EventPayload{
			EndTime:    domain.TimePtr(next.EndTime),
			Extensions: next.Extensions,
		}, now))
	}
	if a.State == domain.AuctionActive && next.State == domain.AuctionEndingSoon {
		events = append(events, l.NewEvent(a, domain.EventEndingSoon, domain.EventPayload{
			EndTime: domain.TimePtr(next.EndTime),
		}, now))
	}

	result := domain.BidResult{
		Accepted:        true,
		BidID:           placed.ID,
		NewCurrentPrice: res.Price,
		IsWinning:       res.WinnerID == req.BidderID,
		EndTime:         next.EndTime,
		State:           next.State,
	}
	if !result.IsWinning {
		result.MinimumNextBid = decimal.NewNullDecimal(next.MinimumNextBid(l.cfg.Increments))
	}
	return bidPlan{
		result: result,
		commit: &domain.AuctionCommit{
			Auction:         next,
			NewBids:         newBids,
			SupersededBidID: a.WinningBidID,
			Events:          events,
		},
	}
}

func (l *Ledger) planBuyout(st *ledgerState, req domain.BidRequest, now time.Time) bidPlan {
	a := st.auction
	buyout := a.BuyoutPrice.Decimal

	bid := domain.Bid{
		ID:          l.ids.BidID(),
		AuctionID:   a.ID,
		BidderID:    req.BidderID,
		Amount:      buyout,
		Kind:        domain.BidBuyout,
		Sequence:    a.LastSequence + 1,
		SubmittedAt: now,
		IsWinning:   true,
	}

	next := a
	next.CurrentPrice = buyout
	next.WinningBidID = bid.ID
	next.WinnerID = bid.BidderID
	next.BidCount++
	next.LastSequence = bid.Sequence
	next.LastBidAt = now
	next.UpdatedAt = now
	next.State = domain.AuctionClosing
	next.BoughtOut = true
	next.ClosedAt = domain.TimePtr(now)

	price := domain.DecimalPtr(buyout)
	events := []domain.AuctionEvent{
		l.NewEvent(a, domain.EventBidAccepted, domain.EventPayload{
			BidID:        bid.ID,
			BidderID:     bid.BidderID,
			Amount:       price,
			CurrentPrice: price,
			WinnerID:     bid.BidderID,
			BoughtOut:    true,
		}, now),
	}
	if a.WinnerID != "" && a.WinnerID != bid.BidderID {
		events = append(events, l.NewEvent(a, domain.EventOutbid, domain.EventPayload{
			BidderID:         a.WinnerID,
			PreviousWinnerID: a.WinnerID,
			WinnerID:         bid.BidderID,
			CurrentPrice:     price,
		}, now))
	}
	if a.HasReserve() && !a.ReserveMet && next.ReserveSatisfiedBy(buyout) {
		next.ReserveMet = true
		events = append(events, l.NewEvent(a, domain.EventReserveMet, domain.EventPayload{
			CurrentPrice: price,
		}, now))
	}
	events = append(events, l.NewEvent(a, domain.EventClosed, domain.EventPayload{
		WinnerID:     bid.BidderID,
		SellerID:     a.SellerID,
		CurrentPrice: price,
		EndTime:      domain.TimePtr(now),
		BoughtOut:    true,
	}, now))

	return bidPlan{
		result: domain.BidResult{
			Accepted:        true,
			BidID:           bid.ID,
			NewCurrentPrice: buyout,
			IsWinning:       true,
			EndTime:         next.EndTime,
			State:           next.State,
		},
		commit: &domain.AuctionCommit{
			Auction:         next,
			NewBids:         []domain.Bid{bid},
			SupersededBidID: a.WinningBidID,
			Events:          events,
		},
	}
}

// planCeilingRaise records a higher ceiling for the current winner as a
// private row. The visible price, the winning bid and the bid count stay
// as they are, and nothing is announced.
func (l *Ledger) planCeilingRaise(st *ledgerState, req domain.BidRequest, now time.Time) bidPlan {
	a := st.auction
	bid := domain.Bid{
		ID:           l.ids.BidID(),
		AuctionID:    a.ID,
		BidderID:     req.BidderID,
		Amount:       a.CurrentPrice,
		ProxyCeiling: req.ProxyCeiling,
		Kind:         domain.BidCeilingRaise,
		Sequence:     a.LastSequence + 1,
		SubmittedAt:  now,
	}
	next := a
	next.LastSequence = bid.Sequence
	next.LastBidAt = now
	next.UpdatedAt = now

	return bidPlan{
		result: domain.BidResult{
			Accepted:        true,
			BidID:           bid.ID,
			NewCurrentPrice: a.CurrentPrice,
			IsWinning:       true,
			EndTime:         a.EndTime,
			State:           a.State,
		},
		commit: &domain.AuctionCommit{
			Auction: next,
			NewBids: []domain.Bid{bid},
		},
	}
}

// enter takes the auction's section and, when configured, its
// distributed lock. The returned func releases both.
func (l *Ledger) enter(ctx context.Context, auctionID string) (*section, func(), error) {
	sec, err := l.sections.acquire(ctx, auctionID)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: enter %s: %w", auctionID, err)
	}
	if l.locks == nil {
		return sec, func() { l.sections.release(auctionID, sec) }, nil
	}
	unlock, err := l.lockDistributed(ctx, auctionID)
	if err != nil {
		l.sections.release(auctionID, sec)
		return nil, nil, err
	}
	// Another replica may have committed since this one cached the state.
	sec.state = nil
	return sec, func() {
		unlock()
		l.sections.release(auctionID, sec)
	}, nil
}

func (l *Ledger) lockDistributed(ctx context.Context, auctionID string) (func(), error) {
	key := "auction:lock:" + auctionID
	deadline := time.Now().Add(l.cfg.LockWait)
	for {
		unlock, err := l.locks.Acquire(ctx, key, l.cfg.LockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("ledger: lock %s: %w", auctionID, err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("ledger: lock %s: %w: %w", auctionID, domain.ErrConflict, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPoll):
		}
	}
}

func (l *Ledger) loadState(ctx context.Context, sec *section, auctionID string) (*ledgerState, error) {
	if sec.state != nil {
		return sec.state, nil
	}
	a, err := l.store.LoadAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("ledger: load auction %s: %w", auctionID, err)
	}
	bids, err := l.store.LoadBids(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("ledger: load bids %s: %w", auctionID, err)
	}
	sec.state = &ledgerState{auction: a, bids: bids}
	return sec.state, nil
}

// commit writes c and, on success, applies it to the cached state and
// hands its events to the sink. Any failure drops the cached state so the
// next attempt reloads from the store.
func (l *Ledger) commit(ctx context.Context, sec *section, c domain.AuctionCommit) (domain.Auction, error) {
	if err := l.store.CommitAuctionState(ctx, c); err != nil {
		sec.state = nil
		return domain.Auction{}, err
	}
	st := sec.state
	if c.SupersededBidID != "" {
		for i := range st.bids {
			if st.bids[i].ID == c.SupersededBidID {
				st.bids[i].IsWinning = false
			}
		}
	}
	st.bids = append(st.bids, c.NewBids...)
	st.auction = c.Auction
	st.auction.Version++

	l.views.Store(st.auction.ID, st.auction.View(l.cfg.Increments))
	if l.sink != nil {
		for _, evt := range c.Events {
			l.sink.Dispatch(evt)
		}
	}
	return st.auction, nil
}

func (l *Ledger) retry(ctx context.Context, auctionID, op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, domain.ErrConflict) {
			return err
		}
		if attempt >= l.cfg.MaxRetries {
			break
		}
		l.logger.WarnContext(ctx, "commit conflict, retrying",
			slog.String("auction_id", auctionID),
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
		)
		if werr := sleepCtx(ctx, l.cfg.RetryBackoff*time.Duration(attempt+1)); werr != nil {
			return werr
		}
	}
	l.logger.ErrorContext(ctx, "commit retries exhausted",
		slog.String("auction_id", auctionID),
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("ledger: %s %s: %w: %w", op, auctionID, domain.ErrSubmissionFailed, err)
}

func (l *Ledger) cacheView(ctx context.Context, view domain.AuctionView) {
	if l.snapshots == nil {
		return
	}
	if err := l.snapshots.Set(ctx, view); err != nil {
		l.logger.WarnContext(ctx, "snapshot cache write failed",
			slog.String("auction_id", view.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (l *Ledger) nudge(auctionID string) {
	if l.wake != nil {
		l.wake(auctionID)
	}
}

// standingCeiling returns the current winner's live proxy ceiling.
func standingCeiling(a domain.Auction, live []domain.ProxyEntry) decimal.NullDecimal {
	for _, p := range live {
		if p.BidderID == a.WinnerID {
			return decimal.NewNullDecimal(p.Ceiling)
		}
	}
	return decimal.NullDecimal{}
}

func winningSequence(st *ledgerState) int64 {
	for _, b := range st.bids {
		if b.ID == st.auction.WinningBidID {
			return b.Sequence
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
