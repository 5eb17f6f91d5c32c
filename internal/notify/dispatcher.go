package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/auctionengine/internal/domain"
)

// BidLister returns an auction's bid history. domain.AuctionStore
// satisfies it.
type BidLister interface {
	LoadBids(ctx context.Context, auctionID string) ([]domain.Bid, error)
}

// DispatcherConfig holds the dispatcher's tunables.
type DispatcherConfig struct {
	QueueSize      int           // total queued events across all workers
	Workers        int           // one ordered queue per worker
	SweepInterval  time.Duration // how often the outbox is scanned
	RedeliverAfter time.Duration // age at which an undelivered event is re-queued
	SweepBatch     int
	DedupTTL       time.Duration
}

// DispatcherStats is a point-in-time view of the dispatcher's counters.
type DispatcherStats struct {
	Queued    int      `json:"queued"`
	Dropped   int64    `json:"dropped"`
	Delivered int64    `json:"delivered"`
	Failed    int64    `json:"failed"`
	Outlets   []string `json:"outlets"`
}

// Dispatcher fans committed auction events out to broadcast outlets. It
// never blocks its caller: each worker owns a bounded ring queue that drops
// its oldest event when full. Events of one auction always land on the same
// worker, so they are published in commit order. Dropped or failed events
// stay undelivered in the outbox and the sweeper re-queues them.
type Dispatcher struct {
	events  domain.EventStore
	bids    BidLister
	watches domain.WatchStore
	outlets []domain.Broadcaster
	dedup   *Dedup
	shards  []*ring
	now     func() time.Time

	dropped   atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64

	cfg    DispatcherConfig
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher publishing through outlets.
func NewDispatcher(events domain.EventStore, bids BidLister, watches domain.WatchStore, outlets []domain.Broadcaster, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.RedeliverAfter <= 0 {
		cfg.RedeliverAfter = 10 * time.Second
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 500
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	perShard := max(1, cfg.QueueSize/cfg.Workers)
	shards := make([]*ring, cfg.Workers)
	for i := range shards {
		shards[i] = newRing(perShard)
	}
	return &Dispatcher{
		events:  events,
		bids:    bids,
		watches: watches,
		outlets: outlets,
		dedup:   NewDedup(cfg.DedupTTL),
		shards:  shards,
		now:     time.Now,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "dispatcher")),
	}
}

// Dispatch queues evt for delivery. It never blocks.
func (d *Dispatcher) Dispatch(evt domain.AuctionEvent) {
	s := d.shards[xxhash.Sum64String(evt.AuctionID)%uint64(len(d.shards))]
	if old, dropped := s.push(evt); dropped {
		n := d.dropped.Add(1)
		d.logger.Warn("event queue full, dropped oldest",
			slog.String("event_id", old.ID),
			slog.String("auction_id", old.AuctionID),
			slog.String("type", string(old.Type)),
			slog.Int64("dropped_total", n),
		)
	}
}

// Run starts the workers and the outbox sweeper and blocks until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "dispatcher started",
		slog.Int("workers", len(d.shards)),
		slog.Int("outlets", len(d.outlets)),
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range d.shards {
		g.Go(func() error { return d.work(ctx, s) })
	}
	g.Go(func() error { return d.sweep(ctx) })
	err := g.Wait()
	d.logger.Info("dispatcher stopped")
	return err
}

// Stats returns the dispatcher's counters.
func (d *Dispatcher) Stats() DispatcherStats {
	queued := 0
	for _, s := range d.shards {
		queued += s.len()
	}
	names := make([]string, 0, len(d.outlets))
	for _, o := range d.outlets {
		names = append(names, o.Name())
	}
	return DispatcherStats{
		Queued:    queued,
		Dropped:   d.dropped.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Outlets:   names,
	}
}

func (d *Dispatcher) work(ctx context.Context, s *ring) error {
	for {
		evt, ok := s.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-s.ready:
				continue
			}
		}
		d.Deliver(ctx, evt)
	}
}

func (d *Dispatcher) sweep(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Redeliver(ctx)
			d.dedup.Cleanup()
		}
	}
}

// Redeliver re-queues outbox events that are still undelivered after
// RedeliverAfter.
func (d *Dispatcher) Redeliver(ctx context.Context) {
	if d.events == nil {
		return
	}
	pending, err := d.events.ListUndelivered(ctx, d.now().Add(-d.cfg.RedeliverAfter), d.cfg.SweepBatch)
	if err != nil {
		d.logger.ErrorContext(ctx, "list undelivered events failed", slog.String("error", err.Error()))
		return
	}
	if len(pending) == 0 {
		return
	}
	d.logger.InfoContext(ctx, "redelivering events", slog.Int("count", len(pending)))
	for _, evt := range pending {
		d.Dispatch(evt)
	}
}

// Deliver publishes one event to every channel it is routed to and marks
// it delivered. Partial failures leave it undelivered for the sweeper.
func (d *Dispatcher) Deliver(ctx context.Context, evt domain.AuctionEvent) {
	if d.dedup.IsDuplicate(evt.ID) {
		d.logger.DebugContext(ctx, "skipping duplicate event", slog.String("event_id", evt.ID))
		return
	}

	channels, err := d.Route(ctx, evt)
	if err == nil {
		err = d.publish(ctx, channels, evt)
	}
	if err != nil {
		d.dedup.Forget(evt.ID)
		d.failed.Add(1)
		d.logger.WarnContext(ctx, "event delivery failed",
			slog.String("event_id", evt.ID),
			slog.String("auction_id", evt.AuctionID),
			slog.String("type", string(evt.Type)),
			slog.String("error", err.Error()),
		)
		return
	}

	if d.events != nil {
		if err := d.events.MarkDelivered(ctx, []string{evt.ID}, d.now().UTC()); err != nil {
			d.logger.WarnContext(ctx, "mark delivered failed",
				slog.String("event_id", evt.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	d.delivered.Add(1)
	if terminalEvent(evt.Type) && d.watches != nil {
		// Per-auction ordering means closed has already reached watchers.
		if err := d.watches.DeleteByAuction(ctx, evt.AuctionID); err != nil {
			d.logger.WarnContext(ctx, "drop watches failed",
				slog.String("auction_id", evt.AuctionID),
				slog.String("error", err.Error()),
			)
		}
	}
	d.logger.DebugContext(ctx, "event delivered",
		slog.String("event_id", evt.ID),
		slog.String("type", string(evt.Type)),
		slog.Int("channels", len(channels)),
	)
}

func terminalEvent(t domain.EventType) bool {
	switch t {
	case domain.EventSettled, domain.EventUnsold, domain.EventCancelled:
		return true
	}
	return false
}

func (d *Dispatcher) publish(ctx context.Context, channels []string, evt domain.AuctionEvent) error {
	var errs []error
	for _, ch := range channels {
		for _, o := range d.outlets {
			if err := o.Publish(ctx, ch, evt); err != nil {
				errs = append(errs, fmt.Errorf("%s %s: %w", o.Name(), ch, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Route returns the channels an event is published on:
//
//   - outbid goes only to the bidder who lost the lead;
//   - price and timing events go to the auction channel and every watcher;
//   - outcomes go to the auction channel, the seller and every bidder;
//   - settlement failures go privately to the seller and the winner.
func (d *Dispatcher) Route(ctx context.Context, evt domain.AuctionEvent) ([]string, error) {
	switch evt.Type {
	case domain.EventOutbid:
		if evt.Payload.BidderID == "" {
			return nil, nil
		}
		return []string{domain.UserChannel(evt.Payload.BidderID)}, nil

	case domain.EventBidAccepted, domain.EventExtended, domain.EventEndingSoon,
		domain.EventReserveMet, domain.EventStarted, domain.EventClosed:
		users, err := d.watchers(ctx, evt.AuctionID)
		if err != nil {
			return nil, err
		}
		return withUsers([]string{domain.AuctionChannel(evt.AuctionID)}, users), nil

	case domain.EventSettled, domain.EventUnsold, domain.EventCancelled:
		users, err := d.bidders(ctx, evt.AuctionID)
		if err != nil {
			return nil, err
		}
		if evt.Payload.SellerID != "" {
			users = append(users, evt.Payload.SellerID)
		}
		return withUsers([]string{domain.AuctionChannel(evt.AuctionID)}, users), nil

	case domain.EventSettlementFailed:
		return withUsers(nil, []string{evt.Payload.SellerID, evt.Payload.WinnerID}), nil

	default:
		return []string{domain.AuctionChannel(evt.AuctionID)}, nil
	}
}

func (d *Dispatcher) watchers(ctx context.Context, auctionID string) ([]string, error) {
	if d.watches == nil {
		return nil, nil
	}
	users, err := d.watches.ListWatchers(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: list watchers %s: %w", auctionID, err)
	}
	return users, nil
}

func (d *Dispatcher) bidders(ctx context.Context, auctionID string) ([]string, error) {
	if d.bids == nil {
		return nil, nil
	}
	bids, err := d.bids.LoadBids(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: load bids %s: %w", auctionID, err)
	}
	users := make([]string, 0, len(bids))
	for _, b := range bids {
		users = append(users, b.BidderID)
	}
	return users, nil
}

// withUsers appends one user channel per distinct, non-empty user id in
// sorted order.
func withUsers(channels []string, users []string) []string {
	seen := make(map[string]bool, len(users))
	distinct := make([]string, 0, len(users))
	for _, u := range users {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		distinct = append(distinct, u)
	}
	sort.Strings(distinct)
	for _, u := range distinct {
		channels = append(channels, domain.UserChannel(u))
	}
	return channels
}

// ring is a fixed-capacity FIFO that overwrites its oldest element.
type ring struct {
	mu    sync.Mutex
	buf   []domain.AuctionEvent
	head  int
	size  int
	ready chan struct{}
}

func newRing(capacity int) *ring {
	return &ring{
		buf:   make([]domain.AuctionEvent, capacity),
		ready: make(chan struct{}, 1),
	}
}

// push appends evt, returning the evicted event if the ring was full.
func (r *ring) push(evt domain.AuctionEvent) (domain.AuctionEvent, bool) {
	r.mu.Lock()
	var (
		old     domain.AuctionEvent
		dropped bool
	)
	if r.size == len(r.buf) {
		old, dropped = r.buf[r.head], true
		r.buf[r.head] = domain.AuctionEvent{}
		r.head = (r.head + 1) % len(r.buf)
		r.size--
	}
	r.buf[(r.head+r.size)%len(r.buf)] = evt
	r.size++
	r.mu.Unlock()

	select {
	case r.ready <- struct{}{}:
	default:
	}
	return old, dropped
}

func (r *ring) pop() (domain.AuctionEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return domain.AuctionEvent{}, false
	}
	evt := r.buf[r.head]
	r.buf[r.head] = domain.AuctionEvent{}
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return evt, true
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
