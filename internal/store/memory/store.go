// Package memory provides in-process implementations of the store
// interfaces, used by the single-node "memory" store driver and by tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/auctionengine/internal/domain"
)

// Store keeps auctions, bids, events, watches and audit entries in maps.
// It honors the same optimistic-version contract as the SQL store.
type Store struct {
	mu       sync.RWMutex
	auctions map[string]domain.Auction
	bids     map[string][]domain.Bid
	events   []domain.AuctionEvent
	eventIdx map[string]int
	watches  map[string]map[string]time.Time // auction -> user -> since
	audit    []domain.AuditEntry

	// failCommits counts down injected ErrConflict failures.
	failCommits int
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		auctions: make(map[string]domain.Auction),
		bids:     make(map[string][]domain.Bid),
		eventIdx: make(map[string]int),
		watches:  make(map[string]map[string]time.Time),
	}
}

var (
	_ domain.AuctionStore = (*Store)(nil)
	_ domain.EventStore   = (*Store)(nil)
	_ domain.WatchStore   = (*Store)(nil)
	_ domain.AuditStore   = (*Store)(nil)
)

// FailNextCommits makes the next n calls to CommitAuctionState return
// ErrConflict without writing anything.
func (s *Store) FailNextCommits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommits = n
}

// CreateAuction stores a new auction.
func (s *Store) CreateAuction(_ context.Context, a domain.Auction, events []domain.AuctionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auctions[a.ID]; ok {
		return fmt.Errorf("memory: create auction %s: %w", a.ID, domain.ErrAlreadyExists)
	}
	s.auctions[a.ID] = a
	s.appendEventsLocked(events)
	return nil
}

// LoadAuction returns the auction with the given id.
func (s *Store) LoadAuction(_ context.Context, id string) (domain.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.auctions[id]
	if !ok {
		return domain.Auction{}, fmt.Errorf("memory: auction %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

// LoadBids returns the bids of an auction in sequence order.
func (s *Store) LoadBids(_ context.Context, auctionID string) ([]domain.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.bids[auctionID]
	out := make([]domain.Bid, len(src))
	copy(out, src)
	return out, nil
}

// CommitAuctionState applies c if the stored version still matches.
func (s *Store) CommitAuctionState(_ context.Context, c domain.AuctionCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := c.Auction.ID
	if s.failCommits > 0 {
		s.failCommits--
		return fmt.Errorf("memory: commit auction %s: %w", id, domain.ErrConflict)
	}
	cur, ok := s.auctions[id]
	if !ok {
		return fmt.Errorf("memory: commit auction %s: %w", id, domain.ErrNotFound)
	}
	if cur.Version != c.Auction.Version {
		return fmt.Errorf("memory: commit auction %s at version %d (stored %d): %w",
			id, c.Auction.Version, cur.Version, domain.ErrConflict)
	}

	next := c.Auction
	next.Version++
	s.auctions[id] = next

	bids := s.bids[id]
	if c.SupersededBidID != "" {
		for i := range bids {
			if bids[i].ID == c.SupersededBidID {
				bids[i].IsWinning = false
			}
		}
	}
	s.bids[id] = append(bids, c.NewBids...)
	s.appendEventsLocked(c.Events)
	return nil
}

// ListDue returns non-terminal auctions whose next transition is due.
func (s *Store) ListDue(_ context.Context, now time.Time, limit int) ([]domain.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Auction
	for _, a := range s.auctions {
		if a.State.Terminal() {
			continue
		}
		if !a.NextTransitionAt().After(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextTransitionAt().Before(out[j].NextTransitionAt())
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListPendingSettlements returns settled auctions awaiting payment capture.
func (s *Store) ListPendingSettlements(_ context.Context, limit int) ([]domain.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Auction
	for _, a := range s.auctions {
		if a.State == domain.AuctionSettled && a.SettlementStatus == domain.SettlementPending {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendEvents adds events to the log, ignoring ids already present.
func (s *Store) AppendEvents(_ context.Context, events []domain.AuctionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendEventsLocked(events)
	return nil
}

func (s *Store) appendEventsLocked(events []domain.AuctionEvent) {
	for _, e := range events {
		if _, ok := s.eventIdx[e.ID]; ok {
			continue
		}
		s.eventIdx[e.ID] = len(s.events)
		s.events = append(s.events, e)
	}
}

// ListUndelivered returns undelivered events created before the cutoff,
// oldest first.
func (s *Store) ListUndelivered(_ context.Context, createdBefore time.Time, limit int) ([]domain.AuctionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AuctionEvent
	for _, e := range s.events {
		if e.DeliveredAt != nil || !e.CreatedAt.Before(createdBefore) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkDelivered stamps the given events as delivered.
func (s *Store) MarkDelivered(_ context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if i, ok := s.eventIdx[id]; ok {
			s.events[i].DeliveredAt = domain.TimePtr(at)
		}
	}
	return nil
}

// ListByAuction returns an auction's events, oldest first.
func (s *Store) ListByAuction(_ context.Context, auctionID string, opts domain.ListOpts) ([]domain.AuctionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []domain.AuctionEvent
	for _, e := range s.events {
		if e.AuctionID != auctionID {
			continue
		}
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		all = append(all, e)
	}
	return paginate(all, opts), nil
}

// Watch subscribes a user to an auction. Watching twice is a no-op.
func (s *Store) Watch(_ context.Context, w domain.Watch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.watches[w.AuctionID]
	if !ok {
		users = make(map[string]time.Time)
		s.watches[w.AuctionID] = users
	}
	if _, ok := users[w.UserID]; !ok {
		users[w.UserID] = w.CreatedAt
	}
	return nil
}

// Unwatch removes a subscription.
func (s *Store) Unwatch(_ context.Context, userID, auctionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watches[auctionID], userID)
	return nil
}

// ListWatchers returns the users watching an auction, sorted.
func (s *Store) ListWatchers(_ context.Context, auctionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.watches[auctionID]))
	for u := range s.watches[auctionID] {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

// DeleteByAuction drops every subscription to an auction.
func (s *Store) DeleteByAuction(_ context.Context, auctionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watches, auctionID)
	return nil
}

// Log appends an audit entry.
func (s *Store) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, domain.AuditEntry{
		ID:        int64(len(s.audit) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns audit entries, newest first.
func (s *Store) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditEntry, 0, len(s.audit))
	for i := len(s.audit) - 1; i >= 0; i-- {
		out = append(out, s.audit[i])
	}
	return paginate(out, opts), nil
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}
