package auction

import (
	"context"
	"sync"

	"github.com/alanyoungcy/auctionengine/internal/domain"
)

// ledgerState is the in-memory copy of an auction and its bids. It is
// only read or written while holding the auction's section.
type ledgerState struct {
	auction domain.Auction
	bids    []domain.Bid
}

// section serializes every mutation of one auction. The semaphore is a
// one-slot channel, so waiters are served in arrival order by the runtime
// and a waiting caller can give up when its context ends.
type section struct {
	sem   chan struct{}
	refs  int
	state *ledgerState
}

// sectionArena hands out one section per auction id and forgets sections
// that are idle and hold no cached state.
type sectionArena struct {
	mu sync.Mutex
	m  map[string]*section
}

func newSectionArena() *sectionArena {
	return &sectionArena{m: make(map[string]*section)}
}

// acquire blocks until the caller holds the section for id or ctx ends.
func (a *sectionArena) acquire(ctx context.Context, id string) (*section, error) {
	a.mu.Lock()
	sec, ok := a.m[id]
	if !ok {
		sec = &section{sem: make(chan struct{}, 1)}
		a.m[id] = sec
	}
	sec.refs++
	a.mu.Unlock()

	select {
	case sec.sem <- struct{}{}:
		return sec, nil
	case <-ctx.Done():
		a.unref(id, sec)
		return nil, ctx.Err()
	}
}

// release gives up the section acquired for id.
func (a *sectionArena) release(id string, sec *section) {
	<-sec.sem
	a.unref(id, sec)
}

func (a *sectionArena) unref(id string, sec *section) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sec.refs--
	if sec.refs == 0 && (sec.state == nil || sec.state.auction.State.Terminal()) {
		delete(a.m, id)
	}
}

// len returns the number of sections currently tracked.
func (a *sectionArena) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.m)
}
