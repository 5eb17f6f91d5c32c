package auction

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionengine/internal/domain"
)

// Contender is one party in a proxy resolution. Ceiling is the most the
// party will pay, Floor the amount they have already committed visibly.
type Contender struct {
	BidderID string
	Ceiling  decimal.Decimal
	Floor    decimal.Decimal
	Sequence int64
}

// Standing describes the current leader before a new bid arrives.
type Standing struct {
	WinnerID string
	Price    decimal.Decimal
	Sequence int64 // sequence of the winning bid
}

// Resolution is the outcome of a proxy resolution.
type Resolution struct {
	WinnerID   string
	Price      decimal.Decimal
	Superseded []string // every losing contender, strongest first
}

// ProxyResolver computes the winner and visible price among competing proxy
// ceilings. The winner pays one increment over the runner-up's ceiling,
// capped at their own ceiling. Equal ceilings go to the earlier registration.
type ProxyResolver struct {
	increments domain.IncrementPolicy
}

// NewProxyResolver returns a resolver stepping prices by increments.
func NewProxyResolver(increments domain.IncrementPolicy) ProxyResolver {
	return ProxyResolver{increments: increments}
}

// Resolve runs the new bid against the standing leader and every live
// proxy. A bidder's new bid replaces their previous proxy.
func (r ProxyResolver) Resolve(standing Standing, live []domain.ProxyEntry, incoming Contender) Resolution {
	contenders := make([]Contender, 0, len(live)+2)
	sawWinner := false
	for _, p := range live {
		if p.BidderID == incoming.BidderID {
			continue
		}
		c := Contender{BidderID: p.BidderID, Ceiling: p.Ceiling, Floor: decimal.Zero, Sequence: p.Sequence}
		if p.BidderID == standing.WinnerID {
			sawWinner = true
			c.Ceiling = domain.MaxDecimal(c.Ceiling, standing.Price)
			c.Floor = standing.Price
		}
		contenders = append(contenders, c)
	}
	if standing.WinnerID != "" && !sawWinner && standing.WinnerID != incoming.BidderID {
		contenders = append(contenders, Contender{
			BidderID: standing.WinnerID,
			Ceiling:  standing.Price,
			Floor:    standing.Price,
			Sequence: standing.Sequence,
		})
	}
	contenders = append(contenders, incoming)
	return r.ResolveContenders(contenders)
}

// ResolveContenders ranks contenders and prices the winner. The result
// depends only on the set of contenders, not their order in the slice.
func (r ProxyResolver) ResolveContenders(contenders []Contender) Resolution {
	if len(contenders) == 0 {
		return Resolution{}
	}
	ranked := make([]Contender, len(contenders))
	copy(ranked, contenders)
	sort.Slice(ranked, func(i, j int) bool {
		if c := ranked[i].Ceiling.Cmp(ranked[j].Ceiling); c != 0 {
			return c > 0
		}
		if ranked[i].Sequence != ranked[j].Sequence {
			return ranked[i].Sequence < ranked[j].Sequence
		}
		return ranked[i].BidderID < ranked[j].BidderID
	})

	top := ranked[0]
	price := top.Floor
	if len(ranked) > 1 {
		second := ranked[1].Ceiling
		price = domain.MinDecimal(second.Add(r.increments.MinimumIncrement(second)), top.Ceiling)
		price = domain.MaxDecimal(price, top.Floor)
	}

	res := Resolution{WinnerID: top.BidderID, Price: price}
	for _, c := range ranked[1:] {
		res.Superseded = append(res.Superseded, c.BidderID)
	}
	return res
}

// LiveProxies derives the proxy book of a from its bid history. Each
// bidder's most recent ceiling counts; it is live while it can still
// outbid the current price, or while its owner is winning.
func LiveProxies(a domain.Auction, bids []domain.Bid) []domain.ProxyEntry {
	latest := make(map[string]domain.Bid)
	for _, b := range bids {
		if !b.HasCeiling() {
			continue
		}
		if prev, ok := latest[b.BidderID]; !ok || b.Sequence > prev.Sequence {
			latest[b.BidderID] = b
		}
	}
	out := make([]domain.ProxyEntry, 0, len(latest))
	for bidder, b := range latest {
		ceiling := b.ProxyCeiling.Decimal
		if ceiling.LessThan(a.CurrentPrice) ||
			(bidder != a.WinnerID && ceiling.Equal(a.CurrentPrice)) {
			continue
		}
		out = append(out, domain.ProxyEntry{
			BidderID:     bidder,
			Ceiling:      ceiling,
			Sequence:     b.Sequence,
			RegisteredAt: b.SubmittedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}
