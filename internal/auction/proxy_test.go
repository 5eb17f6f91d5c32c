package auction

import (
	"math/rand/v2"
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionengine/internal/domain"
)

func flatResolver() ProxyResolver {
	return NewProxyResolver(domain.FlatIncrement(decimal.NewFromInt(1)))
}

func TestResolveProxyOverExplicitLeader(t *testing.T) {
	res := flatResolver().Resolve(
		Standing{WinnerID: "A", Price: dec("10"), Sequence: 1},
		nil,
		Contender{BidderID: "B", Ceiling: dec("25"), Floor: dec("11"), Sequence: 2},
	)
	check.Equal(t, "B", res.WinnerID)
	check.Equal(t, "11", res.Price.String())
	check.Equal(t, []string{"A"}, res.Superseded)
}

func TestResolveHigherExplicitBeatsProxy(t *testing.T) {
	live := []domain.ProxyEntry{{BidderID: "A", Ceiling: dec("25"), Sequence: 1}}
	res := flatResolver().Resolve(
		Standing{WinnerID: "A", Price: dec("11"), Sequence: 1},
		live,
		Contender{BidderID: "B", Ceiling: dec("30"), Floor: dec("30"), Sequence: 2},
	)
	check.Equal(t, "B", res.WinnerID)
	// The new bidder pays their visible amount, not the runner-up price.
	check.Equal(t, "30", res.Price.String())
}

func TestResolveProxyBeatsProxy(t *testing.T) {
	live := []domain.ProxyEntry{{BidderID: "A", Ceiling: dec("25"), Sequence: 1}}
	res := flatResolver().Resolve(
		Standing{WinnerID: "A", Price: dec("11"), Sequence: 1},
		live,
		Contender{BidderID: "B", Ceiling: dec("30"), Floor: dec("12"), Sequence: 2},
	)
	check.Equal(t, "B", res.WinnerID)
	check.Equal(t, "26", res.Price.String())
}

func TestResolveStandingProxyDefends(t *testing.T) {
	live := []domain.ProxyEntry{{BidderID: "A", Ceiling: dec("50"), Sequence: 1}}
	res := flatResolver().Resolve(
		Standing{WinnerID: "A", Price: dec("10"), Sequence: 1},
		live,
		Contender{BidderID: "B", Ceiling: dec("20"), Floor: dec("20"), Sequence: 2},
	)
	check.Equal(t, "A", res.WinnerID)
	check.Equal(t, "21", res.Price.String())
	check.Equal(t, []string{"B"}, res.Superseded)
}

func TestResolveEqualCeilingsGoToEarlierRegistration(t *testing.T) {
	live := []domain.ProxyEntry{{BidderID: "A", Ceiling: dec("25"), Sequence: 1}}
	res := flatResolver().Resolve(
		Standing{WinnerID: "A", Price: dec("10"), Sequence: 1},
		live,
		Contender{BidderID: "B", Ceiling: dec("25"), Floor: dec("11"), Sequence: 2},
	)
	check.Equal(t, "A", res.WinnerID)
	check.Equal(t, "25", res.Price.String())
}

func TestResolveIsOrderIndependent(t *testing.T) {
	r := flatResolver()
	rng := rand.New(rand.NewPCG(7, 11))
	for round := 0; round < 200; round++ {
		n := 2 + rng.IntN(6)
		contenders := make([]Contender, n)
		for i := range contenders {
			ceiling := decimal.NewFromInt(int64(10 + rng.IntN(20)))
			contenders[i] = Contender{
				BidderID: string(rune('A' + i)),
				Ceiling:  ceiling,
				Floor:    decimal.NewFromInt(10),
				Sequence: int64(i + 1),
			}
		}
		want := r.ResolveContenders(contenders)
		for shuffle := 0; shuffle < 5; shuffle++ {
			rng.Shuffle(len(contenders), func(i, j int) {
				contenders[i], contenders[j] = contenders[j], contenders[i]
			})
			got := r.ResolveContenders(contenders)
			assert.Equal(t, want.WinnerID, got.WinnerID)
			assert.Equal(t, want.Price.String(), got.Price.String())
			assert.Equal(t, want.Superseded, got.Superseded)
		}
	}
}

func TestLiveProxies(t *testing.T) {
	a := withWinner(openTestAuction(), "A", "26")
	bids := []domain.Bid{
		{ID: "1", BidderID: "A", Amount: dec("11"), ProxyCeiling: nullDec("20"), Sequence: 1},
		{ID: "2", BidderID: "B", Amount: dec("12"), ProxyCeiling: nullDec("25"), Sequence: 2},
		{ID: "3", BidderID: "A", Amount: dec("26"), ProxyCeiling: nullDec("40"), Sequence: 3},
		{ID: "4", BidderID: "C", Amount: dec("27"), Sequence: 4},
		{ID: "5", BidderID: "D", Amount: dec("13"), ProxyCeiling: nullDec("26"), Sequence: 5},
	}
	live := LiveProxies(a, bids)
	assert.Equal(t, 1, len(live))
	check.Equal(t, "A", live[0].BidderID)
	check.Equal(t, "40", live[0].Ceiling.String())
	check.Equal(t, int64(3), live[0].Sequence)
}
