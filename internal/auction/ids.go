package auction

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// IDs generates identifiers. Auctions and bids get random UUIDs; events get
// monotonic ULIDs so that ids sort in creation order within the process.
type IDs struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewIDs creates an IDs generator seeded from crypto/rand.
func NewIDs() *IDs {
	return &IDs{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// AuctionID returns a new auction id.
func (g *IDs) AuctionID() string {
	return uuid.NewString()
}

// BidID returns a new bid id.
func (g *IDs) BidID() string {
	return uuid.NewString()
}

// EventID returns a new event id ordered after every id previously issued
// for the same millisecond.
func (g *IDs) EventID(at time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(at), g.entropy)
	if err != nil {
		// Monotonic entropy overflowed within one millisecond; fall back to a
		// fresh random id, which still sorts by timestamp.
		return ulid.Make().String()
	}
	return id.String()
}
