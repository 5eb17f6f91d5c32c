package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/auctionengine/internal/domain"
)

// Broadcaster publishes AuctionEvents as JSON on the SignalBus. Events on
// an auction channel are also appended to that auction's stream.
type Broadcaster struct {
	bus domain.SignalBus
}

// NewBroadcaster creates a Broadcaster over bus.
func NewBroadcaster(bus domain.SignalBus) *Broadcaster {
	return &Broadcaster{bus: bus}
}

// Name implements domain.Broadcaster.
func (b *Broadcaster) Name() string { return "redis" }

// Publish implements domain.Broadcaster.
func (b *Broadcaster) Publish(ctx context.Context, channel string, evt domain.AuctionEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("redis: marshal event %s: %w", evt.ID, err)
	}
	if err := b.bus.Publish(ctx, channel, data); err != nil {
		return err
	}
	if channel == domain.AuctionChannel(evt.AuctionID) {
		if err := b.bus.StreamAppend(ctx, domain.EventStream(evt.AuctionID), data); err != nil {
			return err
		}
	}
	return nil
}

var _ domain.Broadcaster = (*Broadcaster)(nil)
