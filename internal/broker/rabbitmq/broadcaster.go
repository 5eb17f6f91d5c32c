package rabbitmq

import (
	"context"
	"strings"

	"github.com/alanyoungcy/auctionengine/internal/domain"
)

// Broadcaster republishes routed auction events to the exchange so other
// services can bind queues by channel or event type.
type Broadcaster struct {
	pub *Publisher
}

// NewBroadcaster creates a Broadcaster over pub.
func NewBroadcaster(pub *Publisher) *Broadcaster {
	return &Broadcaster{pub: pub}
}

// RoutingKey maps a channel and event type to a topic routing key:
// "auction:a1" with bid_accepted becomes "auction.a1.bid_accepted".
func RoutingKey(channel string, typ domain.EventType) string {
	return strings.ReplaceAll(channel, ":", ".") + "." + string(typ)
}

// Name implements domain.Broadcaster.
func (b *Broadcaster) Name() string { return "rabbitmq" }

// Publish implements domain.Broadcaster.
func (b *Broadcaster) Publish(ctx context.Context, channel string, evt domain.AuctionEvent) error {
	return b.pub.PublishJSON(ctx, RoutingKey(channel, evt.Type), evt.ID, evt)
}

var _ domain.Broadcaster = (*Broadcaster)(nil)
