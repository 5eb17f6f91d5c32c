package payment

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/auctionengine/internal/domain"
)

// DefaultSettlementRoutingKey is the routing key settlement requests are
// published under.
const DefaultSettlementRoutingKey = "settlement.requested"

// Publisher is satisfied by *rabbitmq.Publisher.
type Publisher interface {
	PublishJSON(ctx context.Context, routingKey, messageID string, v any) error
}

// AMQPCapturer implements domain.PaymentCapturer by queueing the settlement
// on the broker. The idempotency key is the AMQP message id.
type AMQPCapturer struct {
	pub        Publisher
	routingKey string
}

// NewAMQPCapturer creates an AMQPCapturer. An empty routingKey uses
// DefaultSettlementRoutingKey.
func NewAMQPCapturer(pub Publisher, routingKey string) *AMQPCapturer {
	if routingKey == "" {
		routingKey = DefaultSettlementRoutingKey
	}
	return &AMQPCapturer{pub: pub, routingKey: routingKey}
}

// Settle publishes s.
func (c *AMQPCapturer) Settle(ctx context.Context, s domain.Settlement) error {
	if err := c.pub.PublishJSON(ctx, c.routingKey, s.IdempotencyKey, s); err != nil {
		return fmt.Errorf("payment: queue settlement %s: %w: %w", s.AuctionID, domain.ErrPaymentFailed, err)
	}
	return nil
}

var _ domain.PaymentCapturer = (*AMQPCapturer)(nil)
