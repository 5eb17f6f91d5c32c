package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/alanyoungcy/auctionengine/internal/domain"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	declared []string
	sent     []published
	err      error
	closed   bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	f.declared = append(f.declared, name+"/"+kind)
	return nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestRoutingKey(t *testing.T) {
	check.Equal(t, "auction.a1.bid_accepted", RoutingKey("auction:a1", domain.EventBidAccepted))
	check.Equal(t, "user.u9.outbid", RoutingKey("user:u9", domain.EventOutbid))
}

func TestBroadcasterPublishesPersistentJSON(t *testing.T) {
	ch := &fakeChannel{}
	pub, err := newPublisher(ch, "")
	assert.NoError(t, err)
	check.Equal(t, []string{DefaultExchange + "/topic"}, ch.declared)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pub.now = func() time.Time { return at }

	evt := domain.AuctionEvent{ID: "evt-1", AuctionID: "a1", Type: domain.EventSettled, CreatedAt: at}
	b := NewBroadcaster(pub)
	assert.NoError(t, b.Publish(context.Background(), domain.AuctionChannel("a1"), evt))

	assert.Equal(t, 1, len(ch.sent))
	got := ch.sent[0]
	check.Equal(t, DefaultExchange, got.exchange)
	check.Equal(t, "auction.a1.settled", got.key)
	check.Equal(t, "evt-1", got.msg.MessageId)
	check.Equal(t, amqp.Persistent, got.msg.DeliveryMode)
	check.Equal(t, "application/json", got.msg.ContentType)
	check.Equal(t, at, got.msg.Timestamp)

	var decoded domain.AuctionEvent
	assert.NoError(t, json.Unmarshal(got.msg.Body, &decoded))
	check.Equal(t, domain.EventSettled, decoded.Type)
}

func TestPublishError(t *testing.T) {
	ch := &fakeChannel{}
	pub, err := newPublisher(ch, "custom")
	assert.NoError(t, err)
	ch.err = errors.New("channel closed")

	err = pub.PublishJSON(context.Background(), "k", "id", map[string]string{})
	check.Error(t, err)
	check.True(t, errors.Is(err, ch.err))

	check.NoError(t, pub.Close())
	check.True(t, ch.closed)
}
