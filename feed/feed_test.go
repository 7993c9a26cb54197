package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/thakursanju/smartToll/tollbooth"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const walletA = "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

func rec(wallet, hash string) tollbooth.PaymentRecord {
	return tollbooth.PaymentRecord{
		WalletAddress:   wallet,
		TxHash:          hash,
		TollBoothID:     "TB001",
		AmountBaseUnits: big.NewInt(1_000_000_000_000_000),
		AmountDisplay:   "0.001",
		Status:          tollbooth.StatusConfirmed,
	}
}

func receive(t *testing.T, s *Subscription) tollbooth.PaymentRecord {
	t.Helper()
	select {
	case r, ok := <-s.C:
		require.True(t, ok, "subscription closed")
		return r
	case <-time.After(time.Second):
		t.Fatal("no record delivered")
		return tollbooth.PaymentRecord{}
	}
}

func TestBroker_DeliversToWalletOnly(t *testing.T) {
	b := NewBroker(cmtlog.NewNopLogger())
	defer b.Close()

	mine := b.Subscribe(walletA)
	other := b.Subscribe("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	require.NoError(t, b.Publish(context.Background(), rec("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "0x01")))

	assert.Equal(t, "0x01", receive(t, mine).TxHash)
	select {
	case r := <-other.C:
		t.Fatalf("unexpected record %s", r.TxHash)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBroker_PublishNeverBlocks(t *testing.T) {
	b := NewBroker(cmtlog.NewNopLogger())
	defer b.Close()

	s := b.Subscribe(walletA)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(context.Background(), rec(walletA, fmt.Sprintf("0x%03d", i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on an idle subscriber")
	}

	for i := 0; i < 100; i++ {
		assert.Equal(t, fmt.Sprintf("0x%03d", i), receive(t, s).TxHash)
	}
}

func TestSubscription_Close(t *testing.T) {
	b := NewBroker(cmtlog.NewNopLogger())
	defer b.Close()

	s := b.Subscribe(walletA)
	assert.Equal(t, 1, b.Subscribers(walletA))

	s.Close()
	s.Close()
	assert.Equal(t, 0, b.Subscribers(walletA))

	_, ok := <-s.C
	assert.False(t, ok)

	require.NoError(t, b.Publish(context.Background(), rec(walletA, "0x02")))
}

func TestBroker_Close(t *testing.T) {
	b := NewBroker(cmtlog.NewNopLogger())
	s := b.Subscribe(walletA)
	b.Close()

	_, ok := <-s.C
	assert.False(t, ok)

	late := b.Subscribe(walletA)
	_, ok = <-late.C
	assert.False(t, ok)
	assert.NotPanics(t, func() {
		late.Close()
		late.Close()
	})
	assert.NotPanics(t, s.Close)
}

type recordingPublisher struct {
	mu   sync.Mutex
	got  []string
	fail error
}

func (p *recordingPublisher) Publish(_ context.Context, r tollbooth.PaymentRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, r.TxHash)
	return p.fail
}

func TestFanout(t *testing.T) {
	ok := &recordingPublisher{}
	bad := &recordingPublisher{fail: errors.New("broker down")}

	err := Fanout{ok, bad}.Publish(context.Background(), rec(walletA, "0x03"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Equal(t, []string{"0x03"}, ok.got)
	assert.Equal(t, []string{"0x03"}, bad.got)
}

type fakeChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	closed   bool
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.exchange, c.key, c.msg = exchange, key, msg
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func TestAMQPPublisher(t *testing.T) {
	ch := &fakeChannel{}
	p := &AMQPPublisher{channel: ch, exchange: "toll.payments"}

	require.NoError(t, p.Publish(context.Background(), rec(walletA, "0x04")))
	assert.Equal(t, "toll.payments", ch.exchange)
	assert.Equal(t, "payment.0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", ch.key)
	assert.Equal(t, "0x04", ch.msg.MessageId)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)

	var decoded tollbooth.PaymentRecord
	require.NoError(t, json.Unmarshal(ch.msg.Body, &decoded))
	assert.Equal(t, "0x04", decoded.TxHash)
	assert.Equal(t, "1000000000000000", decoded.AmountBaseUnits.String())

	p.Close()
	assert.True(t, ch.closed)
}
