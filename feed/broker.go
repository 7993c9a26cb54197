// Package feed pushes newly recorded toll payments to the live subscribers
// of the paying wallet.
package feed

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/thakursanju/smartToll/tollbooth"

	cmtlog "github.com/cometbft/cometbft/libs/log"
)

// Publisher receives every record appended to the ledger.
type Publisher interface {
	Publish(ctx context.Context, rec tollbooth.PaymentRecord) error
}

// Broker fans records out to in-process subscriptions keyed by wallet.
// Publishing never blocks on a slow subscriber; each subscription queues
// records until its reader catches up or it is closed.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64
	closed bool
	logger cmtlog.Logger
}

func NewBroker(logger cmtlog.Logger) *Broker {
	return &Broker{
		subs:   make(map[string]map[uint64]*Subscription),
		logger: logger,
	}
}

// Subscription delivers records for one wallet on C until Close.
type Subscription struct {
	C <-chan tollbooth.PaymentRecord

	wallet string
	id     uint64
	broker *Broker
	in     chan tollbooth.PaymentRecord
	out    chan tollbooth.PaymentRecord
	done   chan struct{}
	once   sync.Once
}

func (b *Broker) Subscribe(wallet string) *Subscription {
	wallet = normalize(wallet)
	s := &Subscription{
		wallet: wallet,
		broker: b,
		in:     make(chan tollbooth.PaymentRecord, 8),
		out:    make(chan tollbooth.PaymentRecord),
		done:   make(chan struct{}),
	}
	s.C = s.out

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.stop()
		close(s.out)
		return s
	}
	b.nextID++
	s.id = b.nextID
	if b.subs[wallet] == nil {
		b.subs[wallet] = make(map[uint64]*Subscription)
	}
	b.subs[wallet][s.id] = s
	b.mu.Unlock()

	go s.pump()
	return s
}

// Publish delivers rec to every live subscription of rec's wallet.
func (b *Broker) Publish(_ context.Context, rec tollbooth.PaymentRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[normalize(rec.WalletAddress)]
	for _, s := range subs {
		s.in <- rec
	}
	if len(subs) > 0 {
		b.logger.Debug("Payment pushed to subscribers", "wallet", rec.WalletAddress, "subscribers", len(subs))
	}
	return nil
}

// Subscribers returns the number of live subscriptions for wallet.
func (b *Broker) Subscribers(wallet string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[normalize(wallet)])
}

// Close ends every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	var all []*Subscription
	for _, subs := range b.subs {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	b.subs = make(map[string]map[uint64]*Subscription)
	b.closed = true
	b.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
}

// Close releases the subscription. C is closed once pending records are
// discarded. Safe to call more than once.
func (s *Subscription) Close() {
	b := s.broker
	b.mu.Lock()
	if subs := b.subs[s.wallet]; subs != nil {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(b.subs, s.wallet)
		}
	}
	b.mu.Unlock()
	s.stop()
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) pump() {
	defer close(s.out)

	var queue []tollbooth.PaymentRecord
	for {
		var out chan tollbooth.PaymentRecord
		var next tollbooth.PaymentRecord
		if len(queue) > 0 {
			out = s.out
			next = queue[0]
		}

		select {
		case rec := <-s.in:
			queue = append(queue, rec)
		case out <- next:
			queue = queue[1:]
		case <-s.done:
			return
		}
	}
}

// Fanout publishes to several publishers and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, rec tollbooth.PaymentRecord) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func normalize(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}
