package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/thakursanju/smartToll/attestation"
	"github.com/thakursanju/smartToll/feed"
	"github.com/thakursanju/smartToll/orchestrator"
	"github.com/thakursanju/smartToll/settlement"
	"github.com/thakursanju/smartToll/tagreader"
	"github.com/thakursanju/smartToll/tollbooth"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const address = "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01"

type publishingLedger struct {
	mu      sync.Mutex
	broker  *feed.Broker
	records []tollbooth.PaymentRecord
}

func (l *publishingLedger) Append(ctx context.Context, rec tollbooth.PaymentRecord) error {
	l.mu.Lock()
	l.records = append(l.records, rec)
	l.mu.Unlock()
	return l.broker.Publish(ctx, rec)
}

func newRegistry(t *testing.T) (*Registry, *publishingLedger) {
	t.Helper()
	table, err := tollbooth.NewTable(tollbooth.DefaultBooths(), "TB001")
	require.NoError(t, err)

	logger := cmtlog.NewNopLogger()
	broker := feed.NewBroker(logger)
	t.Cleanup(broker.Close)
	ledger := &publishingLedger{broker: broker}

	reg := NewRegistry(Deps{
		Booths:   table,
		Settler:  &settlement.SimulatedService{},
		Ledger:   ledger,
		Attester: &attestation.SimulatedAttester{Scope: "test", MinAge: 18},
		Reader:   &tagreader.SimulatedReader{},
		Broker:   broker,
		Scope:    "test",
		Logger:   logger,
	})
	t.Cleanup(reg.Close)
	return reg, ledger
}

func adult() attestation.Credential {
	return attestation.Credential{Secret: []byte("qr-secret"), BirthYear: 1985, BirthMonth: 4, BirthDay: 2}
}

func TestWallet(t *testing.T) {
	var w Wallet
	_, ok := w.Address()
	assert.False(t, ok)

	assert.Error(t, w.Connect("0x123"))
	assert.Error(t, w.Connect("AbCdEf0123456789aBcDeF0123456789AbCdEf0123"))

	require.NoError(t, w.Connect(address))
	addr, ok := w.Address()
	assert.True(t, ok)
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", addr)

	w.Disconnect()
	_, ok = w.Address()
	assert.False(t, ok)
}

func TestRegistry_Lifecycle(t *testing.T) {
	reg, _ := newRegistry(t)

	s, err := reg.Create(address)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())

	got, ok := reg.Get(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)

	assert.True(t, reg.Teardown(s.ID))
	assert.False(t, reg.Teardown(s.ID))
	_, ok = reg.Get(s.ID)
	assert.False(t, ok)

	_, err = s.Scan(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	_, err = reg.Create("not-an-address")
	assert.Error(t, err)
}

func TestSession_PayWithoutWallet(t *testing.T) {
	reg, ledger := newRegistry(t)
	s, err := reg.Create("")
	require.NoError(t, err)

	_, err = s.Pay(context.Background(), "TAG-1", "TB001")
	var pe *orchestrator.PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "wallet not connected", pe.Reason)
	assert.Empty(t, ledger.records)
	assert.Equal(t, orchestrator.StateError, s.Status().State)
	assert.Equal(t, "wallet not connected", s.Status().LastError)
}

func TestSession_ScanAttestPay(t *testing.T) {
	reg, ledger := newRegistry(t)
	s, err := reg.Create(address)
	require.NoError(t, err)

	sub, err := s.Subscribe()
	require.NoError(t, err)

	att, err := s.Attest(context.Background(), adult())
	require.NoError(t, err)
	assert.True(t, att.Verified)

	reading, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tagreader.SourceSimulated, reading.Source)

	rec, err := s.Pay(context.Background(), reading.TagID, "TB003")
	require.NoError(t, err)
	assert.True(t, rec.AttestationVerified)
	assert.Len(t, ledger.records, 1)

	select {
	case pushed := <-sub.C:
		assert.Equal(t, rec.TxHash, pushed.TxHash)
	case <-time.After(time.Second):
		t.Fatal("no live update")
	}

	st := s.Status()
	assert.Equal(t, orchestrator.StateSuccess, st.State)
	assert.True(t, st.AttestationVerified)
	assert.NotEmpty(t, st.Nullifier)
	assert.Equal(t, rec.TxHash, st.LastPayment.TxHash)
	assert.Equal(t, 1, st.Subscriptions)

	s.Reset()
	assert.Equal(t, orchestrator.StateIdle, s.Status().State)
	assert.Nil(t, s.Status().LastPayment)
}

func TestSession_AttestationFailureStillPays(t *testing.T) {
	reg, _ := newRegistry(t)
	s, err := reg.Create(address)
	require.NoError(t, err)

	minor := adult()
	minor.BirthYear = time.Now().Year() - 5
	_, err = s.Attest(context.Background(), minor)
	require.Error(t, err)

	rec, err := s.Pay(context.Background(), "TAG-1", "TB001")
	require.NoError(t, err)
	assert.False(t, rec.AttestationVerified)
}

func TestSession_Logout(t *testing.T) {
	reg, _ := newRegistry(t)
	s, err := reg.Create(address)
	require.NoError(t, err)

	_, err = s.Attest(context.Background(), adult())
	require.NoError(t, err)
	s.Logout()

	rec, err := s.Pay(context.Background(), "TAG-1", "TB001")
	require.NoError(t, err)
	assert.False(t, rec.AttestationVerified)
}

func TestSession_SubscriptionsReleased(t *testing.T) {
	reg, _ := newRegistry(t)
	s, err := reg.Create("")
	require.NoError(t, err)

	_, err = s.Subscribe()
	assert.ErrorIs(t, err, ErrWalletNotConnected)

	require.NoError(t, s.ConnectWallet(address))
	sub, err := s.Subscribe()
	require.NoError(t, err)
	assert.Equal(t, 1, s.broker.Subscribers(address))

	s.DisconnectWallet()
	_, open := <-sub.C
	assert.False(t, open)
	assert.Equal(t, 0, s.broker.Subscribers(address))

	require.NoError(t, s.ConnectWallet(address))
	sub, err = s.Subscribe()
	require.NoError(t, err)
	reg.Teardown(s.ID)
	_, open = <-sub.C
	assert.False(t, open)
}

func TestSession_Unsubscribe(t *testing.T) {
	reg, _ := newRegistry(t)
	s, err := reg.Create(address)
	require.NoError(t, err)

	sub, err := s.Subscribe()
	require.NoError(t, err)
	s.Unsubscribe(sub)
	assert.Equal(t, 0, s.Status().Subscriptions)
	assert.Equal(t, 0, s.broker.Subscribers(address))
}

func TestSession_SubscribeRacesWalletChanges(t *testing.T) {
	reg, _ := newRegistry(t)
	s, err := reg.Create(address)
	require.NoError(t, err)

	const other = "0x2222222222222222222222222222222222222222"
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if _, err := s.Subscribe(); err != nil {
				assert.ErrorIs(t, err, ErrWalletNotConnected)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			switch i % 3 {
			case 0:
				s.DisconnectWallet()
			case 1:
				assert.NoError(t, s.ConnectWallet(other))
			case 2:
				assert.NoError(t, s.ConnectWallet(address))
			}
		}
		s.DisconnectWallet()
	}()
	wg.Wait()

	// Subscriptions taken after the last disconnect fail, so nothing may
	// survive it.
	assert.Equal(t, 0, s.Status().Subscriptions)
	assert.Equal(t, 0, s.broker.Subscribers(address))
	assert.Equal(t, 0, s.broker.Subscribers(other))
}
