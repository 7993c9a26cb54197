// Package session holds the state of one user session: the wallet
// connection, the attestation cache, the payment orchestrator and the live
// feed subscriptions. Sessions are created and torn down through a Registry.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/thakursanju/smartToll/attestation"
	"github.com/thakursanju/smartToll/feed"
	"github.com/thakursanju/smartToll/orchestrator"
	"github.com/thakursanju/smartToll/tagreader"
	"github.com/thakursanju/smartToll/tollbooth"

	cmtlog "github.com/cometbft/cometbft/libs/log"
)

var (
	ErrClosed             = errors.New("session closed")
	ErrWalletNotConnected = errors.New("wallet not connected")
)

type Session struct {
	ID        string
	CreatedAt time.Time

	wallet  *Wallet
	attest  *attestation.Session
	orch    *orchestrator.Orchestrator
	reader  tagreader.Reader
	broker  *feed.Broker
	logger  cmtlog.Logger
	timeout timeouts

	mu         sync.Mutex
	subs       []*feed.Subscription
	lastChange time.Time
	closed     bool
}

type timeouts struct {
	attest time.Duration
	scan   time.Duration
}

// Status is the externally visible state of a session.
type Status struct {
	ID                  string                   `json:"id"`
	WalletAddress       string                   `json:"wallet_address,omitempty"`
	WalletConnected     bool                     `json:"wallet_connected"`
	AttestationVerified bool                     `json:"attestation_verified"`
	Nullifier           string                   `json:"nullifier,omitempty"`
	State               orchestrator.State       `json:"state"`
	Attempt             uint64                   `json:"attempt"`
	PendingTxHash       string                   `json:"pending_tx_hash,omitempty"`
	LastError           string                   `json:"last_error,omitempty"`
	LastPayment         *tollbooth.PaymentRecord `json:"last_payment,omitempty"`
	ReaderSource        tagreader.Source         `json:"reader_source"`
	Subscriptions       int                      `json:"subscriptions"`
	CreatedAt           time.Time                `json:"created_at"`
	UpdatedAt           time.Time                `json:"updated_at"`
}

// ConnectWallet connects addr. Switching to another address releases every
// feed subscription bound to the previous one.
func (s *Session) ConnectWallet(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, _ := s.wallet.Address()
	if err := s.wallet.Connect(addr); err != nil {
		return err
	}
	if now, _ := s.wallet.Address(); prev != "" && prev != now {
		s.releaseLocked()
	}
	s.lastChange = time.Now()
	s.logger.Info("Wallet connected", "session", s.ID)
	return nil
}

// DisconnectWallet drops the wallet and every feed subscription tied to it.
func (s *Session) DisconnectWallet() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallet.Disconnect()
	s.releaseLocked()
	s.lastChange = time.Now()
	s.logger.Info("Wallet disconnected", "session", s.ID)
}

func (s *Session) WalletAddress() (string, bool) {
	return s.wallet.Address()
}

// Attest verifies cred. A failure is returned to the caller but leaves the
// session usable for payment without the verified flag.
func (s *Session) Attest(ctx context.Context, cred attestation.Credential) (*attestation.Attestation, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if s.timeout.attest > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout.attest)
		defer cancel()
	}
	att, err := s.attest.Attest(ctx, cred)
	s.touch()
	if err != nil {
		s.logger.Info("Attestation failed, payments continue unverified", "session", s.ID, "err", err)
		return nil, err
	}
	return att, nil
}

func (s *Session) Logout() {
	s.attest.Logout()
	s.touch()
}

func (s *Session) Scan(ctx context.Context) (*tagreader.TagReading, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if s.timeout.scan > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout.scan)
		defer cancel()
	}
	reading, err := s.reader.Scan(ctx)
	s.touch()
	return reading, err
}

// Pay settles the toll for tagID, carrying the session's attestation flag.
func (s *Session) Pay(ctx context.Context, tagID, tollBoothID string) (*tollbooth.PaymentRecord, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	return s.orch.SubmitPayment(ctx, tagID, tollBoothID, s.attest.Verified())
}

func (s *Session) Reset() {
	s.orch.Reset()
}

// Subscribe opens a live feed of the connected wallet's payments. The
// subscription is released on wallet change, disconnect or session close.
func (s *Session) Subscribe() (*feed.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	addr, ok := s.wallet.Address()
	if !ok {
		return nil, ErrWalletNotConnected
	}
	sub := s.broker.Subscribe(addr)
	s.subs = append(s.subs, sub)
	return sub, nil
}

// Unsubscribe releases sub early, e.g. when a stream client goes away.
func (s *Session) Unsubscribe(sub *feed.Subscription) {
	s.mu.Lock()
	for i, owned := range s.subs {
		if owned == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	sub.Close()
}

func (s *Session) Status() Status {
	addr, connected := s.wallet.Address()
	snap := s.orch.Snapshot()

	st := Status{
		ID:                  s.ID,
		WalletAddress:       addr,
		WalletConnected:     connected,
		AttestationVerified: s.attest.Verified(),
		State:               snap.State,
		Attempt:             snap.Attempt,
		PendingTxHash:       snap.PendingTxHash,
		LastPayment:         snap.LastPayment,
		ReaderSource:        s.reader.Source(),
		CreatedAt:           s.CreatedAt,
	}
	if att, ok := s.attest.Current(); ok {
		st.Nullifier = att.Nullifier
	}
	if snap.LastError != nil {
		st.LastError = snap.LastError.Error()
	}

	s.mu.Lock()
	st.Subscriptions = len(s.subs)
	st.UpdatedAt = s.lastChange
	s.mu.Unlock()
	return st
}

// Close tears the session down. An in-flight payment is left to finish.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.wallet.Disconnect()
	s.releaseLocked()
	s.mu.Unlock()

	s.attest.Logout()
	s.logger.Info("Session closed", "session", s.ID)
}

// releaseLocked closes every owned subscription. s.mu must be held.
func (s *Session) releaseLocked() {
	for _, sub := range s.subs {
		sub.Close()
	}
	s.subs = nil
}

func (s *Session) onTransition(t orchestrator.Transition) {
	s.mu.Lock()
	s.lastChange = t.At
	s.mu.Unlock()
	s.logger.Debug("Payment state changed", "session", s.ID, "from", t.From, "to", t.To, "attempt", t.Attempt)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastChange = time.Now()
	s.mu.Unlock()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
