// Package orchestrator drives a single toll payment from a connected wallet
// through settlement to the recorded ledger entry.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/thakursanju/smartToll/settlement"
	"github.com/thakursanju/smartToll/tollbooth"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"
)

type State string

const (
	StateIdle       State = "idle"
	StatePreparing  State = "preparing"
	StatePending    State = "pending"
	StateConfirming State = "confirming"
	StateSuccess    State = "success"
	StateError      State = "error"
)

// InFlight reports whether s belongs to a running attempt.
func (s State) InFlight() bool {
	return s == StatePreparing || s == StatePending || s == StateConfirming
}

// Wallet exposes the payer. ok is false while no wallet is connected.
type Wallet interface {
	Address() (addr string, ok bool)
}

// Ledger receives every settled payment.
type Ledger interface {
	Append(ctx context.Context, rec tollbooth.PaymentRecord) error
}

// Transition is reported to the transition hook on every state change.
type Transition struct {
	From    State
	To      State
	Attempt uint64
	At      time.Time
	TxHash  string
	Err     error
}

// Snapshot is a consistent view of the orchestrator.
type Snapshot struct {
	State         State                    `json:"state"`
	Attempt       uint64                   `json:"attempt"`
	PendingTxHash string                   `json:"pending_tx_hash,omitempty"`
	LastError     error                    `json:"-"`
	LastPayment   *tollbooth.PaymentRecord `json:"last_payment,omitempty"`
}

type Option func(*Orchestrator)

func WithTransitionHook(hook func(Transition)) Option {
	return func(o *Orchestrator) { o.onTransition = hook }
}

// WithSettlementTimeout bounds submission plus finality of one attempt.
func WithSettlementTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.settlementTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs at most one payment attempt at a time. The mutex only
// guards state and is never held across a collaborator call.
type Orchestrator struct {
	wallet            Wallet
	booths            *tollbooth.Table
	settler           settlement.Service
	ledger            Ledger
	logger            cmtlog.Logger
	settlementTimeout time.Duration
	now               func() time.Time
	onTransition      func(Transition)

	mu          sync.Mutex
	state       State
	attempt     uint64
	pendingTx   string
	lastErr     error
	lastPayment *tollbooth.PaymentRecord
}

func New(wallet Wallet, booths *tollbooth.Table, settler settlement.Service, ledger Ledger, logger cmtlog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		wallet:  wallet,
		booths:  booths,
		settler: settler,
		ledger:  ledger,
		logger:  logger,
		now:     time.Now,
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SubmitPayment settles the toll for tagID at tollBoothID and returns the
// recorded payment. An unknown booth id is charged at the default booth.
// Once the settlement has been submitted it runs to completion even if ctx
// is cancelled.
func (o *Orchestrator) SubmitPayment(ctx context.Context, tagID, tollBoothID string, attestationVerified bool) (*tollbooth.PaymentRecord, error) {
	attempt, err := o.begin()
	if err != nil {
		return nil, err
	}
	logger := o.logger.With("attempt", attempt)

	payer, ok := o.wallet.Address()
	if !ok || payer == "" {
		return nil, o.fail(attempt, &PreconditionError{Code: CodeWalletNotConnected, Reason: "wallet not connected"})
	}

	tagID = strings.TrimSpace(tagID)
	if tagID == "" {
		return nil, o.fail(attempt, &PreconditionError{Code: CodeInvalidTag, Reason: "tag id is empty"})
	}

	booth, found := o.booths.Lookup(tollBoothID)
	if !found {
		logger.Info("Unknown toll booth, charging default booth", "requested", tollBoothID, "resolved", booth.ID)
	}
	if booth.FeeBaseUnits == nil || booth.FeeBaseUnits.Sign() <= 0 {
		return nil, o.fail(attempt, &PreconditionError{
			Code:   CodeInvalidFee,
			Reason: fmt.Sprintf("fee for booth %s is not positive", booth.ID),
		})
	}

	settleCtx := context.WithoutCancel(ctx)
	if o.settlementTimeout > 0 {
		var cancel context.CancelFunc
		settleCtx, cancel = context.WithTimeout(settleCtx, o.settlementTimeout)
		defer cancel()
	}

	ins := settlement.Instruction{
		Nonce:        uuid.NewString(),
		TagID:        tagID,
		TollBoothID:  booth.ID,
		FeeBaseUnits: booth.FeeBaseUnits,
		Payer:        payer,
		SubmittedAt:  o.now(),
	}

	o.transition(attempt, StatePending, "", nil)
	sub, err := o.settler.Submit(settleCtx, ins)
	if err != nil {
		logger.Error("Settlement submission failed", "tag_id", tagID, "err", err)
		return nil, o.fail(attempt, err)
	}

	o.transition(attempt, StateConfirming, sub.TxHash, nil)
	receipt, err := o.settler.AwaitFinality(settleCtx, sub)
	if err != nil {
		logger.Error("Settlement did not reach finality", "tx_hash", sub.TxHash, "err", err)
		return nil, o.fail(attempt, err)
	}

	rec := tollbooth.PaymentRecord{
		WalletAddress:       payer,
		TagID:               tagID,
		TollBoothID:         booth.ID,
		TollBoothName:       booth.Name,
		AmountBaseUnits:     booth.FeeBaseUnits,
		AmountDisplay:       booth.FeeDisplay(),
		TxHash:              receipt.TxHash,
		BlockNumber:         receipt.BlockNumber,
		Status:              tollbooth.StatusConfirmed,
		AttestationVerified: attestationVerified,
		CreatedAt:           o.now().UTC(),
	}

	// The settlement is final; a ledger failure must not fail the payment.
	if err := o.ledger.Append(context.WithoutCancel(ctx), rec); err != nil {
		logger.Error("Payment settled but not recorded", "tx_hash", rec.TxHash, "err", err)
	}

	logger.Info("Payment settled", "tx_hash", rec.TxHash, "block", rec.BlockNumber, "booth", rec.TollBoothID)
	o.succeed(attempt, rec)
	return &rec, nil
}

// Reset returns to Idle and forgets the previous attempt. A settlement still
// in flight is not cancelled; it completes on its own but no longer updates
// this orchestrator.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	if o.state == StateIdle {
		o.mu.Unlock()
		return
	}
	from := o.state
	o.attempt++
	o.state = StateIdle
	o.pendingTx = ""
	o.lastErr = nil
	o.lastPayment = nil
	t := Transition{From: from, To: StateIdle, Attempt: o.attempt, At: o.now()}
	o.mu.Unlock()

	o.notify(t)
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

func (o *Orchestrator) LastPayment() *tollbooth.PaymentRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastPayment == nil {
		return nil
	}
	rec := *o.lastPayment
	return &rec
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Snapshot{
		State:         o.state,
		Attempt:       o.attempt,
		PendingTxHash: o.pendingTx,
		LastError:     o.lastErr,
	}
	if o.lastPayment != nil {
		rec := *o.lastPayment
		s.LastPayment = &rec
	}
	return s
}

// begin enters Preparing for a new attempt, or rejects the call while
// another attempt is in flight.
func (o *Orchestrator) begin() (uint64, error) {
	o.mu.Lock()
	if o.state.InFlight() {
		state := o.state
		o.mu.Unlock()
		return 0, &PreconditionError{
			Code:   CodeBusy,
			Reason: fmt.Sprintf("a payment is already %s", state),
		}
	}
	from := o.state
	o.attempt++
	o.state = StatePreparing
	o.pendingTx = ""
	o.lastErr = nil
	o.lastPayment = nil
	t := Transition{From: from, To: StatePreparing, Attempt: o.attempt, At: o.now()}
	attempt := o.attempt
	o.mu.Unlock()

	o.notify(t)
	return attempt, nil
}

// transition moves attempt to the next state. It is a no-op once the attempt
// has been superseded by Reset.
func (o *Orchestrator) transition(attempt uint64, to State, txHash string, err error) bool {
	o.mu.Lock()
	if o.attempt != attempt {
		o.mu.Unlock()
		return false
	}
	from := o.state
	o.state = to
	if txHash != "" {
		o.pendingTx = txHash
	}
	if err != nil {
		o.lastErr = err
	}
	t := Transition{From: from, To: to, Attempt: attempt, At: o.now(), TxHash: o.pendingTx, Err: err}
	o.mu.Unlock()

	o.notify(t)
	return true
}

func (o *Orchestrator) fail(attempt uint64, err error) error {
	o.transition(attempt, StateError, "", err)
	return err
}

func (o *Orchestrator) succeed(attempt uint64, rec tollbooth.PaymentRecord) {
	o.mu.Lock()
	if o.attempt != attempt {
		o.mu.Unlock()
		o.logger.Info("Payment settled after reset", "tx_hash", rec.TxHash)
		return
	}
	from := o.state
	o.state = StateSuccess
	o.pendingTx = ""
	o.lastPayment = &rec
	t := Transition{From: from, To: StateSuccess, Attempt: attempt, At: o.now(), TxHash: rec.TxHash}
	o.mu.Unlock()

	o.notify(t)
}

func (o *Orchestrator) notify(t Transition) {
	if o.onTransition != nil {
		o.onTransition(t)
	}
}
