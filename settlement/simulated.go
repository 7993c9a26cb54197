package settlement

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync/atomic"
	"time"
)

const simulatedFirstBlock = 18_000_000

// SimulatedService settles instantly on an imaginary chain after fixed
// delays. Block numbers grow from 18,000,000.
type SimulatedService struct {
	SubmitDelay   time.Duration
	FinalityDelay time.Duration

	blocks atomic.Int64
}

func (s *SimulatedService) Submit(ctx context.Context, ins Instruction) (*Submission, error) {
	if err := ins.Validate(); err != nil {
		return nil, &SettlementError{Code: CodeSubmissionRejected, Reason: err.Error()}
	}
	if err := wait(ctx, s.SubmitDelay); err != nil {
		return nil, &SettlementError{Code: CodeTransport, Reason: err.Error()}
	}

	var hash [32]byte
	if _, err := rand.Read(hash[:]); err != nil {
		return nil, &SettlementError{Code: CodeTransport, Reason: err.Error()}
	}
	return &Submission{
		Instruction: ins,
		TxHash:      "0x" + hex.EncodeToString(hash[:]),
		SubmittedAt: time.Now(),
		rawHash:     hash[:],
	}, nil
}

func (s *SimulatedService) AwaitFinality(ctx context.Context, sub *Submission) (*Receipt, error) {
	if err := wait(ctx, s.FinalityDelay); err != nil {
		return nil, &SettlementError{Code: CodeFinalityTimeout, Reason: err.Error()}
	}
	return &Receipt{
		TxHash:      sub.TxHash,
		BlockNumber: simulatedFirstBlock + s.blocks.Add(1),
	}, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
