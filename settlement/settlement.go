// Package settlement moves toll fees through a two phase settlement: an
// instruction is first submitted, then awaited until it is final.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Error codes carried by SettlementError.
const (
	CodeSubmissionRejected = "SUBMISSION_REJECTED"
	CodeFinalityTimeout    = "FINALITY_TIMEOUT"
	CodeExecutionFailed    = "EXECUTION_FAILED"
	CodeTransport          = "TRANSPORT"
)

// Instruction is one toll payment to settle.
type Instruction struct {
	Nonce        string
	TagID        string
	TollBoothID  string
	FeeBaseUnits *big.Int
	Payer        string
	SubmittedAt  time.Time
}

// Submission is returned once an instruction has been accepted for
// settlement but is not yet final.
type Submission struct {
	Instruction Instruction
	TxHash      string
	SubmittedAt time.Time

	rawHash []byte
}

// Receipt is the proof of final settlement.
type Receipt struct {
	TxHash      string
	BlockNumber int64
}

// Service is a settlement backend.
type Service interface {
	Submit(ctx context.Context, ins Instruction) (*Submission, error)
	AwaitFinality(ctx context.Context, sub *Submission) (*Receipt, error)
}

type SettlementError struct {
	Code   string
	Reason string
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settlement failed (%s): %s", e.Code, e.Reason)
}

// IsFinalityTimeout reports whether err is a settlement that never became
// final in time.
func IsFinalityTimeout(err error) bool {
	var se *SettlementError
	return errors.As(err, &se) && se.Code == CodeFinalityTimeout
}

type wireInstruction struct {
	Nonce       string `json:"nonce"`
	TagID       string `json:"tag_id"`
	TollBoothID string `json:"toll_booth_id"`
	FeeWei      string `json:"fee_wei"`
	Payer       string `json:"payer"`
	SubmittedAt int64  `json:"submitted_at"`
}

// Validate checks the fields a settlement chain needs to execute ins.
func (ins Instruction) Validate() error {
	switch {
	case ins.Nonce == "":
		return errors.New("missing nonce")
	case ins.TagID == "":
		return errors.New("missing tag id")
	case ins.TollBoothID == "":
		return errors.New("missing toll booth id")
	case ins.Payer == "":
		return errors.New("missing payer")
	case ins.FeeBaseUnits == nil || ins.FeeBaseUnits.Sign() <= 0:
		return errors.New("fee must be positive")
	}
	return nil
}

// EncodeInstruction renders ins as a chain transaction.
func EncodeInstruction(ins Instruction) ([]byte, error) {
	if err := ins.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(wireInstruction{
		Nonce:       ins.Nonce,
		TagID:       ins.TagID,
		TollBoothID: ins.TollBoothID,
		FeeWei:      ins.FeeBaseUnits.String(),
		Payer:       ins.Payer,
		SubmittedAt: ins.SubmittedAt.UnixMilli(),
	})
}

// DecodeInstruction parses and validates a chain transaction.
func DecodeInstruction(raw []byte) (*Instruction, error) {
	var w wireInstruction
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("invalid instruction encoding: %w", err)
	}

	fee, ok := new(big.Int).SetString(w.FeeWei, 10)
	if !ok {
		return nil, fmt.Errorf("invalid fee %q", w.FeeWei)
	}

	ins := &Instruction{
		Nonce:        w.Nonce,
		TagID:        w.TagID,
		TollBoothID:  w.TollBoothID,
		FeeBaseUnits: fee,
		Payer:        w.Payer,
		SubmittedAt:  time.UnixMilli(w.SubmittedAt).UTC(),
	}
	if err := ins.Validate(); err != nil {
		return nil, err
	}
	return ins, nil
}
