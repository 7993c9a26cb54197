package settlement

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
)

// RPCClient is the part of the CometBFT RPC client the service needs. Both
// the in-process local client and the HTTP client satisfy it.
type RPCClient interface {
	BroadcastTxSync(ctx context.Context, tx cmttypes.Tx) (*cmtrpctypes.ResultBroadcastTx, error)
	Tx(ctx context.Context, hash []byte, prove bool) (*cmtrpctypes.ResultTx, error)
}

// CometBFTService settles instructions on a CometBFT chain. Submission is
// acknowledged once CheckTx passes; finality is reached when the transaction
// is committed in a block.
type CometBFTService struct {
	client          RPCClient
	logger          cmtlog.Logger
	finalityTimeout time.Duration
	pollInterval    time.Duration
}

func NewCometBFTService(client RPCClient, logger cmtlog.Logger, finalityTimeout, pollInterval time.Duration) *CometBFTService {
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	return &CometBFTService{
		client:          client,
		logger:          logger,
		finalityTimeout: finalityTimeout,
		pollInterval:    pollInterval,
	}
}

func (s *CometBFTService) Submit(ctx context.Context, ins Instruction) (*Submission, error) {
	raw, err := EncodeInstruction(ins)
	if err != nil {
		return nil, &SettlementError{Code: CodeSubmissionRejected, Reason: err.Error()}
	}

	tx := cmttypes.Tx(raw)
	res, err := s.client.BroadcastTxSync(ctx, tx)
	if err != nil {
		return nil, &SettlementError{Code: CodeTransport, Reason: err.Error()}
	}
	if res.Code != 0 {
		return nil, &SettlementError{
			Code:   CodeSubmissionRejected,
			Reason: fmt.Sprintf("CheckTx code %d: %s", res.Code, res.Log),
		}
	}

	hash := tx.Hash()
	sub := &Submission{
		Instruction: ins,
		TxHash:      "0x" + strings.ToLower(hex.EncodeToString(hash)),
		SubmittedAt: time.Now(),
		rawHash:     hash,
	}
	s.logger.Debug("Instruction submitted", "tx_hash", sub.TxHash, "nonce", ins.Nonce)
	return sub, nil
}

func (s *CometBFTService) AwaitFinality(ctx context.Context, sub *Submission) (*Receipt, error) {
	if s.finalityTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.finalityTimeout)
		defer cancel()
	}

	hash := sub.rawHash
	if hash == nil {
		decoded, err := hex.DecodeString(strings.TrimPrefix(sub.TxHash, "0x"))
		if err != nil {
			return nil, &SettlementError{Code: CodeTransport, Reason: fmt.Sprintf("invalid tx hash %q", sub.TxHash)}
		}
		hash = decoded
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		// Tx returns an error until the transaction is indexed in a committed block.
		res, err := s.client.Tx(ctx, hash, false)
		if err == nil && res != nil && res.Height > 0 {
			if res.TxResult.Code != 0 {
				return nil, &SettlementError{
					Code:   CodeExecutionFailed,
					Reason: fmt.Sprintf("tx %s failed with code %d: %s", sub.TxHash, res.TxResult.Code, res.TxResult.Log),
				}
			}
			s.logger.Debug("Instruction final", "tx_hash", sub.TxHash, "height", res.Height)
			return &Receipt{TxHash: sub.TxHash, BlockNumber: res.Height}, nil
		}

		select {
		case <-ctx.Done():
			return nil, &SettlementError{
				Code:   CodeFinalityTimeout,
				Reason: fmt.Sprintf("tx %s not committed: %v", sub.TxHash, ctx.Err()),
			}
		case <-ticker.C:
		}
	}
}
