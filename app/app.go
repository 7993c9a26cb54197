package app

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/thakursanju/smartToll/settlement"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"
)

// Result codes of CheckTx and FinalizeBlock.
const (
	CodeOK             uint32 = 0
	CodeInvalidTx      uint32 = 1
	CodeDatabaseError  uint32 = 2
	CodeStoreFailed    uint32 = 3
	CodeDuplicateNonce uint32 = 4
)

const statusSettled = "settled"

// Receipt is stored for every settled instruction and returned by the
// "receipt:" query.
type Receipt struct {
	TxHash      string `json:"tx_hash"`
	Height      int64  `json:"height"`
	Nonce       string `json:"nonce"`
	TagID       string `json:"tag_id"`
	TollBoothID string `json:"toll_booth_id"`
	FeeWei      string `json:"fee_wei"`
	Payer       string `json:"payer"`
	Status      string `json:"status"`
}

// Application is the toll settlement chain. Every valid instruction that
// reaches a block is settled and gets a receipt.
type Application struct {
	badgerDB     *badger.DB
	onGoingBlock *badger.Txn
	mu           sync.Mutex
	logger       cmtlog.Logger
}

func NewABCIApplication(badgerDB *badger.DB, logger cmtlog.Logger) *Application {
	return &Application{
		badgerDB: badgerDB,
		logger:   logger,
	}
}

// Info implements the ABCI Info method
func (app *Application) Info(_ context.Context, info *abcitypes.InfoRequest) (*abcitypes.InfoResponse, error) {
	lastBlockHeight := int64(0)
	var lastBlockAppHash []byte

	err := app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("last_block_height"))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		err = item.Value(func(val []byte) error {
			lastBlockHeight = bytesToInt64(val)
			return nil
		})
		if err != nil {
			return err
		}

		item, err = txn.Get([]byte("last_block_app_hash"))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err == nil {
			lastBlockAppHash, err = item.ValueCopy(nil)
		}
		return err
	})

	if err != nil {
		app.logger.Error("Error getting last block info", "err", err)
	}

	return &abcitypes.InfoResponse{
		LastBlockHeight:  lastBlockHeight,
		LastBlockAppHash: lastBlockAppHash,
	}, nil
}

// Query implements the ABCI Query method
func (app *Application) Query(_ context.Context, req *abcitypes.QueryRequest) (*abcitypes.QueryResponse, error) {
	if len(req.Data) == 0 {
		return &abcitypes.QueryResponse{
			Code: CodeInvalidTx,
			Log:  "Empty query data",
		}, nil
	}

	if bytes.HasPrefix(req.Data, []byte("receipt:")) {
		return app.queryReceipt(string(req.Data[len("receipt:"):])), nil
	}

	resp := abcitypes.QueryResponse{Key: req.Data}

	dbErr := app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(req.Data)
		if err != nil {
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			resp.Log = "key doesn't exist"
			return nil
		}

		resp.Log = "exists"
		resp.Value, err = item.ValueCopy(nil)
		return err
	})

	if dbErr != nil {
		app.logger.Error("Error reading database, unable to execute query", "err", dbErr)
		return &abcitypes.QueryResponse{
			Code: CodeDatabaseError,
			Log:  fmt.Sprintf("Database error: %v", dbErr),
		}, nil
	}

	return &resp, nil
}

func (app *Application) queryReceipt(txHash string) *abcitypes.QueryResponse {
	txID := strings.ToLower(strings.TrimPrefix(txHash, "0x"))
	resp := &abcitypes.QueryResponse{Key: receiptKey(txID)}

	err := app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(receiptKey(txID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				resp.Code = CodeInvalidTx
				resp.Log = "Transaction not found"
				return nil
			}
			return err
		}
		resp.Value, err = item.ValueCopy(nil)
		resp.Log = statusSettled
		return err
	})
	if err != nil {
		resp.Code = CodeDatabaseError
		resp.Log = fmt.Sprintf("Database error: %v", err)
	}
	return resp
}

// CheckTx implements the ABCI CheckTx method
func (app *Application) CheckTx(_ context.Context, check *abcitypes.CheckTxRequest) (*abcitypes.CheckTxResponse, error) {
	ins, err := settlement.DecodeInstruction(check.Tx)
	if err != nil {
		return &abcitypes.CheckTxResponse{Code: CodeInvalidTx, Log: err.Error()}, nil
	}

	seen, err := app.nonceSeen(ins.Nonce)
	if err != nil {
		return &abcitypes.CheckTxResponse{Code: CodeDatabaseError, Log: err.Error()}, nil
	}
	if seen {
		return &abcitypes.CheckTxResponse{Code: CodeDuplicateNonce, Log: "nonce already settled"}, nil
	}

	return &abcitypes.CheckTxResponse{Code: CodeOK}, nil
}

// InitChain implements the ABCI InitChain method
func (app *Application) InitChain(_ context.Context, chain *abcitypes.InitChainRequest) (*abcitypes.InitChainResponse, error) {
	return &abcitypes.InitChainResponse{}, nil
}

// PrepareProposal implements the ABCI PrepareProposal method
func (app *Application) PrepareProposal(_ context.Context, proposal *abcitypes.PrepareProposalRequest) (*abcitypes.PrepareProposalResponse, error) {
	txs := make([][]byte, 0, len(proposal.Txs))
	for _, tx := range proposal.Txs {
		if _, err := settlement.DecodeInstruction(tx); err != nil {
			app.logger.Debug("Dropping undecodable tx from proposal", "err", err)
			continue
		}
		txs = append(txs, tx)
	}
	return &abcitypes.PrepareProposalResponse{Txs: txs}, nil
}

// ProcessProposal implements the ABCI ProcessProposal method
func (app *Application) ProcessProposal(_ context.Context, proposal *abcitypes.ProcessProposalRequest) (*abcitypes.ProcessProposalResponse, error) {
	for _, tx := range proposal.Txs {
		if _, err := settlement.DecodeInstruction(tx); err != nil {
			app.logger.Info("Voted invalid", "err", err)
			return &abcitypes.ProcessProposalResponse{Status: abcitypes.PROCESS_PROPOSAL_STATUS_REJECT}, nil
		}
	}
	return &abcitypes.ProcessProposalResponse{Status: abcitypes.PROCESS_PROPOSAL_STATUS_ACCEPT}, nil
}

// FinalizeBlock implements the ABCI FinalizeBlock method
func (app *Application) FinalizeBlock(_ context.Context, req *abcitypes.FinalizeBlockRequest) (*abcitypes.FinalizeBlockResponse, error) {
	txResults := make([]*abcitypes.ExecTxResult, len(req.Txs))

	app.mu.Lock()
	defer app.mu.Unlock()

	if app.onGoingBlock != nil {
		app.onGoingBlock.Discard()
	}
	app.onGoingBlock = app.badgerDB.NewTransaction(true)

	for i, txBytes := range req.Txs {
		ins, err := settlement.DecodeInstruction(txBytes)
		if err != nil {
			txResults[i] = &abcitypes.ExecTxResult{
				Code: CodeInvalidTx,
				Log:  "Invalid transaction format",
			}
			continue
		}
		txResults[i] = app.settle(generateTxID(txBytes), req.Height, ins, txBytes)
	}

	appHash := calculateAppHash(txResults)

	err := app.onGoingBlock.Set([]byte("last_block_height"), int64ToBytes(req.Height))
	if err != nil {
		app.logger.Error("Error storing block height", "err", err)
	}
	err = app.onGoingBlock.Set([]byte("last_block_app_hash"), appHash)
	if err != nil {
		app.logger.Error("Error storing app hash", "err", err)
	}

	return &abcitypes.FinalizeBlockResponse{
		TxResults: txResults,
		AppHash:   appHash,
	}, err
}

// Commit implements the ABCI Commit method
func (app *Application) Commit(_ context.Context, commit *abcitypes.CommitRequest) (*abcitypes.CommitResponse, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.onGoingBlock == nil {
		return &abcitypes.CommitResponse{}, nil
	}
	if err := app.onGoingBlock.Commit(); err != nil {
		app.logger.Error("Error committing block", "err", err)
	}
	app.onGoingBlock = nil

	return &abcitypes.CommitResponse{}, nil
}

// ListSnapshots implements the ABCI ListSnapshots method
func (app *Application) ListSnapshots(_ context.Context, snapshots *abcitypes.ListSnapshotsRequest) (*abcitypes.ListSnapshotsResponse, error) {
	return &abcitypes.ListSnapshotsResponse{}, nil
}

// OfferSnapshot implements the ABCI OfferSnapshot method
func (app *Application) OfferSnapshot(_ context.Context, snapshot *abcitypes.OfferSnapshotRequest) (*abcitypes.OfferSnapshotResponse, error) {
	return &abcitypes.OfferSnapshotResponse{}, nil
}

// LoadSnapshotChunk implements the ABCI LoadSnapshotChunk method
func (app *Application) LoadSnapshotChunk(_ context.Context, chunk *abcitypes.LoadSnapshotChunkRequest) (*abcitypes.LoadSnapshotChunkResponse, error) {
	return &abcitypes.LoadSnapshotChunkResponse{}, nil
}

// ApplySnapshotChunk implements the ABCI ApplySnapshotChunk method
func (app *Application) ApplySnapshotChunk(_ context.Context, chunk *abcitypes.ApplySnapshotChunkRequest) (*abcitypes.ApplySnapshotChunkResponse, error) {
	return &abcitypes.ApplySnapshotChunkResponse{
		Result: abcitypes.APPLY_SNAPSHOT_CHUNK_RESULT_ACCEPT,
	}, nil
}

// ExtendVote implements the ABCI ExtendVote method
func (app *Application) ExtendVote(_ context.Context, extend *abcitypes.ExtendVoteRequest) (*abcitypes.ExtendVoteResponse, error) {
	return &abcitypes.ExtendVoteResponse{}, nil
}

// VerifyVoteExtension implements the ABCI VerifyVoteExtension method
func (app *Application) VerifyVoteExtension(_ context.Context, verify *abcitypes.VerifyVoteExtensionRequest) (*abcitypes.VerifyVoteExtensionResponse, error) {
	return &abcitypes.VerifyVoteExtensionResponse{
		Status: abcitypes.VERIFY_VOTE_EXTENSION_STATUS_ACCEPT,
	}, nil
}

// settle stores the instruction, its receipt and its nonce in the ongoing
// block. A nonce settles at most once.
func (app *Application) settle(txID string, height int64, ins *settlement.Instruction, rawTx []byte) *abcitypes.ExecTxResult {
	nonceKey := append([]byte("nonce:"), ins.Nonce...)
	if _, err := app.onGoingBlock.Get(nonceKey); err == nil {
		return &abcitypes.ExecTxResult{Code: CodeDuplicateNonce, Log: "nonce already settled"}
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return &abcitypes.ExecTxResult{Code: CodeDatabaseError, Log: fmt.Sprintf("Database error: %v", err)}
	}

	receipt := Receipt{
		TxHash:      "0x" + txID,
		Height:      height,
		Nonce:       ins.Nonce,
		TagID:       ins.TagID,
		TollBoothID: ins.TollBoothID,
		FeeWei:      ins.FeeBaseUnits.String(),
		Payer:       ins.Payer,
		Status:      statusSettled,
	}
	receiptBytes, err := json.Marshal(receipt)
	if err != nil {
		return &abcitypes.ExecTxResult{Code: CodeStoreFailed, Log: err.Error()}
	}

	writes := []struct{ key, value []byte }{
		{append([]byte("tx:"), txID...), rawTx},
		{append([]byte("status:"), txID...), []byte(statusSettled)},
		{receiptKey(txID), receiptBytes},
		{nonceKey, []byte(txID)},
	}
	for _, w := range writes {
		if err := app.onGoingBlock.Set(w.key, w.value); err != nil {
			app.logger.Error("Error storing settlement", "tx_id", txID, "err", err)
			return &abcitypes.ExecTxResult{
				Code: CodeStoreFailed,
				Log:  fmt.Sprintf("Database error: %v", err),
			}
		}
	}

	events := []abcitypes.Event{
		{
			Type: "toll_settlement",
			Attributes: []abcitypes.EventAttribute{
				{Key: "tx_hash", Value: receipt.TxHash, Index: true},
				{Key: "payer", Value: ins.Payer, Index: true},
				{Key: "toll_booth_id", Value: ins.TollBoothID, Index: true},
				{Key: "fee_wei", Value: receipt.FeeWei, Index: false},
				{Key: "nonce", Value: ins.Nonce, Index: true},
			},
		},
	}

	return &abcitypes.ExecTxResult{
		Code:   CodeOK,
		Data:   []byte(txID),
		Log:    statusSettled,
		Events: events,
	}
}

func (app *Application) nonceSeen(nonce string) (bool, error) {
	seen := false
	err := app.badgerDB.View(func(txn *badger.Txn) error {
		_, err := txn.Get(append([]byte("nonce:"), nonce...))
		if err == nil {
			seen = true
			return nil
		}
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	return seen, err
}

func receiptKey(txID string) []byte {
	return append([]byte("receipt:"), txID...)
}

// generateTxID matches the hash CometBFT indexes the tx under.
func generateTxID(rawTx []byte) string {
	hash := sha256.Sum256(rawTx)
	return hex.EncodeToString(hash[:])
}

// calculateAppHash calculates the application hash for the current block
func calculateAppHash(txResults []*abcitypes.ExecTxResult) []byte {
	allData := make([]byte, 0)
	for _, result := range txResults {
		allData = append(allData, result.Data...)
	}
	hash := sha256.Sum256(allData)
	return hash[:]
}

func int64ToBytes(i int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(i))
	return buf
}

func bytesToInt64(buf []byte) int64 {
	if len(buf) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(buf))
}
