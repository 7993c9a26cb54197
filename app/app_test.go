package app

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/thakursanju/smartToll/settlement"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) *Application {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewABCIApplication(db, cmtlog.NewNopLogger())
}

func encode(t *testing.T, nonce, booth string) []byte {
	t.Helper()
	raw, err := settlement.EncodeInstruction(settlement.Instruction{
		Nonce:        nonce,
		TagID:        "SIM-1760000000000-0001",
		TollBoothID:  booth,
		FeeBaseUnits: big.NewInt(800_000_000_000_000),
		Payer:        "0x1111111111111111111111111111111111111111",
		SubmittedAt:  time.UnixMilli(1760000000000),
	})
	require.NoError(t, err)
	return raw
}

func finalize(t *testing.T, app *Application, height int64, txs ...[]byte) *abcitypes.FinalizeBlockResponse {
	t.Helper()
	resp, err := app.FinalizeBlock(context.Background(), &abcitypes.FinalizeBlockRequest{Height: height, Txs: txs})
	require.NoError(t, err)
	_, err = app.Commit(context.Background(), &abcitypes.CommitRequest{})
	require.NoError(t, err)
	return resp
}

func TestCheckTx(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.CheckTx(context.Background(), &abcitypes.CheckTxRequest{Tx: encode(t, "n-1", "TB003")})
	require.NoError(t, err)
	assert.Equal(t, CodeOK, resp.Code)

	resp, err = app.CheckTx(context.Background(), &abcitypes.CheckTxRequest{Tx: []byte("garbage")})
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidTx, resp.Code)

	finalize(t, app, 1, encode(t, "n-1", "TB003"))
	resp, err = app.CheckTx(context.Background(), &abcitypes.CheckTxRequest{Tx: encode(t, "n-1", "TB001")})
	require.NoError(t, err)
	assert.Equal(t, CodeDuplicateNonce, resp.Code)
}

func TestFinalizeBlock_SettlesAndEmitsEvents(t *testing.T) {
	app := newTestApp(t)

	good := encode(t, "n-1", "TB003")
	resp := finalize(t, app, 5, good, []byte("{}"), encode(t, "n-1", "TB001"), encode(t, "n-2", "TB003"))
	require.Len(t, resp.TxResults, 4)

	assert.Equal(t, CodeOK, resp.TxResults[0].Code)
	assert.Equal(t, CodeInvalidTx, resp.TxResults[1].Code)
	assert.Equal(t, CodeDuplicateNonce, resp.TxResults[2].Code)
	assert.Equal(t, CodeOK, resp.TxResults[3].Code)
	assert.NotEmpty(t, resp.AppHash)

	ev := resp.TxResults[0].Events[0]
	assert.Equal(t, "toll_settlement", ev.Type)
	attrs := map[string]string{}
	for _, a := range ev.Attributes {
		attrs[a.Key] = a.Value
	}
	assert.Equal(t, "TB003", attrs["toll_booth_id"])
	assert.Equal(t, "800000000000000", attrs["fee_wei"])

	txID := string(resp.TxResults[0].Data)
	assert.Equal(t, cmttypes.Tx(good).Hash(), mustHex(t, txID))
}

func TestQuery(t *testing.T) {
	app := newTestApp(t)
	good := encode(t, "n-1", "TB003")
	finalize(t, app, 9, good)
	txID := generateTxID(good)

	resp, err := app.Query(context.Background(), &abcitypes.QueryRequest{Data: []byte("status:" + txID)})
	require.NoError(t, err)
	assert.Equal(t, "exists", resp.Log)
	assert.Equal(t, []byte(statusSettled), resp.Value)

	resp, err = app.Query(context.Background(), &abcitypes.QueryRequest{Data: []byte("receipt:0x" + txID)})
	require.NoError(t, err)
	require.Equal(t, CodeOK, resp.Code)
	var receipt Receipt
	require.NoError(t, json.Unmarshal(resp.Value, &receipt))
	assert.Equal(t, int64(9), receipt.Height)
	assert.Equal(t, "0x"+txID, receipt.TxHash)
	assert.Equal(t, "n-1", receipt.Nonce)

	resp, err = app.Query(context.Background(), &abcitypes.QueryRequest{Data: []byte("receipt:0xdead")})
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidTx, resp.Code)

	resp, err = app.Query(context.Background(), &abcitypes.QueryRequest{Data: []byte("missing")})
	require.NoError(t, err)
	assert.Equal(t, "key doesn't exist", resp.Log)

	resp, err = app.Query(context.Background(), &abcitypes.QueryRequest{})
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidTx, resp.Code)
}

func TestInfo_TracksLastBlock(t *testing.T) {
	app := newTestApp(t)

	info, err := app.Info(context.Background(), &abcitypes.InfoRequest{})
	require.NoError(t, err)
	assert.Zero(t, info.LastBlockHeight)

	resp := finalize(t, app, 3, encode(t, "n-1", "TB001"))
	info, err = app.Info(context.Background(), &abcitypes.InfoRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.LastBlockHeight)
	assert.Equal(t, resp.AppHash, info.LastBlockAppHash)
}

func TestProposals(t *testing.T) {
	app := newTestApp(t)
	good := encode(t, "n-1", "TB001")

	prep, err := app.PrepareProposal(context.Background(), &abcitypes.PrepareProposalRequest{Txs: [][]byte{good, []byte("junk")}})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{good}, prep.Txs)

	proc, err := app.ProcessProposal(context.Background(), &abcitypes.ProcessProposalRequest{Txs: [][]byte{good}})
	require.NoError(t, err)
	assert.Equal(t, abcitypes.PROCESS_PROPOSAL_STATUS_ACCEPT, proc.Status)

	proc, err = app.ProcessProposal(context.Background(), &abcitypes.ProcessProposalRequest{Txs: [][]byte{good, []byte("junk")}})
	require.NoError(t, err)
	assert.Equal(t, abcitypes.PROCESS_PROPOSAL_STATUS_REJECT, proc.Status)
}

func TestInt64Bytes(t *testing.T) {
	for _, v := range []int64{0, 1, 18_000_000, 1 << 40} {
		assert.Equal(t, v, bytesToInt64(int64ToBytes(v)))
	}
	assert.Zero(t, bytesToInt64([]byte{1}))
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

type localQuery struct {
	app *Application
}

func (q localQuery) ABCIQuery(ctx context.Context, path string, data cmtbytes.HexBytes) (*cmtrpctypes.ResultABCIQuery, error) {
	resp, err := q.app.Query(ctx, &abcitypes.QueryRequest{Path: path, Data: data})
	if err != nil {
		return nil, err
	}
	return &cmtrpctypes.ResultABCIQuery{Response: *resp}, nil
}

func TestReceiptReader(t *testing.T) {
	app := newTestApp(t)
	good := encode(t, "n-1", "TB004")
	finalize(t, app, 12, good)

	reader := NewReceiptReader(localQuery{app: app})

	receipt, err := reader.Receipt(context.Background(), "0x"+generateTxID(good))
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, "TB004", receipt.TollBoothID)
	assert.Equal(t, int64(12), receipt.Height)

	receipt, err = reader.Receipt(context.Background(), "0xabsent")
	require.NoError(t, err)
	assert.Nil(t, receipt)
}
