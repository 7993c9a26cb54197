package app

import (
	"context"
	"encoding/json"
	"fmt"

	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
)

// QueryClient is the ABCI query part of a CometBFT RPC client.
type QueryClient interface {
	ABCIQuery(ctx context.Context, path string, data cmtbytes.HexBytes) (*cmtrpctypes.ResultABCIQuery, error)
}

// ReceiptReader reads settlement receipts back from the chain state.
type ReceiptReader struct {
	client QueryClient
}

func NewReceiptReader(client QueryClient) *ReceiptReader {
	return &ReceiptReader{client: client}
}

// Receipt returns the on-chain receipt of txHash, or nil when the chain has
// no settlement under that hash.
func (r *ReceiptReader) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	res, err := r.client.ABCIQuery(ctx, "", []byte("receipt:"+txHash))
	if err != nil {
		return nil, fmt.Errorf("query receipt %s: %w", txHash, err)
	}
	switch res.Response.Code {
	case CodeOK:
	case CodeInvalidTx:
		return nil, nil
	default:
		return nil, fmt.Errorf("query receipt %s: %s", txHash, res.Response.Log)
	}

	var receipt Receipt
	if err := json.Unmarshal(res.Response.Value, &receipt); err != nil {
		return nil, fmt.Errorf("decode receipt %s: %w", txHash, err)
	}
	return &receipt, nil
}
