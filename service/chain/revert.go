package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/brojonat/fundsplit/service/dex"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// RevertReason recovers why a mined transaction reverted by replaying it as
// a call against the parent block's state. Nodes do not store revert data
// in receipts, so this is best effort. The replay runs at the parent's
// timestamp, so when it succeeds on a swap whose deadline is earlier than
// the mined block's timestamp the deadline is reported as the cause.
// Otherwise a successful replay yields the generic "execution reverted".
func (c *Client) RevertReason(ctx context.Context, txHash common.Hash) (string, error) {
	var (
		tx  *types.Transaction
		err error
	)
	err = c.call(ctx, "eth_getTransactionByHash", func() (err error) {
		tx, _, err = c.backend.TransactionByHash(ctx, txHash)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to get transaction %s: %w", txHash.Hex(), err)
	}

	receipt, err := c.Receipt(ctx, txHash)
	if err != nil {
		return "", err
	}

	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return "", fmt.Errorf("failed to recover sender of %s: %w", txHash.Hex(), err)
	}

	var block *big.Int
	if receipt.BlockNumber != nil && receipt.BlockNumber.Sign() > 0 {
		block = new(big.Int).Sub(receipt.BlockNumber, big.NewInt(1))
	}

	msg := ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	_, callErr := c.CallContract(ctx, msg, block)
	if callErr != nil {
		return DecodeCallError(callErr), nil
	}

	deadline, ok := dex.SwapDeadline(tx.Data())
	if !ok || receipt.BlockNumber == nil {
		return "execution reverted", nil
	}
	var header *types.Header
	err = c.call(ctx, "eth_getBlockByNumber", func() (err error) {
		header, err = c.backend.HeaderByNumber(ctx, receipt.BlockNumber)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to get block %s: %w", receipt.BlockNumber, err)
	}
	if mined := time.Unix(int64(header.Time), 0).UTC(); mined.After(deadline) {
		return fmt.Sprintf("execution reverted: deadline %d passed before block timestamp %d",
			deadline.Unix(), header.Time), nil
	}
	return "execution reverted", nil
}

// DecodeCallError extracts an Error(string) revert reason from a JSON-RPC
// error when the node attached revert data, and falls back to the message.
func DecodeCallError(err error) string {
	var de rpc.DataError
	if errors.As(err, &de) {
		if hexData, ok := de.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(hexData); derr == nil {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return "execution reverted: " + reason
				}
			}
		}
	}
	return err.Error()
}
