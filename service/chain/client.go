package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/brojonat/fundsplit/service/dex"
	"github.com/brojonat/fundsplit/service/metrics"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// ErrReceiptNotFound means the transaction is not mined yet (or unknown).
var ErrReceiptNotFound = errors.New("receipt not found")

// Backend is the subset of the EVM JSON-RPC surface we use.
// *ethclient.Client satisfies it; tests substitute a fake.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Client wraps an RPC backend with rate limiting, metrics and the
// domain reads the funding engine needs.
type Client struct {
	backend Backend
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
	closer  func()
}

// NewClient wraps backend. rps <= 0 disables client-side rate limiting.
// If metrics is nil, no metrics will be recorded.
func NewClient(backend Backend, rps float64, m *metrics.Metrics, logger *slog.Logger) *Client {
	limit := rate.Inf
	burst := 0
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = max(1, int(rps))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		backend: backend,
		limiter: rate.NewLimiter(limit, burst),
		metrics: m,
		logger:  logger.With("component", "chain"),
	}
}

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, url string, rps float64, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}
	c := NewClient(ec, rps, m, logger)
	c.closer = ec.Close
	return c, nil
}

// Close releases the underlying connection if Dial opened it.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// call runs fn under the rate limiter and records its outcome.
func (c *Client) call(ctx context.Context, method string, fn func() error) error {
	if !c.limiter.Allow() {
		if c.metrics != nil {
			c.metrics.RecordRateLimitWait(method)
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
	}

	start := time.Now()
	err := fn()
	if c.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		c.metrics.RecordRPCCall(method, status, time.Since(start).Seconds())
	}
	if err != nil {
		c.logger.DebugContext(ctx, "rpc call failed", "method", method, "error", err)
	}
	return err
}

// CallContract executes a read-only call. It lets Client serve as the
// ethereum.ContractCaller behind the DEX adapters.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := c.call(ctx, "eth_call", func() (err error) {
		out, err = c.backend.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

func (c *Client) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var bal *big.Int
	err := c.call(ctx, "eth_getBalance", func() (err error) {
		bal, err = c.backend.BalanceAt(ctx, addr, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get native balance of %s: %w", addr.Hex(), err)
	}
	return bal, nil
}

func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return c.callUint256(ctx, token, "balanceOf", owner)
}

func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return c.callUint256(ctx, token, "allowance", owner, spender)
}

func (c *Client) callUint256(ctx context.Context, token common.Address, method string, args ...interface{}) (*big.Int, error) {
	data, err := dex.ERC20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	out, err := c.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s on %s: %w", method, token.Hex(), err)
	}
	res, err := dex.ERC20ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	v, ok := res[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result type %T", method, res[0])
	}
	return v, nil
}

// HasCode reports whether a contract is deployed at addr.
func (c *Client) HasCode(ctx context.Context, addr common.Address) (bool, error) {
	var code []byte
	err := c.call(ctx, "eth_getCode", func() (err error) {
		code, err = c.backend.CodeAt(ctx, addr, nil)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to get code at %s: %w", addr.Hex(), err)
	}
	return len(code) > 0, nil
}

// GasPrice returns the node's suggested gas price in wei.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := c.call(ctx, "eth_gasPrice", func() (err error) {
		price, err = c.backend.SuggestGasPrice(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	return price, nil
}

// CheckChainID fails if the endpoint serves a different chain than want.
func (c *Client) CheckChainID(ctx context.Context, want int64) error {
	var id *big.Int
	err := c.call(ctx, "eth_chainId", func() (err error) {
		id, err = c.backend.ChainID(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to get chain id: %w", err)
	}
	if id.Cmp(big.NewInt(want)) != 0 {
		return fmt.Errorf("rpc endpoint serves chain %s, expected %d", id, want)
	}
	return nil
}

// Receipt returns the receipt for txHash, or ErrReceiptNotFound if it is not mined.
func (c *Client) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.call(ctx, "eth_getTransactionReceipt", func() (err error) {
		receipt, err = c.backend.TransactionReceipt(ctx, txHash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt %s: %w", txHash.Hex(), err)
	}
	return receipt, nil
}

// WaitForReceipt polls until txHash is mined, ctx is done or timeout elapses.
func (c *Client) WaitForReceipt(ctx context.Context, txHash common.Hash, poll, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		receipt, err := c.Receipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ErrReceiptNotFound) {
			c.logger.WarnContext(ctx, "receipt lookup failed, retrying", "tx_hash", txHash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for transaction %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// TransferredAmount sums the ERC20 Transfer events of token paying `to`
// in the receipt of txHash.
func (c *Client) TransferredAmount(ctx context.Context, txHash common.Hash, token, to common.Address) (*big.Int, error) {
	receipt, err := c.Receipt(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("transaction %s reverted", txHash.Hex())
	}
	return SumTransfers(receipt.Logs, token, to)
}

// SumTransfers adds up Transfer(_, to, value) logs emitted by token.
func SumTransfers(logs []*types.Log, token, to common.Address) (*big.Int, error) {
	transferID := dex.ERC20ABI.Events["Transfer"].ID
	total := new(big.Int)
	for _, l := range logs {
		if l.Address != token || len(l.Topics) != 3 || l.Topics[0] != transferID {
			continue
		}
		if common.BytesToAddress(l.Topics[2].Bytes()) != to {
			continue
		}
		vals, err := dex.ERC20ABI.Unpack("Transfer", l.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to unpack transfer log: %w", err)
		}
		v, ok := vals[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("unexpected transfer value type %T", vals[0])
		}
		total.Add(total, v)
	}
	return total, nil
}
