package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

var (
	// ErrReverted is returned when a mined transaction has status 0.
	ErrReverted = errors.New("transaction reverted")
	// ErrNoKey is returned by write operations on a read-only client.
	ErrNoKey = errors.New("chain client has no signing key")
)

// Backend is what Client needs from an RPC connection. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Receipt summarises a mined transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	GasCost     *big.Int // gas used × effective gas price, in wei
}

// Client wraps an RPC backend and an optional transaction key.
type Client struct {
	eth     Backend
	chainID *big.Int
	key     *ecdsa.PrivateKey
	from    common.Address
	log     *zap.Logger
}

// Dial connects to rpcURL and checks that the node serves chainID.
func Dial(ctx context.Context, rpcURL string, chainID int64, key *ecdsa.PrivateKey, log *zap.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	got, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("chain id: %w", err)
	}
	if got.Int64() != chainID {
		eth.Close()
		return nil, fmt.Errorf("rpc chain id %s does not match configured %d", got, chainID)
	}
	return NewClient(eth, big.NewInt(chainID), key, log), nil
}

// NewClient builds a Client over an existing backend. key may be nil for
// read-only use.
func NewClient(eth Backend, chainID *big.Int, key *ecdsa.PrivateKey, log *zap.Logger) *Client {
	c := &Client{eth: eth, chainID: chainID, key: key, log: log}
	if key != nil {
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c
}

// ChainID returns the configured chain ID.
func (c *Client) ChainID() *big.Int { return c.chainID }

// From returns the transacting address (zero for read-only clients).
func (c *Client) From() common.Address { return c.from }

// Balance returns the native balance of addr in wei.
func (c *Client) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	b, err := c.eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("balance %s: %w", addr.Hex(), err)
	}
	return b, nil
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return n, nil
}

func (c *Client) boundContract(addr common.Address, parsed abi.ABI) *bind.BoundContract {
	return bind.NewBoundContract(addr, parsed, c.eth, c.eth, c.eth)
}

// transactOpts builds a *bind.TransactOpts signed by the client key.
func (c *Client) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	if c.key == nil {
		return nil, ErrNoKey
	}
	auth, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, err
	}
	auth.Context = ctx
	return auth, nil
}

// transact sends method and waits for it to be mined. gasLimit 0 lets the
// binding estimate.
func (c *Client) transact(ctx context.Context, bc *bind.BoundContract, gasLimit uint64, method string, args ...any) (*Receipt, error) {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return nil, fmt.Errorf("build tx opts: %w", err)
	}
	opts.GasLimit = gasLimit

	tx, err := bc.Transact(opts, method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s tx: %w", method, err)
	}
	c.log.Debug("transaction sent", zap.String("method", method), zap.String("tx", tx.Hash().Hex()))

	// Wait for receipt
	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return nil, fmt.Errorf("wait mined %s: %w", tx.Hash().Hex(), err)
	}
	r := toReceipt(tx, receipt)
	if receipt.Status == types.ReceiptStatusFailed {
		return r, fmt.Errorf("%s %s: %w", method, tx.Hash().Hex(), ErrReverted)
	}
	return r, nil
}

func toReceipt(tx *types.Transaction, r *types.Receipt) *Receipt {
	price := r.EffectiveGasPrice
	if price == nil {
		price = tx.GasPrice()
	}
	cost := new(big.Int).SetUint64(r.GasUsed)
	if price != nil {
		cost.Mul(cost, price)
	}
	var block uint64
	if r.BlockNumber != nil {
		block = r.BlockNumber.Uint64()
	}
	return &Receipt{
		TxHash:      tx.Hash(),
		BlockNumber: block,
		GasUsed:     r.GasUsed,
		GasCost:     cost,
	}
}

func call(ctx context.Context, bc *bind.BoundContract, method string, args ...any) ([]any, error) {
	var out []any
	if err := bc.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return out, nil
}

func callBool(ctx context.Context, bc *bind.BoundContract, method string, args ...any) (bool, error) {
	out, err := call(ctx, bc, method, args...)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func callUint(ctx context.Context, bc *bind.BoundContract, method string, args ...any) (*big.Int, error) {
	out, err := call(ctx, bc, method, args...)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}
