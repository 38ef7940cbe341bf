package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-guard/internal/commitment"
	"github.com/0gfoundation/x402-guard/internal/insurance"
)

// Insurance is a handle on one X402Insurance deployment. It implements
// insurance.Ledger with the client key as caller.
type Insurance struct {
	c    *Client
	addr common.Address
	bc   *bind.BoundContract
}

var _ insurance.Ledger = (*Insurance)(nil)

// Insurance binds the X402Insurance deployed at addr.
func (c *Client) Insurance(addr common.Address) *Insurance {
	return &Insurance{c: c, addr: addr, bc: c.boundContract(addr, insuranceABI)}
}

func (in *Insurance) Address() common.Address { return in.addr }

// Purchase buys cover. The contract counts the timeout in whole minutes.
func (in *Insurance) Purchase(ctx context.Context, c [32]byte, provider common.Address, amount, fee *big.Int, timeout time.Duration) error {
	minutes := int64(timeout / time.Minute)
	if minutes <= 0 {
		return insurance.ErrInvalidTimeout
	}
	r, err := in.c.transact(ctx, in.bc, 0, "purchaseInsurance", c, provider, amount, fee, big.NewInt(minutes))
	if err != nil {
		return err
	}
	in.logReceipt("purchaseInsurance", c, r)
	return nil
}

func (in *Insurance) Confirm(ctx context.Context, c [32]byte, signature []byte) error {
	r, err := in.c.transact(ctx, in.bc, 0, "confirmService", c, signature)
	if err != nil {
		return err
	}
	in.logReceipt("confirmService", c, r)
	return nil
}

func (in *Insurance) CanClaim(ctx context.Context, c [32]byte) (bool, error) {
	return callBool(ctx, in.bc, "canClaimInsurance", c)
}

func (in *Insurance) Claim(ctx context.Context, c [32]byte) error {
	r, err := in.c.transact(ctx, in.bc, 0, "claimInsurance", c)
	if err != nil {
		return err
	}
	in.logReceipt("claimInsurance", c, r)
	return nil
}

// Policy reads getClaimDetails. An empty record is reported as
// insurance.ErrPolicyNotFound.
func (in *Insurance) Policy(ctx context.Context, c [32]byte) (*insurance.Policy, error) {
	out, err := call(ctx, in.bc, "getClaimDetails", c)
	if err != nil {
		return nil, err
	}
	client := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	if client == (common.Address{}) {
		return nil, insurance.ErrPolicyNotFound
	}
	deadline := *abi.ConvertType(out[4], new(*big.Int)).(**big.Int)
	return &insurance.Policy{
		Commitment: c,
		Client:     client,
		Provider:   *abi.ConvertType(out[1], new(common.Address)).(*common.Address),
		Amount:     *abi.ConvertType(out[2], new(*big.Int)).(**big.Int),
		Fee:        *abi.ConvertType(out[3], new(*big.Int)).(**big.Int),
		Deadline:   time.Unix(deadline.Int64(), 0),
		Status:     insurance.Status(*abi.ConvertType(out[5], new(uint8)).(*uint8)),
	}, nil
}

func (in *Insurance) ProviderStats(ctx context.Context, provider common.Address) (*insurance.ProviderStats, error) {
	out, err := call(ctx, in.bc, "getProviderStats", provider)
	if err != nil {
		return nil, err
	}
	return &insurance.ProviderStats{
		BondBalance: *abi.ConvertType(out[0], new(*big.Int)).(**big.Int),
		MinBond:     *abi.ConvertType(out[1], new(*big.Int)).(**big.Int),
		Healthy:     *abi.ConvertType(out[2], new(bool)).(*bool),
	}, nil
}

func (in *Insurance) logReceipt(method string, c [32]byte, r *Receipt) {
	in.c.log.Info("insurance tx mined",
		zap.String("method", method),
		zap.String("commitment", commitment.Hex(c)),
		zap.String("tx", r.TxHash.Hex()),
		zap.Uint64("block", r.BlockNumber),
		zap.Uint64("gas_used", r.GasUsed),
	)
}
