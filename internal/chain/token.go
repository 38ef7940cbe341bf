package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Token is an ERC-20 payment asset.
type Token struct {
	c    *Client
	addr common.Address
	bc   *bind.BoundContract
}

func (c *Client) Token(addr common.Address) *Token {
	return &Token{c: c, addr: addr, bc: c.boundContract(addr, erc20ABI)}
}

func (t *Token) Address() common.Address { return t.addr }

func (t *Token) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	return callUint(ctx, t.bc, "balanceOf", account)
}

func (t *Token) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return callUint(ctx, t.bc, "allowance", owner, spender)
}

func (t *Token) Decimals(ctx context.Context) (uint8, error) {
	out, err := call(ctx, t.bc, "decimals")
	if err != nil {
		return 0, err
	}
	return *abi.ConvertType(out[0], new(uint8)).(*uint8), nil
}

// EnsureAllowance approves spender for amount if the current allowance is
// lower. It returns nil, nil when no transaction was needed.
func (t *Token) EnsureAllowance(ctx context.Context, spender common.Address, amount *big.Int) (*Receipt, error) {
	cur, err := t.Allowance(ctx, t.c.from, spender)
	if err != nil {
		return nil, err
	}
	if cur.Cmp(amount) >= 0 {
		return nil, nil
	}
	return t.c.transact(ctx, t.bc, 0, "approve", spender, amount)
}
