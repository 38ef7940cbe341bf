package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/x402-guard/internal/voucher"
)

// PendingPayment is the escrow's record of a timeout-refundable payment.
type PendingPayment struct {
	Client    common.Address
	Amount    *big.Int
	Deadline  time.Time
	Completed bool
	Refunded  bool
}

// Settled reports whether the payment can no longer be refunded.
func (p *PendingPayment) Settled() bool { return p.Completed || p.Refunded }

// Escrow is a handle on one BondedEscrow deployment.
type Escrow struct {
	c    *Client
	addr common.Address
	bc   *bind.BoundContract
}

// Escrow binds the BondedEscrow deployed at addr.
func (c *Client) Escrow(addr common.Address) *Escrow {
	return &Escrow{c: c, addr: addr, bc: c.boundContract(addr, escrowABI)}
}

func (e *Escrow) Address() common.Address { return e.addr }

func (e *Escrow) IsHealthy(ctx context.Context) (bool, error) {
	return callBool(ctx, e.bc, "isHealthy")
}

func (e *Escrow) BondBalance(ctx context.Context) (*big.Int, error) {
	return callUint(ctx, e.bc, "getBondBalance")
}

func (e *Escrow) MinBond(ctx context.Context) (*big.Int, error) {
	return callUint(ctx, e.bc, "minBond")
}

// Provider returns the address whose refund signatures the escrow honours.
func (e *Escrow) Provider(ctx context.Context) (common.Address, error) {
	out, err := call(ctx, e.bc, "provider")
	if err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func (e *Escrow) CommitmentSettled(ctx context.Context, commitment [32]byte) (bool, error) {
	return callBool(ctx, e.bc, "commitmentSettled", commitment)
}

func (e *Escrow) PendingPayment(ctx context.Context, commitment [32]byte) (*PendingPayment, error) {
	out, err := call(ctx, e.bc, "pendingPayments", commitment)
	if err != nil {
		return nil, err
	}
	deadline := *abi.ConvertType(out[2], new(*big.Int)).(**big.Int)
	return &PendingPayment{
		Client:    *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		Amount:    *abi.ConvertType(out[1], new(*big.Int)).(**big.Int),
		Deadline:  time.Unix(deadline.Int64(), 0),
		Completed: *abi.ConvertType(out[3], new(bool)).(*bool),
		Refunded:  *abi.ConvertType(out[4], new(bool)).(*bool),
	}, nil
}

// ClaimRefund redeems a provider-signed refund from the client's own account.
func (e *Escrow) ClaimRefund(ctx context.Context, commitment [32]byte, amount *big.Int, signature []byte) (*Receipt, error) {
	return e.c.transact(ctx, e.bc, 0, "claimRefund", commitment, amount, signature)
}

func metaArgs(m *voucher.MetaRefund, providerSig []byte) []any {
	return []any{m.RequestCommitment, m.Amount, m.Client, m.Deadline, m.Signature, providerSig}
}

// EstimateMetaClaimRefund returns the node's gas estimate for relaying m.
func (e *Escrow) EstimateMetaClaimRefund(ctx context.Context, m *voucher.MetaRefund, providerSig []byte) (uint64, error) {
	data, err := escrowABI.Pack("metaClaimRefund", metaArgs(m, providerSig)...)
	if err != nil {
		return 0, fmt.Errorf("pack metaClaimRefund: %w", err)
	}
	gas, err := e.c.eth.EstimateGas(ctx, ethereum.CallMsg{From: e.c.from, To: &e.addr, Data: data})
	if err != nil {
		return 0, fmt.Errorf("estimate metaClaimRefund: %w", err)
	}
	return gas, nil
}

// MetaClaimRefund submits m for the client. Gas is paid by the key this
// Client transacts with, the relayer's key when run by the relay.
func (e *Escrow) MetaClaimRefund(ctx context.Context, m *voucher.MetaRefund, providerSig []byte, gasLimit uint64) (*Receipt, error) {
	return e.c.transact(ctx, e.bc, gasLimit, "metaClaimRefund", metaArgs(m, providerSig)...)
}

// ClaimTimeoutRefund refunds an expired pending payment.
func (e *Escrow) ClaimTimeoutRefund(ctx context.Context, commitment [32]byte) (*Receipt, error) {
	return e.c.transact(ctx, e.bc, 0, "claimTimeoutRefund", commitment)
}
