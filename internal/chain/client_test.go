package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-guard/internal/insurance"
	"github.com/0gfoundation/x402-guard/internal/voucher"
)

// ── fake backend ─────────────────────────────────────────────────────────────

// fakeBackend answers view calls from canned ABI outputs and mines every
// submitted transaction immediately.
type fakeBackend struct {
	mu        sync.Mutex
	abi       abi.ABI
	outputs   map[string][]any
	calls     []string
	sent      []*types.Transaction
	estimates int
	status    uint64
}

func newFakeBackend(parsed abi.ABI) *fakeBackend {
	return &fakeBackend{abi: parsed, outputs: map[string][]any{}, status: types.ReceiptStatusSuccessful}
}

func (f *fakeBackend) set(method string, vals ...any) { f.outputs[method] = vals }

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	m, err := f.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, m.Name)
	f.mu.Unlock()
	vals, ok := f.outputs[m.Name]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return m.Outputs.Pack(vals...)
}

func (f *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}
func (f *fakeBackend) PendingCodeAt(context.Context, common.Address) ([]byte, error) {
	return []byte{0x60}, nil
}
func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(7), BaseFee: big.NewInt(1_000_000_000)}, nil
}
func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 0, nil }
func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}
func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (f *fakeBackend) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.estimates++
	return 100_000, nil
}
func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}
func (f *fakeBackend) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}
func (f *fakeBackend) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("not supported")
}
func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	return &types.Receipt{
		Status:            f.status,
		TxHash:            h,
		GasUsed:           42_000,
		EffectiveGasPrice: big.NewInt(2_000_000_000),
		BlockNumber:       big.NewInt(8),
	}, nil
}
func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(1e18), nil
}
func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return 8, nil }

var (
	testChainID = big.NewInt(84532)
	escrowAddr  = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	commit      = crypto.Keccak256Hash([]byte("commitment"))
)

func newTestClient(t *testing.T, b Backend) *Client {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return NewClient(b, testChainID, key, zap.NewNop())
}

// ── Escrow views ─────────────────────────────────────────────────────────────

func TestEscrow_Views(t *testing.T) {
	fb := newFakeBackend(escrowABI)
	provider := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	fb.set("isHealthy", true)
	fb.set("getBondBalance", big.NewInt(5_000_000))
	fb.set("minBond", big.NewInt(1_000_000))
	fb.set("provider", provider)
	fb.set("commitmentSettled", true)
	fb.set("pendingPayments", provider, big.NewInt(10_000), big.NewInt(1_700_000_000), false, true)

	e := newTestClient(t, fb).Escrow(escrowAddr)
	ctx := context.Background()

	if ok, err := e.IsHealthy(ctx); err != nil || !ok {
		t.Errorf("IsHealthy: %v %v", ok, err)
	}
	if b, err := e.BondBalance(ctx); err != nil || b.Int64() != 5_000_000 {
		t.Errorf("BondBalance: %v %v", b, err)
	}
	if m, err := e.MinBond(ctx); err != nil || m.Int64() != 1_000_000 {
		t.Errorf("MinBond: %v %v", m, err)
	}
	if p, err := e.Provider(ctx); err != nil || p != provider {
		t.Errorf("Provider: %v %v", p, err)
	}
	if s, err := e.CommitmentSettled(ctx, commit); err != nil || !s {
		t.Errorf("CommitmentSettled: %v %v", s, err)
	}
	pp, err := e.PendingPayment(ctx, commit)
	if err != nil {
		t.Fatalf("PendingPayment: %v", err)
	}
	if !pp.Refunded || pp.Completed || !pp.Settled() {
		t.Errorf("flags: %+v", pp)
	}
	if !pp.Deadline.Equal(time.Unix(1_700_000_000, 0)) {
		t.Errorf("deadline: %v", pp.Deadline)
	}
}

// ── Escrow transactions ──────────────────────────────────────────────────────

func TestEscrow_MetaClaimRefund(t *testing.T) {
	fb := newFakeBackend(escrowABI)
	c := newTestClient(t, fb)
	e := c.Escrow(escrowAddr)

	m := &voucher.MetaRefund{
		RequestCommitment: commit,
		Amount:            big.NewInt(10_000),
		Client:            common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Deadline:          big.NewInt(1_700_000_600),
		Signature:         make([]byte, 65),
	}
	gas, err := e.EstimateMetaClaimRefund(context.Background(), m, make([]byte, 65))
	if err != nil || gas != 100_000 {
		t.Fatalf("estimate: %d %v", gas, err)
	}

	r, err := e.MetaClaimRefund(context.Background(), m, make([]byte, 65), 120_000)
	if err != nil {
		t.Fatalf("MetaClaimRefund: %v", err)
	}
	if len(fb.sent) != 1 {
		t.Fatalf("sent %d txs", len(fb.sent))
	}
	tx := fb.sent[0]
	if tx.Gas() != 120_000 {
		t.Errorf("gas limit: got %d want 120000", tx.Gas())
	}
	if *tx.To() != escrowAddr {
		t.Errorf("to: %s", tx.To().Hex())
	}
	method, err := escrowABI.MethodById(tx.Data()[:4])
	if err != nil || method.Name != "metaClaimRefund" {
		t.Errorf("method: %v %v", method, err)
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatal(err)
	}
	if got := args[2].(common.Address); got != m.Client {
		t.Errorf("client arg: %s", got.Hex())
	}
	if r.GasUsed != 42_000 || r.GasCost.String() != "84000000000000" || r.BlockNumber != 8 {
		t.Errorf("receipt: %+v", r)
	}
}

func TestEscrow_Reverted(t *testing.T) {
	fb := newFakeBackend(escrowABI)
	fb.status = types.ReceiptStatusFailed
	e := newTestClient(t, fb).Escrow(escrowAddr)

	r, err := e.ClaimTimeoutRefund(context.Background(), commit)
	if !errors.Is(err, ErrReverted) {
		t.Fatalf("expected ErrReverted, got %v", err)
	}
	if r == nil || r.GasUsed != 42_000 {
		t.Errorf("reverted receipt should still report gas: %+v", r)
	}
}

func TestClient_ReadOnly(t *testing.T) {
	fb := newFakeBackend(escrowABI)
	c := NewClient(fb, testChainID, nil, zap.NewNop())
	_, err := c.Escrow(escrowAddr).ClaimRefund(context.Background(), commit, big.NewInt(1), make([]byte, 65))
	if !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
	if len(fb.sent) != 0 {
		t.Error("read-only client must not send")
	}
}

// ── Insurance ────────────────────────────────────────────────────────────────

func TestInsurance_Policy(t *testing.T) {
	fb := newFakeBackend(insuranceABI)
	client := common.HexToAddress("0x1111111111111111111111111111111111111111")
	provider := common.HexToAddress("0x2222222222222222222222222222222222222222")
	fb.set("getClaimDetails", client, provider, big.NewInt(10_000), big.NewInt(100), big.NewInt(1_700_000_060), uint8(1), big.NewInt(0))
	fb.set("canClaimInsurance", false)
	fb.set("getProviderStats", big.NewInt(10), big.NewInt(20), false)

	in := newTestClient(t, fb).Insurance(common.HexToAddress("0x3333333333333333333333333333333333333333"))
	ctx := context.Background()

	p, err := in.Policy(ctx, commit)
	if err != nil {
		t.Fatalf("Policy: %v", err)
	}
	if p.Status != insurance.StatusConfirmed || p.Payout().Int64() != 10_100 || p.Provider != provider {
		t.Errorf("policy: %+v", p)
	}
	if ok, err := in.CanClaim(ctx, commit); err != nil || ok {
		t.Errorf("CanClaim: %v %v", ok, err)
	}
	s, err := in.ProviderStats(ctx, provider)
	if err != nil || s.Healthy || s.MinBond.Int64() != 20 {
		t.Errorf("ProviderStats: %+v %v", s, err)
	}
}

func TestInsurance_PolicyNotFound(t *testing.T) {
	fb := newFakeBackend(insuranceABI)
	fb.set("getClaimDetails", common.Address{}, common.Address{}, big.NewInt(0), big.NewInt(0), big.NewInt(0), uint8(0), big.NewInt(0))
	in := newTestClient(t, fb).Insurance(common.Address{})
	if _, err := in.Policy(context.Background(), commit); !errors.Is(err, insurance.ErrPolicyNotFound) {
		t.Fatalf("expected ErrPolicyNotFound, got %v", err)
	}
}

func TestInsurance_PurchaseWholeMinutes(t *testing.T) {
	fb := newFakeBackend(insuranceABI)
	in := newTestClient(t, fb).Insurance(common.Address{})
	ctx := context.Background()

	if err := in.Purchase(ctx, commit, common.Address{}, big.NewInt(1), big.NewInt(1), 30*time.Second); !errors.Is(err, insurance.ErrInvalidTimeout) {
		t.Fatalf("sub-minute timeout: %v", err)
	}
	if err := in.Purchase(ctx, commit, common.Address{}, big.NewInt(10_000), big.NewInt(100), 5*time.Minute); err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	args, err := insuranceABI.Methods["purchaseInsurance"].Inputs.Unpack(fb.sent[0].Data()[4:])
	if err != nil {
		t.Fatal(err)
	}
	if args[4].(*big.Int).Int64() != 5 {
		t.Errorf("timeoutMinutes: %v", args[4])
	}
}

// ── units ────────────────────────────────────────────────────────────────────

func TestFormatUnits(t *testing.T) {
	if got := FormatUnits(big.NewInt(10_000), 6); got != "0.01" {
		t.Errorf("usdc: %s", got)
	}
	if got := FormatEther(big.NewInt(84_000_000_000_000)); got != "0.000084" {
		t.Errorf("ether: %s", got)
	}
	if got := FormatEther(nil); got != "0" {
		t.Errorf("nil: %s", got)
	}
}
