package refund

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-guard/internal/chain"
	"github.com/0gfoundation/x402-guard/internal/commitment"
	"github.com/0gfoundation/x402-guard/internal/relay"
	"github.com/0gfoundation/x402-guard/internal/voucher"
)

// ── fake escrow ───────────────────────────────────────────────────────────────

// fakeEscrow models the escrow refund ledger. A claim must carry the
// provider signature and pays out at most once per commitment.
type fakeEscrow struct {
	mu         sync.Mutex
	provider   common.Address
	caller     common.Address
	settled    map[[32]byte]bool
	balances   map[common.Address]*big.Int
	calls      int
	claims     int
	settleOnTx bool // mark settled but fail, as when a concurrent tx wins
	healthy    bool
}

func newFakeEscrow(provider, caller common.Address) *fakeEscrow {
	return &fakeEscrow{
		provider: provider,
		caller:   caller,
		settled:  map[[32]byte]bool{},
		balances: map[common.Address]*big.Int{},
		healthy:  true,
	}
}

func (f *fakeEscrow) Address() common.Address { return testEscrow }

func (f *fakeEscrow) Provider(context.Context) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.provider, nil
}

func (f *fakeEscrow) CommitmentSettled(_ context.Context, c [32]byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.settled[c], nil
}

func (f *fakeEscrow) ClaimRefund(_ context.Context, c [32]byte, amount *big.Int, sig []byte) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.settleOnTx {
		f.settled[c] = true
		return nil, chain.ErrReverted
	}
	if f.settled[c] {
		return nil, chain.ErrReverted
	}
	signer, err := voucher.RecoverRefundClaim(&voucher.RefundClaim{RequestCommitment: c, Amount: amount, Signature: sig}, testDomain)
	if err != nil || signer != f.provider {
		return nil, chain.ErrReverted
	}
	f.settled[c] = true
	f.claims++
	f.credit(f.caller, amount)
	return &chain.Receipt{TxHash: common.HexToHash("0x01"), BlockNumber: 9, GasUsed: 60_000, GasCost: big.NewInt(1)}, nil
}

func (f *fakeEscrow) credit(who common.Address, v *big.Int) {
	b, ok := f.balances[who]
	if !ok {
		b = new(big.Int)
		f.balances[who] = b
	}
	b.Add(b, v)
}

func (f *fakeEscrow) balance(who common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[who]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (f *fakeEscrow) IsHealthy(context.Context) (bool, error)      { return f.healthy, nil }
func (f *fakeEscrow) BondBalance(context.Context) (*big.Int, error) { return big.NewInt(5_000_000), nil }
func (f *fakeEscrow) MinBond(context.Context) (*big.Int, error)     { return big.NewInt(1_000_000), nil }

// issue runs the server side: sign a refund for req and wrap it the way the
// resource server does.
func issue(t *testing.T, req Request) *FailureResponse {
	t.Helper()
	is := NewIssuer(mustSigner(t, providerKeyHex), testDomain, nil, zap.NewNop())
	out, err := is.Issue(context.Background(), req)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return &FailureResponse{
		Success:           false,
		Code:              CodeInternalError,
		Message:           "Service temporarily unavailable",
		RequestCommitment: commitment.Hex(out.Commitment),
		Refund:            out.Authorization(),
	}
}

func newClaimerFixture(t *testing.T) (*Claimer, *fakeEscrow, *voucher.KeySigner) {
	t.Helper()
	provider := mustSigner(t, providerKeyHex)
	client := mustSigner(t, clientKeyHex)
	esc := newFakeEscrow(provider.Address(), client.Address())
	return NewClaimer(esc, client, testDomain, nil, zap.NewNop()), esc, client
}

// ── Claim ─────────────────────────────────────────────────────────────────────

// TestClaim_RestoresBalance: client pays 10000, server fails and signs a
// refund, client redeems it; the client ends where it started.
func TestClaim_RestoresBalance(t *testing.T) {
	cl, esc, client := newClaimerFixture(t)
	esc.balances[client.Address()] = big.NewInt(1_000_000)
	esc.balances[client.Address()].Sub(esc.balances[client.Address()], big.NewInt(10_000)) // payment

	req := failReq(t)
	res, err := cl.Claim(context.Background(), req, issue(t, req))
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if res.AlreadySettled || res.Amount.Int64() != 10_000 || res.TxHash == "" {
		t.Errorf("result: %+v", res)
	}
	if got := esc.balance(client.Address()); got.Int64() != 1_000_000 {
		t.Errorf("balance after refund: got %s want 1000000", got)
	}
}

func TestClaim_DoubleRedemptionOnce(t *testing.T) {
	cl, esc, client := newClaimerFixture(t)
	req := failReq(t)
	resp := issue(t, req)

	first, err := cl.Claim(context.Background(), req, resp)
	if err != nil || first.AlreadySettled {
		t.Fatalf("first claim: %+v %v", first, err)
	}
	second, err := cl.Claim(context.Background(), req, resp)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if !second.AlreadySettled {
		t.Error("second claim should report AlreadySettled")
	}
	if esc.claims != 1 {
		t.Errorf("escrow paid %d times, want 1", esc.claims)
	}
	if got := esc.balance(client.Address()); got.Int64() != 10_000 {
		t.Errorf("credited %s, want 10000", got)
	}
}

func TestClaim_ConcurrentRedemptions(t *testing.T) {
	cl, esc, _ := newClaimerFixture(t)
	req := failReq(t)
	resp := issue(t, req)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cl.Claim(context.Background(), req, resp); err != nil {
				t.Errorf("Claim: %v", err)
			}
		}()
	}
	wg.Wait()
	if esc.claims != 1 {
		t.Errorf("escrow paid %d times, want 1", esc.claims)
	}
}

func TestClaim_LostRaceIsSettled(t *testing.T) {
	cl, esc, _ := newClaimerFixture(t)
	esc.settleOnTx = true
	req := failReq(t)

	res, err := cl.Claim(context.Background(), req, issue(t, req))
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !res.AlreadySettled {
		t.Error("revert after concurrent settlement should report AlreadySettled")
	}
}

func TestClaim_CommitmentMismatchAbortsBeforeEscrow(t *testing.T) {
	cl, esc, _ := newClaimerFixture(t)
	req := failReq(t)
	resp := issue(t, req)

	// The client recomputes over what it actually sent; a different URL
	// (or header) yields a different commitment.
	tampered := req
	tampered.URL = "http://localhost:4000/fail?x=1"

	_, err := cl.Claim(context.Background(), tampered, resp)
	if !errors.Is(err, ErrCommitmentMismatch) {
		t.Fatalf("expected ErrCommitmentMismatch, got %v", err)
	}
	if esc.calls != 0 {
		t.Errorf("escrow called %d times before mismatch abort", esc.calls)
	}
}

func TestClaim_WrongSigner(t *testing.T) {
	cl, esc, _ := newClaimerFixture(t)
	esc.provider = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	req := failReq(t)

	_, err := cl.Claim(context.Background(), req, issue(t, req))
	if !errors.Is(err, ErrWrongSigner) {
		t.Fatalf("expected ErrWrongSigner, got %v", err)
	}
	if esc.claims != 0 {
		t.Error("refund must not be submitted")
	}
}

func TestVerify_NoRefund(t *testing.T) {
	cl, _, _ := newClaimerFixture(t)
	req := failReq(t)
	resp := issue(t, req)
	resp.Refund = nil
	if _, err := cl.Verify(req, resp); !errors.Is(err, ErrNoRefund) {
		t.Fatalf("expected ErrNoRefund, got %v", err)
	}
}

func TestVerify_OversizedAmount(t *testing.T) {
	cl, escrow, _ := newClaimerFixture(t)
	req := failReq(t)
	resp := issue(t, req)
	resp.Refund.Amount = new(big.Int).Lsh(big.NewInt(1), 256).String()

	if _, err := cl.Verify(req, resp); !errors.Is(err, ErrNoRefund) {
		t.Fatalf("expected ErrNoRefund, got %v", err)
	}
	if _, err := cl.Claim(context.Background(), req, resp); !errors.Is(err, ErrNoRefund) {
		t.Fatalf("claim: expected ErrNoRefund, got %v", err)
	}
	if n := escrow.calls; n != 0 {
		t.Errorf("expected no escrow calls, got %d", n)
	}
}

// ── Relay ─────────────────────────────────────────────────────────────────────

type fakeRelay struct {
	mu       sync.Mutex
	refunds  []*relay.RefundRequest
	timeouts []*relay.TimeoutRequest
	resp     *relay.Response
}

func (f *fakeRelay) RelayRefund(_ context.Context, req *relay.RefundRequest) (*relay.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, req)
	return f.resp, nil
}

func (f *fakeRelay) RelayTimeoutRefund(_ context.Context, req *relay.TimeoutRequest) (*relay.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeouts = append(f.timeouts, req)
	return f.resp, nil
}

func TestClaimViaRelay_SignsMetaRefund(t *testing.T) {
	_, esc, client := newClaimerFixture(t)
	fr := &fakeRelay{resp: &relay.Response{Success: true, TxHash: "0xabc", BlockNumber: 12}}
	cl := NewClaimer(esc, client, testDomain, fr, zap.NewNop())
	now := time.Unix(1_700_000_000, 0)
	cl.now = func() time.Time { return now }

	req := failReq(t)
	res, err := cl.ClaimViaRelay(context.Background(), req, issue(t, req))
	if err != nil {
		t.Fatalf("ClaimViaRelay: %v", err)
	}
	if res.TxHash != "0xabc" {
		t.Errorf("tx: %s", res.TxHash)
	}
	if len(fr.refunds) != 1 {
		t.Fatalf("relay got %d requests", len(fr.refunds))
	}
	sent := fr.refunds[0]
	if sent.Deadline != now.Add(DefaultMetaTTL).Unix() {
		t.Errorf("deadline: %d", sent.Deadline)
	}
	if sent.EscrowAddress != testEscrow.Hex() || sent.Client != client.Address().Hex() {
		t.Errorf("addresses: %+v", sent)
	}

	c, _ := commitment.Parse(sent.RequestCommitment)
	sig, _ := hexutil.Decode(sent.ClientSignature)
	m := &voucher.MetaRefund{
		RequestCommitment: c,
		Amount:            big.NewInt(10_000),
		Client:            client.Address(),
		Deadline:          big.NewInt(sent.Deadline),
		Signature:         sig,
	}
	got, err := voucher.RecoverMetaRefund(m, testDomain)
	if err != nil || got != client.Address() {
		t.Errorf("meta refund signer: %s %v", got.Hex(), err)
	}
}

func TestClaimViaRelay_AlreadySettled(t *testing.T) {
	_, esc, client := newClaimerFixture(t)
	fr := &fakeRelay{resp: &relay.Response{Success: false, Error: "Request already settled", Reason: relay.ReasonAlreadySettled}}
	cl := NewClaimer(esc, client, testDomain, fr, zap.NewNop())
	req := failReq(t)

	res, err := cl.ClaimViaRelay(context.Background(), req, issue(t, req))
	if err != nil || !res.AlreadySettled {
		t.Fatalf("got %+v %v", res, err)
	}
}

func TestClaimViaRelay_NoRelay(t *testing.T) {
	cl, _, _ := newClaimerFixture(t)
	req := failReq(t)
	if _, err := cl.ClaimViaRelay(context.Background(), req, issue(t, req)); !errors.Is(err, ErrNoRelay) {
		t.Fatalf("expected ErrNoRelay, got %v", err)
	}
}

func TestClaimTimeout_NotExpired(t *testing.T) {
	_, esc, client := newClaimerFixture(t)
	left := int64(42)
	fr := &fakeRelay{resp: &relay.Response{Success: false, Error: "Payment not yet expired", Reason: relay.ReasonNotExpired, TimeLeft: &left}}
	cl := NewClaimer(esc, client, testDomain, fr, zap.NewNop())

	_, err := cl.ClaimTimeout(context.Background(), [32]byte{1})
	var ne *NotExpiredError
	if !errors.As(err, &ne) || !errors.Is(err, ErrNotExpired) {
		t.Fatalf("expected NotExpiredError, got %v", err)
	}
	if ne.TimeLeft != 42*time.Second {
		t.Errorf("time left: %s", ne.TimeLeft)
	}
	if fr.timeouts[0].ClientSignature == "" {
		t.Error("timeout request must carry a client signature")
	}
}

func TestClaimTimeout_Success(t *testing.T) {
	_, esc, client := newClaimerFixture(t)
	fr := &fakeRelay{resp: &relay.Response{Success: true, TxHash: "0xdef", BlockNumber: 3}}
	cl := NewClaimer(esc, client, testDomain, fr, zap.NewNop())

	res, err := cl.ClaimTimeout(context.Background(), [32]byte{1})
	if err != nil || res.TxHash != "0xdef" {
		t.Fatalf("got %+v %v", res, err)
	}
}

// ── Health ────────────────────────────────────────────────────────────────────

func TestCheckEscrowHealth(t *testing.T) {
	_, esc, _ := newClaimerFixture(t)
	h, err := CheckEscrowHealth(context.Background(), esc)
	if err != nil || !h.Healthy || h.BondBalance.Int64() != 5_000_000 {
		t.Fatalf("healthy: %+v %v", h, err)
	}

	esc.healthy = false
	h, err = CheckEscrowHealth(context.Background(), esc)
	if !errors.Is(err, ErrEscrowUnhealthy) || h == nil {
		t.Fatalf("unhealthy: %+v %v", h, err)
	}
}
