package refund

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-guard/internal/chain"
	"github.com/0gfoundation/x402-guard/internal/commitment"
	"github.com/0gfoundation/x402-guard/internal/relay"
	"github.com/0gfoundation/x402-guard/internal/voucher"
)

// DefaultMetaTTL bounds how long a relayed refund signature stays valid.
const DefaultMetaTTL = 10 * time.Minute

var (
	// ErrCommitmentMismatch means the server's commitment does not match the
	// request the client actually sent. The refund must not be redeemed.
	ErrCommitmentMismatch = errors.New("request commitment mismatch")
	ErrNoRefund           = errors.New("response carries no refund authorization")
	ErrWrongSigner        = errors.New("refund not signed by escrow provider")
	ErrNoRelay            = errors.New("no relay configured")
	ErrNotExpired         = errors.New("payment not yet expired")
)

// Escrow is the part of the bonded escrow the claimer reads and writes.
type Escrow interface {
	Address() common.Address
	Provider(ctx context.Context) (common.Address, error)
	CommitmentSettled(ctx context.Context, c [32]byte) (bool, error)
	ClaimRefund(ctx context.Context, c [32]byte, amount *big.Int, signature []byte) (*chain.Receipt, error)
}

// Relay submits meta-transactions on the client's behalf.
type Relay interface {
	RelayRefund(ctx context.Context, req *relay.RefundRequest) (*relay.Response, error)
	RelayTimeoutRefund(ctx context.Context, req *relay.TimeoutRequest) (*relay.Response, error)
}

// Result describes a redemption.
type Result struct {
	Commitment     [32]byte
	Amount         *big.Int
	Signature      []byte
	AlreadySettled bool
	TxHash         string
	BlockNumber    uint64
	GasUsed        uint64
}

// NotExpiredError carries the wait before a timeout refund becomes possible.
type NotExpiredError struct{ TimeLeft time.Duration }

func (e *NotExpiredError) Error() string {
	return fmt.Sprintf("payment not yet expired: %s left", e.TimeLeft)
}

func (e *NotExpiredError) Unwrap() error { return ErrNotExpired }

// Claimer redeems refund authorizations for the client.
type Claimer struct {
	escrow Escrow
	signer voucher.Signer
	domain voucher.Domain
	relay  Relay
	log    *zap.Logger
	now    func() time.Time
	ttl    time.Duration
}

// NewClaimer builds a Claimer. relay may be nil when only direct claims are used.
func NewClaimer(escrow Escrow, signer voucher.Signer, domain voucher.Domain, relay Relay, log *zap.Logger) *Claimer {
	return &Claimer{
		escrow: escrow,
		signer: signer,
		domain: domain,
		relay:  relay,
		log:    log,
		now:    time.Now,
		ttl:    DefaultMetaTTL,
	}
}

// Verify checks resp against the request the client sent and returns the
// decoded refund claim. It makes no chain calls.
func (cl *Claimer) Verify(sent Request, resp *FailureResponse) (*voucher.RefundClaim, error) {
	expected := commitment.Compute(sent.Method, sent.URL, sent.PaymentHeader, commitment.DefaultWindow)
	got, err := commitment.Parse(resp.RequestCommitment)
	if err != nil || got != expected {
		cl.log.Error("request commitment mismatch",
			zap.String("expected", commitment.Hex(expected)),
			zap.String("received", resp.RequestCommitment),
		)
		return nil, ErrCommitmentMismatch
	}
	if resp.Refund == nil {
		return nil, ErrNoRefund
	}
	amount, ok := new(big.Int).SetString(resp.Refund.Amount, 10)
	if !ok || amount.Sign() <= 0 || voucher.CheckUint256(amount) != nil {
		return nil, fmt.Errorf("%w: bad amount %q", ErrNoRefund, resp.Refund.Amount)
	}
	sig, err := hexutil.Decode(resp.Refund.Signature)
	if err != nil || len(sig) != 65 {
		return nil, fmt.Errorf("%w: bad signature", ErrNoRefund)
	}
	return &voucher.RefundClaim{RequestCommitment: expected, Amount: amount, Signature: sig}, nil
}

// checkSigner confirms the refund was signed by the escrow's provider.
func (cl *Claimer) checkSigner(ctx context.Context, claim *voucher.RefundClaim) error {
	provider, err := cl.escrow.Provider(ctx)
	if err != nil {
		return fmt.Errorf("escrow provider: %w", err)
	}
	signer, err := voucher.RecoverRefundClaim(claim, cl.domain)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrongSigner, err)
	}
	if signer != provider {
		return fmt.Errorf("%w: signed by %s, provider is %s", ErrWrongSigner, signer.Hex(), provider.Hex())
	}
	return nil
}

// Claim verifies resp and redeems it from the client's own account.
// A commitment the escrow already settled yields AlreadySettled, not an error.
func (cl *Claimer) Claim(ctx context.Context, sent Request, resp *FailureResponse) (*Result, error) {
	claim, err := cl.Verify(sent, resp)
	if err != nil {
		return nil, err
	}
	if err := cl.checkSigner(ctx, claim); err != nil {
		return nil, err
	}
	res := &Result{Commitment: claim.RequestCommitment, Amount: claim.Amount, Signature: claim.Signature}

	settled, err := cl.escrow.CommitmentSettled(ctx, claim.RequestCommitment)
	if err != nil {
		return nil, fmt.Errorf("commitment settled: %w", err)
	}
	if settled {
		res.AlreadySettled = true
		return res, nil
	}

	r, err := cl.escrow.ClaimRefund(ctx, claim.RequestCommitment, claim.Amount, claim.Signature)
	if err != nil {
		// A concurrent claim may have won; the escrow's record decides.
		if s, serr := cl.escrow.CommitmentSettled(ctx, claim.RequestCommitment); serr == nil && s {
			cl.log.Info("refund settled concurrently", zap.String("commitment", commitment.Hex(claim.RequestCommitment)))
			res.AlreadySettled = true
			return res, nil
		}
		return nil, fmt.Errorf("claim refund: %w", err)
	}
	res.TxHash = r.TxHash.Hex()
	res.BlockNumber = r.BlockNumber
	res.GasUsed = r.GasUsed
	cl.log.Info("refund claimed",
		zap.String("commitment", commitment.Hex(claim.RequestCommitment)),
		zap.String("amount", claim.Amount.String()),
		zap.String("tx", res.TxHash),
	)
	return res, nil
}

// ClaimViaRelay verifies resp, signs a MetaRefund and hands it to the relay,
// which pays the gas.
func (cl *Claimer) ClaimViaRelay(ctx context.Context, sent Request, resp *FailureResponse) (*Result, error) {
	if cl.relay == nil {
		return nil, ErrNoRelay
	}
	claim, err := cl.Verify(sent, resp)
	if err != nil {
		return nil, err
	}
	if err := cl.checkSigner(ctx, claim); err != nil {
		return nil, err
	}

	m := &voucher.MetaRefund{
		RequestCommitment: claim.RequestCommitment,
		Amount:            claim.Amount,
		Client:            cl.signer.Address(),
		Deadline:          big.NewInt(cl.now().Add(cl.ttl).Unix()),
	}
	if err := voucher.SignMetaRefund(m, cl.signer, cl.domain); err != nil {
		return nil, fmt.Errorf("sign meta refund: %w", err)
	}

	out, err := cl.relay.RelayRefund(ctx, &relay.RefundRequest{
		EscrowAddress:     cl.escrow.Address().Hex(),
		RequestCommitment: commitment.Hex(m.RequestCommitment),
		Amount:            m.Amount.String(),
		Client:            m.Client.Hex(),
		Deadline:          m.Deadline.Int64(),
		ClientSignature:   hexutil.Encode(m.Signature),
		ServerSignature:   hexutil.Encode(claim.Signature),
	})
	res := &Result{Commitment: claim.RequestCommitment, Amount: claim.Amount, Signature: claim.Signature}
	if err != nil {
		return nil, fmt.Errorf("relay refund: %w", err)
	}
	if !out.Success {
		if out.Reason == relay.ReasonAlreadySettled {
			res.AlreadySettled = true
			return res, nil
		}
		return nil, fmt.Errorf("relay refund rejected: %s", out.Error)
	}
	res.TxHash = out.TxHash
	res.BlockNumber = out.BlockNumber
	cl.log.Info("refund relayed",
		zap.String("commitment", commitment.Hex(claim.RequestCommitment)),
		zap.String("tx", out.TxHash),
		zap.String("gas_cost", out.GasCost),
		zap.String("elapsed", out.Elapsed),
	)
	return res, nil
}

// ClaimTimeout asks the relay for a timeout refund of c. Before the escrow
// deadline the result is a *NotExpiredError.
func (cl *Claimer) ClaimTimeout(ctx context.Context, c [32]byte) (*Result, error) {
	if cl.relay == nil {
		return nil, ErrNoRelay
	}
	// The relay only checks the signature is present; it proves intent.
	sig, err := cl.signer.SignHash(c)
	if err != nil {
		return nil, fmt.Errorf("sign timeout request: %w", err)
	}
	out, err := cl.relay.RelayTimeoutRefund(ctx, &relay.TimeoutRequest{
		EscrowAddress:     cl.escrow.Address().Hex(),
		RequestCommitment: commitment.Hex(c),
		ClientSignature:   hexutil.Encode(sig),
	})
	if err != nil {
		return nil, fmt.Errorf("relay timeout refund: %w", err)
	}
	if !out.Success {
		if out.TimeLeft != nil {
			return nil, &NotExpiredError{TimeLeft: time.Duration(*out.TimeLeft) * time.Second}
		}
		if out.Reason == relay.ReasonAlreadySettled {
			return &Result{Commitment: c, AlreadySettled: true}, nil
		}
		return nil, fmt.Errorf("timeout refund rejected: %s", strings.TrimSpace(out.Error))
	}
	return &Result{Commitment: c, TxHash: out.TxHash, BlockNumber: out.BlockNumber}, nil
}
