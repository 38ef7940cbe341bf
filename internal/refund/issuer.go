package refund

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-guard/internal/commitment"
	"github.com/0gfoundation/x402-guard/internal/payment"
	"github.com/0gfoundation/x402-guard/internal/voucher"
)

const (
	// AuthKeyFmt is the Redis key of the issued authorization for a commitment.
	AuthKeyFmt = "refund:auth:%s"
	authLogTTL = 30 * 24 * time.Hour
)

// ErrAuthorizationConflict is returned when a commitment already has an
// authorization for a different amount.
var ErrAuthorizationConflict = errors.New("refund authorization already issued with a different amount")

// Issued is the outcome of Issue. Commitment is always set, even on error,
// so callers can report it.
type Issued struct {
	Commitment [32]byte
	Claim      *voucher.RefundClaim
	Reissued   bool
}

// Authorization renders the claim in wire form.
func (i *Issued) Authorization() *Authorization {
	if i.Claim == nil {
		return nil
	}
	return &Authorization{
		Amount:    i.Claim.Amount.String(),
		Signature: hexutil.Encode(i.Claim.Signature),
	}
}

// Issuer signs refund authorizations for paid requests the provider failed
// to serve. With a Redis client it also keeps an audit log of what it issued
// and re-serves the first authorization for a repeated commitment.
type Issuer struct {
	signer voucher.Signer
	domain voucher.Domain
	rdb    *redis.Client
	log    *zap.Logger
}

func NewIssuer(signer voucher.Signer, domain voucher.Domain, rdb *redis.Client, log *zap.Logger) *Issuer {
	return &Issuer{signer: signer, domain: domain, rdb: rdb, log: log}
}

// Address returns the provider address that signs authorizations.
func (is *Issuer) Address() string { return is.signer.Address().Hex() }

// RequestFromHTTP reconstructs the request identity the client committed to.
func RequestFromHTTP(r *http.Request) Request {
	return Request{
		Method:        r.Method,
		URL:           payment.RequestScheme(r) + "://" + r.Host + r.URL.RequestURI(),
		PaymentHeader: r.Header.Get(payment.HeaderPayment),
	}
}

// Issue computes the commitment for req and signs a refund of the amount
// found in its payment header. A header without a decodable amount yields
// payment.ErrMalformedHeader; no amount is ever assumed.
func (is *Issuer) Issue(ctx context.Context, req Request) (*Issued, error) {
	c := commitment.Compute(req.Method, req.URL, req.PaymentHeader, commitment.DefaultWindow)
	out := &Issued{Commitment: c}

	amount, err := payment.DecodeAmount(req.PaymentHeader)
	if err != nil {
		return out, err
	}

	claim := &voucher.RefundClaim{RequestCommitment: c, Amount: amount}
	if err := voucher.SignRefundClaim(claim, is.signer, is.domain); err != nil {
		return out, fmt.Errorf("sign refund claim: %w", err)
	}
	out.Claim = claim

	if is.rdb == nil {
		return out, nil
	}
	prev, err := is.record(ctx, claim)
	if err != nil {
		return out, err
	}
	if prev != nil {
		if prev.Amount.Cmp(amount) != 0 {
			is.log.Error("refund authorization conflict",
				zap.String("commitment", commitment.Hex(c)),
				zap.String("issued", prev.Amount.String()),
				zap.String("requested", amount.String()),
			)
			out.Claim = nil
			return out, ErrAuthorizationConflict
		}
		out.Claim = prev
		out.Reissued = true
	}
	return out, nil
}

type loggedAuth struct {
	Amount    string    `json:"amount"`
	Signature string    `json:"signature"`
	IssuedAt  time.Time `json:"issuedAt"`
}

// record stores claim under its commitment unless one is already there, in
// which case the stored claim is returned.
func (is *Issuer) record(ctx context.Context, claim *voucher.RefundClaim) (*voucher.RefundClaim, error) {
	key := fmt.Sprintf(AuthKeyFmt, commitment.Hex(claim.RequestCommitment))
	raw, err := json.Marshal(loggedAuth{
		Amount:    claim.Amount.String(),
		Signature: hexutil.Encode(claim.Signature),
		IssuedAt:  time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal authorization: %w", err)
	}
	ok, err := is.rdb.SetNX(ctx, key, raw, authLogTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("record authorization: %w", err)
	}
	if ok {
		return nil, nil
	}

	stored, err := is.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, fmt.Errorf("read authorization: %w", err)
	}
	var la loggedAuth
	if err := json.Unmarshal(stored, &la); err != nil {
		return nil, fmt.Errorf("decode authorization: %w", err)
	}
	amount, ok := new(big.Int).SetString(la.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("decode authorization: bad amount %q", la.Amount)
	}
	sig, err := hexutil.Decode(la.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode authorization: %w", err)
	}
	return &voucher.RefundClaim{RequestCommitment: claim.RequestCommitment, Amount: amount, Signature: sig}, nil
}
