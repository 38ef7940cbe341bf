package insurance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-guard/internal/commitment"
)

// ErrNotClaimable is returned by ClaimIfEligible when the ledger's
// can-claim query is false. Use errors.As with *NotClaimableError for details.
var ErrNotClaimable = errors.New("insurance not claimable")

type NotClaimableError struct {
	Status   Status
	TimeLeft time.Duration
}

func (e *NotClaimableError) Error() string {
	if e.Status != StatusPending {
		return fmt.Sprintf("insurance not claimable: policy is %s", e.Status)
	}
	return fmt.Sprintf("insurance not claimable: %s left", e.TimeLeft)
}

func (e *NotClaimableError) Unwrap() error { return ErrNotClaimable }

const bpsDenominator = 10_000

// Protector is the client side of insurance: buys cover after paying and
// claims it once the provider has failed to confirm in time.
type Protector struct {
	ledger  Ledger
	feeBps  int64
	timeout time.Duration
	log     *zap.Logger
	now     func() time.Time
}

func NewProtector(ledger Ledger, feeBps int64, timeout time.Duration, log *zap.Logger) *Protector {
	return &Protector{ledger: ledger, feeBps: feeBps, timeout: timeout, log: log, now: time.Now}
}

// Fee is amount × feeBps / 10000, rounded down.
func (p *Protector) Fee(amount *big.Int) *big.Int {
	fee := new(big.Int).Mul(amount, big.NewInt(p.feeBps))
	return fee.Quo(fee, big.NewInt(bpsDenominator))
}

// CheckProvider reads the provider's bond position. An unhealthy bond is
// reported, not rejected; the caller decides whether to proceed.
func (p *Protector) CheckProvider(ctx context.Context, provider common.Address) (*ProviderStats, error) {
	s, err := p.ledger.ProviderStats(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("provider stats: %w", err)
	}
	if !s.Healthy {
		p.log.Warn("provider bond unhealthy",
			zap.String("provider", provider.Hex()),
			zap.String("bond", s.BondBalance.String()),
			zap.String("min_bond", s.MinBond.String()),
		)
	}
	return s, nil
}

// Protect purchases a policy for a payment that has already been made.
func (p *Protector) Protect(ctx context.Context, c [32]byte, provider common.Address, amount *big.Int) (*Policy, error) {
	fee := p.Fee(amount)
	if err := p.ledger.Purchase(ctx, c, provider, amount, fee, p.timeout); err != nil {
		return nil, fmt.Errorf("purchase insurance: %w", err)
	}
	p.log.Info("insurance purchased",
		zap.String("commitment", commitment.Hex(c)),
		zap.String("amount", amount.String()),
		zap.String("fee", fee.String()),
		zap.Duration("timeout", p.timeout),
	)
	return p.ledger.Policy(ctx, c)
}

// Status returns the policy together with the ledger's can-claim answer.
func (p *Protector) Status(ctx context.Context, c [32]byte) (*Policy, bool, error) {
	pol, err := p.ledger.Policy(ctx, c)
	if err != nil {
		return nil, false, err
	}
	ok, err := p.ledger.CanClaim(ctx, c)
	if err != nil {
		return nil, false, fmt.Errorf("can claim: %w", err)
	}
	return pol, ok, nil
}

// ClaimIfEligible asks the ledger first and only submits a claim when it
// says yes. On success it returns the policy as it stood before the claim,
// whose Payout is what was paid.
func (p *Protector) ClaimIfEligible(ctx context.Context, c [32]byte) (*Policy, error) {
	pol, ok, err := p.Status(ctx, c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &NotClaimableError{Status: pol.Status, TimeLeft: pol.TimeLeft(p.now())}
	}
	if err := p.ledger.Claim(ctx, c); err != nil {
		return nil, fmt.Errorf("claim insurance: %w", err)
	}
	p.log.Info("insurance claimed",
		zap.String("commitment", commitment.Hex(c)),
		zap.String("payout", pol.Payout().String()),
	)
	return pol, nil
}
