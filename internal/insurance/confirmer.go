package insurance

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/0gfoundation/x402-guard/internal/commitment"
	"github.com/0gfoundation/x402-guard/internal/voucher"
)

// Confirmer is the provider side: it attests that a request was served,
// which closes the policy and forfeits the client's claim.
type Confirmer struct {
	ledger Ledger
	signer voucher.Signer
	domain voucher.Domain
	log    *zap.Logger
}

func NewConfirmer(ledger Ledger, signer voucher.Signer, domain voucher.Domain, log *zap.Logger) *Confirmer {
	return &Confirmer{ledger: ledger, signer: signer, domain: domain, log: log}
}

// Confirm signs a ServiceConfirmation for c and submits it. A commitment
// with no policy yet yields ErrPolicyNotFound without a transaction.
func (cf *Confirmer) Confirm(ctx context.Context, c [32]byte) error {
	p, err := cf.ledger.Policy(ctx, c)
	if err != nil {
		return fmt.Errorf("confirm service: %w", err)
	}
	if p.Status != StatusPending {
		return fmt.Errorf("confirm service: %w (%s)", ErrNotPending, p.Status)
	}
	sc := &voucher.ServiceConfirmation{RequestCommitment: c}
	if err := voucher.SignConfirmation(sc, cf.signer, cf.domain); err != nil {
		return fmt.Errorf("sign confirmation: %w", err)
	}
	if err := cf.ledger.Confirm(ctx, c, sc.Signature); err != nil {
		return fmt.Errorf("confirm service: %w", err)
	}
	cf.log.Info("service confirmed", zap.String("commitment", commitment.Hex(c)))
	return nil
}
