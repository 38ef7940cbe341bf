package insurance

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Ledger is the authoritative policy store as seen by one caller. The
// on-chain X402Insurance contract and the in-memory Book both implement it.
type Ledger interface {
	Purchase(ctx context.Context, commitment [32]byte, provider common.Address, amount, fee *big.Int, timeout time.Duration) error
	Confirm(ctx context.Context, commitment [32]byte, signature []byte) error
	CanClaim(ctx context.Context, commitment [32]byte) (bool, error)
	Claim(ctx context.Context, commitment [32]byte) error
	Policy(ctx context.Context, commitment [32]byte) (*Policy, error)
	ProviderStats(ctx context.Context, provider common.Address) (*ProviderStats, error)
}

// ProviderStats is the provider's collateral position backing its policies.
type ProviderStats struct {
	BondBalance *big.Int
	MinBond     *big.Int
	Healthy     bool
}
