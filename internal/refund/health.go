package refund

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/sync/errgroup"
)

// ErrEscrowUnhealthy blocks paying a provider whose bond is below minimum.
var ErrEscrowUnhealthy = errors.New("escrow bond unhealthy")

// BondReader is the escrow's collateral view.
type BondReader interface {
	IsHealthy(ctx context.Context) (bool, error)
	BondBalance(ctx context.Context) (*big.Int, error)
	MinBond(ctx context.Context) (*big.Int, error)
}

// Health is a snapshot of the escrow's collateral.
type Health struct {
	Healthy     bool
	BondBalance *big.Int
	MinBond     *big.Int
}

// CheckEscrowHealth reads the three bond views concurrently. It returns the
// snapshot together with ErrEscrowUnhealthy when the escrow reports itself
// unhealthy.
func CheckEscrowHealth(ctx context.Context, e BondReader) (*Health, error) {
	var h Health
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		h.Healthy, err = e.IsHealthy(gctx)
		return err
	})
	g.Go(func() (err error) {
		h.BondBalance, err = e.BondBalance(gctx)
		return err
	})
	g.Go(func() (err error) {
		h.MinBond, err = e.MinBond(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("escrow health: %w", err)
	}
	if !h.Healthy {
		return &h, ErrEscrowUnhealthy
	}
	return &h, nil
}
