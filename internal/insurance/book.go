package insurance

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/x402-guard/internal/voucher"
)

// Book is an in-memory Ledger. It enforces the same guards as the contract,
// including the ServiceConfirmation signature.
type Book struct {
	mu       sync.Mutex
	domain   voucher.Domain
	now      func() time.Time
	policies map[[32]byte]*Policy
	bonds    map[common.Address]*ProviderStats
	payouts  map[common.Address]*big.Int
	earned   map[common.Address]*big.Int
}

func NewBook(domain voucher.Domain) *Book {
	return &Book{
		domain:   domain,
		now:      time.Now,
		policies: make(map[[32]byte]*Policy),
		bonds:    make(map[common.Address]*ProviderStats),
		payouts:  make(map[common.Address]*big.Int),
		earned:   make(map[common.Address]*big.Int),
	}
}

// SetClock replaces the time source.
func (b *Book) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// SetBond records a provider's collateral.
func (b *Book) SetBond(provider common.Address, balance, minBond *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bonds[provider] = &ProviderStats{
		BondBalance: new(big.Int).Set(balance),
		MinBond:     new(big.Int).Set(minBond),
		Healthy:     balance.Cmp(minBond) >= 0,
	}
}

// PaidOut returns the total claimed by client.
func (b *Book) PaidOut(client common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.payouts[client]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Earned returns the total fees provider collected through confirmations.
func (b *Book) Earned(provider common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.earned[provider]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// As returns a Ledger view that acts as caller.
func (b *Book) As(caller common.Address) Ledger {
	return &bookView{book: b, caller: caller}
}

func (b *Book) purchase(client common.Address, commitment [32]byte, provider common.Address, amount, fee *big.Int, timeout time.Duration) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if fee == nil || fee.Sign() <= 0 {
		return ErrInvalidFee
	}
	if timeout <= 0 {
		return ErrInvalidTimeout
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.policies[commitment]; ok {
		return ErrPolicyExists
	}
	b.policies[commitment] = &Policy{
		Commitment: commitment,
		Client:     client,
		Provider:   provider,
		Amount:     new(big.Int).Set(amount),
		Fee:        new(big.Int).Set(fee),
		Deadline:   b.now().Add(timeout).Truncate(time.Second),
		Status:     StatusPending,
	}
	return nil
}

func (b *Book) confirm(commitment [32]byte, signature []byte) error {
	signer, err := voucher.RecoverConfirmation(&voucher.ServiceConfirmation{
		RequestCommitment: commitment,
		Signature:         signature,
	}, b.domain)
	if err != nil {
		return fmt.Errorf("confirmation signature: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.policies[commitment]
	if !ok {
		return ErrPolicyNotFound
	}
	if err := p.Confirm(signer, b.now()); err != nil {
		return err
	}
	add(b.earned, p.Provider, p.Fee)
	return nil
}

func (b *Book) claim(caller common.Address, commitment [32]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.policies[commitment]
	if !ok {
		return ErrPolicyNotFound
	}
	if err := p.Claim(caller, b.now()); err != nil {
		return err
	}
	add(b.payouts, p.Client, p.Payout())
	return nil
}

func (b *Book) policy(commitment [32]byte) (*Policy, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.policies[commitment]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return p.clone(), nil
}

func (b *Book) canClaim(commitment [32]byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.policies[commitment]
	return ok && p.CanClaim(b.now())
}

func (b *Book) providerStats(provider common.Address) *ProviderStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.bonds[provider]
	if !ok {
		return &ProviderStats{BondBalance: new(big.Int), MinBond: new(big.Int)}
	}
	return &ProviderStats{
		BondBalance: new(big.Int).Set(s.BondBalance),
		MinBond:     new(big.Int).Set(s.MinBond),
		Healthy:     s.Healthy,
	}
}

func add(m map[common.Address]*big.Int, who common.Address, v *big.Int) {
	cur, ok := m[who]
	if !ok {
		cur = new(big.Int)
		m[who] = cur
	}
	cur.Add(cur, v)
}

type bookView struct {
	book   *Book
	caller common.Address
}

func (v *bookView) Purchase(_ context.Context, commitment [32]byte, provider common.Address, amount, fee *big.Int, timeout time.Duration) error {
	return v.book.purchase(v.caller, commitment, provider, amount, fee, timeout)
}

func (v *bookView) Confirm(_ context.Context, commitment [32]byte, signature []byte) error {
	return v.book.confirm(commitment, signature)
}

func (v *bookView) CanClaim(_ context.Context, commitment [32]byte) (bool, error) {
	return v.book.canClaim(commitment), nil
}

func (v *bookView) Claim(_ context.Context, commitment [32]byte) error {
	return v.book.claim(v.caller, commitment)
}

func (v *bookView) Policy(_ context.Context, commitment [32]byte) (*Policy, error) {
	return v.book.policy(commitment)
}

func (v *bookView) ProviderStats(_ context.Context, provider common.Address) (*ProviderStats, error) {
	return v.book.providerStats(provider), nil
}
