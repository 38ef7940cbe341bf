// Package insurance models post-payment protection policies: a client buys
// cover for a commitment, the provider either confirms delivery before the
// deadline or the client claims amount+fee after it.
package insurance

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status mirrors the on-chain enum (same ordinal values).
type Status uint8

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusClaimed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusConfirmed:
		return "Confirmed"
	case StatusClaimed:
		return "Claimed"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool { return s == StatusConfirmed || s == StatusClaimed }

var (
	ErrPolicyExists   = errors.New("policy already exists for commitment")
	ErrPolicyNotFound = errors.New("policy not found")
	ErrInvalidAmount  = errors.New("payment amount must be positive")
	ErrInvalidFee     = errors.New("insurance fee must be positive")
	ErrInvalidTimeout = errors.New("timeout must be greater than zero")
	ErrNotProvider    = errors.New("caller is not the policy provider")
	ErrNotClient      = errors.New("caller is not the policy client")
	ErrDeadlinePassed = errors.New("confirmation deadline passed")
	ErrNotExpired     = errors.New("policy has not expired")
	ErrNotPending     = errors.New("policy is not pending")
)

// Policy is one insurance record, keyed by request commitment.
type Policy struct {
	Commitment [32]byte
	Client     common.Address
	Provider   common.Address
	Amount     *big.Int
	Fee        *big.Int
	Deadline   time.Time
	Status     Status
}

// CanClaim is true iff the policy is Pending and now is strictly past the
// deadline. Times compare at second resolution, like block timestamps.
func (p *Policy) CanClaim(now time.Time) bool {
	return p.Status == StatusPending && now.Unix() > p.Deadline.Unix()
}

// TimeLeft is the wait until the deadline, zero once it has passed.
func (p *Policy) TimeLeft(now time.Time) time.Duration {
	d := time.Duration(p.Deadline.Unix()-now.Unix()) * time.Second
	if d < 0 {
		return 0
	}
	return d
}

// Payout is what a successful claim pays the client: amount plus fee.
func (p *Policy) Payout() *big.Int {
	return new(big.Int).Add(p.Amount, p.Fee)
}

// Confirm moves Pending → Confirmed.
func (p *Policy) Confirm(by common.Address, now time.Time) error {
	if p.Status != StatusPending {
		return ErrNotPending
	}
	if by != p.Provider {
		return ErrNotProvider
	}
	if now.Unix() > p.Deadline.Unix() {
		return ErrDeadlinePassed
	}
	p.Status = StatusConfirmed
	return nil
}

// Claim moves Pending → Claimed.
func (p *Policy) Claim(by common.Address, now time.Time) error {
	if p.Status != StatusPending {
		return ErrNotPending
	}
	if by != p.Client {
		return ErrNotClient
	}
	if !p.CanClaim(now) {
		return ErrNotExpired
	}
	p.Status = StatusClaimed
	return nil
}

func (p *Policy) clone() *Policy {
	cp := *p
	cp.Amount = new(big.Int).Set(p.Amount)
	cp.Fee = new(big.Int).Set(p.Fee)
	return &cp
}
