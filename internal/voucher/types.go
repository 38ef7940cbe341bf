package voucher

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Domain is the EIP-712 domain a signature is scoped to. A signature made for
// one (chain, contract) pair never recovers to the same signer under another.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// Default domain names of the bonded escrow and insurance contracts.
const (
	EscrowDomainName    = "BondedEscrow"
	InsuranceDomainName = "X402InsuranceV2"
	DomainVersion       = "1"
)

func EscrowDomain(chainID *big.Int, escrow common.Address) Domain {
	return Domain{Name: EscrowDomainName, Version: DomainVersion, ChainID: chainID, VerifyingContract: escrow}
}

func InsuranceDomain(chainID *big.Int, insurance common.Address) Domain {
	return Domain{Name: InsuranceDomainName, Version: DomainVersion, ChainID: chainID, VerifyingContract: insurance}
}

// RefundClaim is the provider-signed authorization redeemable against the escrow.
type RefundClaim struct {
	RequestCommitment [32]byte
	Amount            *big.Int
	Signature         []byte
}

// MetaRefund is the client's consent for a relay to redeem a RefundClaim on
// its behalf before Deadline (unix seconds).
type MetaRefund struct {
	RequestCommitment [32]byte
	Amount            *big.Int
	Client            common.Address
	Deadline          *big.Int
	Signature         []byte
}

// ServiceConfirmation is the provider's attestation that a paid request was
// served, which closes the insurance claim window.
type ServiceConfirmation struct {
	RequestCommitment [32]byte
	Signature         []byte
}

// Signer is a role's private signing capability. Tests substitute
// deterministic implementations.
type Signer interface {
	Address() common.Address
	SignHash(digest [32]byte) ([]byte, error)
}

// KeySigner signs with an in-process ECDSA key.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// KeySignerFromHex parses a hex private key, with or without 0x prefix.
func KeySignerFromHex(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return NewKeySigner(key), nil
}

func (s *KeySigner) Address() common.Address { return s.addr }

// PrivateKey returns the key for building transaction signers.
func (s *KeySigner) PrivateKey() *ecdsa.PrivateKey { return s.key }

// SignHash returns a 65-byte R||S||V signature with V in {27,28}.
func (s *KeySigner) SignHash(digest [32]byte) ([]byte, error) {
	sig, err := crypto.Sign(digest[:], s.key)
	if err != nil {
		return nil, err
	}
	// Convert V from 0/1 to 27/28 for Solidity ecrecover
	sig[64] += 27
	return sig, nil
}
