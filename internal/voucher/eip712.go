package voucher

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	refundClaimTypeHash = crypto.Keccak256Hash([]byte(
		"RefundClaim(bytes32 requestCommitment,uint256 amount)",
	))
	metaRefundTypeHash = crypto.Keccak256Hash([]byte(
		"MetaRefund(bytes32 requestCommitment,uint256 amount,address client,uint256 deadline)",
	))
	confirmationTypeHash = crypto.Keccak256Hash([]byte(
		"ServiceConfirmation(bytes32 requestCommitment)",
	))
)

var (
	// ErrInvalidSignature is returned for signatures that are not 65 bytes.
	ErrInvalidSignature = errors.New("invalid signature length")
	// ErrUintOverflow is returned for a uint256 field outside [0, 2^256).
	ErrUintOverflow = errors.New("value does not fit in uint256")
)

// CheckUint256 rejects values the EIP-712 encoding cannot hold.
func CheckUint256(v *big.Int) error {
	if v != nil && (v.Sign() < 0 || v.BitLen() > 256) {
		return ErrUintOverflow
	}
	return nil
}

// domainSeparator computes the EIP-712 domain separator.
func domainSeparator(d Domain) [32]byte {
	nameHash := crypto.Keccak256Hash([]byte(d.Name))
	versionHash := crypto.Keccak256Hash([]byte(d.Version))

	// ABI-encode: (bytes32, bytes32, bytes32, uint256, address)
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	putUint(encoded[96:128], d.ChainID)
	copy(encoded[140:160], d.VerifyingContract.Bytes()) // addr is right-aligned in 32-byte slot

	return crypto.Keccak256Hash(encoded)
}

// typedDigest returns keccak256(0x1901 || domainSeparator || structHash).
func typedDigest(d Domain, structHash [32]byte) [32]byte {
	sep := domainSeparator(d)
	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], sep[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg)
}

// putUint leaves the slot zeroed for values CheckUint256 rejects.
func putUint(slot []byte, v *big.Int) {
	if v == nil || CheckUint256(v) != nil {
		return
	}
	v.FillBytes(slot)
}

// RefundClaimDigest is the hash the provider signs for a refund authorization.
func RefundClaimDigest(commitment [32]byte, amount *big.Int, d Domain) [32]byte {
	encoded := make([]byte, 3*32)
	copy(encoded[0:32], refundClaimTypeHash[:])
	copy(encoded[32:64], commitment[:])
	putUint(encoded[64:96], amount)
	return typedDigest(d, crypto.Keccak256Hash(encoded))
}

// MetaRefundDigest is the hash the client signs to let a relay redeem for it.
func MetaRefundDigest(m *MetaRefund, d Domain) [32]byte {
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], metaRefundTypeHash[:])
	copy(encoded[32:64], m.RequestCommitment[:])
	putUint(encoded[64:96], m.Amount)
	copy(encoded[108:128], m.Client.Bytes())
	putUint(encoded[128:160], m.Deadline)
	return typedDigest(d, crypto.Keccak256Hash(encoded))
}

// ConfirmationDigest is the hash the provider signs to confirm service.
func ConfirmationDigest(commitment [32]byte, d Domain) [32]byte {
	encoded := make([]byte, 2*32)
	copy(encoded[0:32], confirmationTypeHash[:])
	copy(encoded[32:64], commitment[:])
	return typedDigest(d, crypto.Keccak256Hash(encoded))
}

// SignRefundClaim signs the claim in-place.
func SignRefundClaim(c *RefundClaim, s Signer, d Domain) error {
	if c.Amount == nil || c.Amount.Sign() <= 0 {
		return fmt.Errorf("refund amount must be positive")
	}
	if err := CheckUint256(c.Amount); err != nil {
		return fmt.Errorf("refund amount: %w", err)
	}
	sig, err := s.SignHash(RefundClaimDigest(c.RequestCommitment, c.Amount, d))
	if err != nil {
		return fmt.Errorf("sign refund claim: %w", err)
	}
	c.Signature = sig
	return nil
}

// RecoverRefundClaim returns the address that signed the claim.
func RecoverRefundClaim(c *RefundClaim, d Domain) (common.Address, error) {
	if err := CheckUint256(c.Amount); err != nil {
		return common.Address{}, fmt.Errorf("refund amount: %w", err)
	}
	return recoverSigner(RefundClaimDigest(c.RequestCommitment, c.Amount, d), c.Signature)
}

// SignMetaRefund signs the meta-refund in-place.
func SignMetaRefund(m *MetaRefund, s Signer, d Domain) error {
	if err := checkMeta(m); err != nil {
		return err
	}
	sig, err := s.SignHash(MetaRefundDigest(m, d))
	if err != nil {
		return fmt.Errorf("sign meta refund: %w", err)
	}
	m.Signature = sig
	return nil
}

// RecoverMetaRefund returns the address that signed the meta-refund.
func RecoverMetaRefund(m *MetaRefund, d Domain) (common.Address, error) {
	if err := checkMeta(m); err != nil {
		return common.Address{}, err
	}
	return recoverSigner(MetaRefundDigest(m, d), m.Signature)
}

func checkMeta(m *MetaRefund) error {
	if err := CheckUint256(m.Amount); err != nil {
		return fmt.Errorf("meta refund amount: %w", err)
	}
	if err := CheckUint256(m.Deadline); err != nil {
		return fmt.Errorf("meta refund deadline: %w", err)
	}
	return nil
}

// SignConfirmation signs the service confirmation in-place.
func SignConfirmation(c *ServiceConfirmation, s Signer, d Domain) error {
	sig, err := s.SignHash(ConfirmationDigest(c.RequestCommitment, d))
	if err != nil {
		return fmt.Errorf("sign service confirmation: %w", err)
	}
	c.Signature = sig
	return nil
}

// RecoverConfirmation returns the address that signed the confirmation.
func RecoverConfirmation(c *ServiceConfirmation, d Domain) (common.Address, error) {
	return recoverSigner(ConfirmationDigest(c.RequestCommitment, d), c.Signature)
}

func recoverSigner(digest [32]byte, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, ErrInvalidSignature
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
