package payment

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/0gfoundation/x402-guard/internal/voucher"
)

// validAfterSkew backdates validAfter to absorb clock drift between client and chain.
const validAfterSkew = 600 * time.Second

var transferWithAuthorizationTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"TransferWithAuthorization": {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// Payer builds X-PAYMENT headers for the exact scheme by signing EIP-3009
// transferWithAuthorization messages.
type Payer struct {
	signer  voucher.Signer
	chainID *big.Int
	now     func() time.Time
}

func NewPayer(signer voucher.Signer, chainID *big.Int) *Payer {
	return &Payer{signer: signer, chainID: chainID, now: time.Now}
}

// Address returns the paying account.
func (p *Payer) Address() common.Address { return p.signer.Address() }

// Pay signs an authorization for exactly req.MaxAmountRequired and returns the
// encoded header.
func (p *Payer) Pay(req *Requirements) (string, error) {
	payload, err := p.Authorize(req)
	if err != nil {
		return "", err
	}
	return Encode(payload)
}

// Authorize signs an authorization for req and returns the decoded payload.
func (p *Payer) Authorize(req *Requirements) (*Payload, error) {
	if req.Scheme != SchemeExact {
		return nil, fmt.Errorf("unsupported scheme %q", req.Scheme)
	}
	if !common.IsHexAddress(req.PayTo) || !common.IsHexAddress(req.Asset) {
		return nil, fmt.Errorf("invalid payTo/asset in requirements")
	}
	value, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok || value.Sign() <= 0 {
		return nil, fmt.Errorf("invalid maxAmountRequired %q", req.MaxAmountRequired)
	}

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	timeout := time.Duration(req.MaxTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	now := p.now()
	auth := &Authorization{
		From:        p.signer.Address().Hex(),
		To:          common.HexToAddress(req.PayTo).Hex(),
		Value:       value.String(),
		ValidAfter:  fmt.Sprint(now.Add(-validAfterSkew).Unix()),
		ValidBefore: fmt.Sprint(now.Add(timeout).Unix()),
		Nonce:       hexutil.Encode(nonce[:]),
	}

	digest, err := AuthorizationDigest(auth, req, p.chainID)
	if err != nil {
		return nil, err
	}
	sig, err := p.signer.SignHash(digest)
	if err != nil {
		return nil, fmt.Errorf("sign authorization: %w", err)
	}

	return &Payload{
		X402Version: X402Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: &EvmPayload{
			Signature:     hexutil.Encode(sig),
			Authorization: auth,
		},
	}, nil
}

// AuthorizationDigest is the EIP-712 digest of auth under the token domain
// described by req.
func AuthorizationDigest(auth *Authorization, req *Requirements, chainID *big.Int) ([32]byte, error) {
	name, version := "USDC", "2"
	if req.Extra != nil {
		if req.Extra.Name != "" {
			name = req.Extra.Name
		}
		if req.Extra.Version != "" {
			version = req.Extra.Version
		}
	}
	td := apitypes.TypedData{
		Types:       transferWithAuthorizationTypes,
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: common.HexToAddress(req.Asset).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       auth.Value,
			"validAfter":  auth.ValidAfter,
			"validBefore": auth.ValidBefore,
			"nonce":       auth.Nonce,
		},
	}
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return [32]byte{}, fmt.Errorf("hash authorization: %w", err)
	}
	var out [32]byte
	copy(out[:], hash)
	return out, nil
}
