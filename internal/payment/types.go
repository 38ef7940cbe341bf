// Package payment implements the x402 "exact" EVM scheme: header encoding,
// EIP-3009 authorization signing, the facilitator client and a gin paywall.
package payment

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
)

const (
	X402Version = 1
	SchemeExact = "exact"

	// HeaderPayment carries the client's base64 payment payload.
	HeaderPayment = "X-PAYMENT"
	// HeaderPaymentResponse carries the base64 settle response back to the client.
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// ErrMalformedHeader is returned when a payment header cannot be decoded
// or carries no recognisable amount.
var ErrMalformedHeader = errors.New("malformed payment header")

// Requirements describes what a paid route accepts.
type Requirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description,omitempty"`
	MimeType          string `json:"mimeType,omitempty"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
	Asset             string `json:"asset"`
	Extra             *Extra `json:"extra,omitempty"`
}

// Extra holds the token's EIP-712 domain.
type Extra struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Payload is the decoded X-PAYMENT header.
type Payload struct {
	X402Version int         `json:"x402Version"`
	Scheme      string      `json:"scheme"`
	Network     string      `json:"network"`
	Payload     *EvmPayload `json:"payload"`
}

type EvmPayload struct {
	Signature     string         `json:"signature"`
	Authorization *Authorization `json:"authorization,omitempty"`
	Permit        *Permit        `json:"permit,omitempty"`
}

// Authorization is an EIP-3009 transferWithAuthorization message.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// Permit is an ERC-2612 permit message.
type Permit struct {
	Owner    string `json:"owner"`
	Spender  string `json:"spender"`
	Value    string `json:"value"`
	Nonce    string `json:"nonce"`
	Deadline string `json:"deadline"`
}

type VerifyResponse struct {
	IsValid       bool    `json:"isValid"`
	InvalidReason *string `json:"invalidReason,omitempty"`
	Payer         *string `json:"payer,omitempty"`
}

type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason *string `json:"errorReason,omitempty"`
	Transaction string  `json:"transaction"`
	Network     string  `json:"network"`
	Payer       *string `json:"payer,omitempty"`
}

// Encode renders p as an X-PAYMENT header value.
func Encode(p *Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode parses an X-PAYMENT header value.
func Decode(header string) (*Payload, error) {
	if header == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedHeader)
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrMalformedHeader, err)
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: json: %v", ErrMalformedHeader, err)
	}
	if p.Payload == nil {
		return nil, fmt.Errorf("%w: missing payload", ErrMalformedHeader)
	}
	return &p, nil
}

// Amount returns the transferred value: payload.authorization.value for
// EIP-3009, payload.permit.value for ERC-2612. Any other shape is an error;
// callers must not substitute a default.
func (p *Payload) Amount() (*big.Int, error) {
	var s string
	switch {
	case p.Payload == nil:
	case p.Payload.Authorization != nil:
		s = p.Payload.Authorization.Value
	case p.Payload.Permit != nil:
		s = p.Payload.Permit.Value
	}
	if s == "" {
		return nil, fmt.Errorf("%w: no amount", ErrMalformedHeader)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() <= 0 || v.BitLen() > 256 {
		return nil, fmt.Errorf("%w: bad amount %q", ErrMalformedHeader, s)
	}
	return v, nil
}

// DecodeAmount is Decode followed by Amount.
func DecodeAmount(header string) (*big.Int, error) {
	p, err := Decode(header)
	if err != nil {
		return nil, err
	}
	return p.Amount()
}

// EncodeSettleResponse renders s as an X-PAYMENT-RESPONSE header value.
func EncodeSettleResponse(s *SettleResponse) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal settle response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeSettleResponse parses an X-PAYMENT-RESPONSE header value.
func DecodeSettleResponse(header string) (*SettleResponse, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("decode settle response: %w", err)
	}
	var s SettleResponse
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("unmarshal settle response: %w", err)
	}
	return &s, nil
}
