package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Facilitator verifies and settles payments on behalf of a resource server.
type Facilitator interface {
	Verify(ctx context.Context, p *Payload, req *Requirements) (*VerifyResponse, error)
	Settle(ctx context.Context, p *Payload, req *Requirements) (*SettleResponse, error)
}

// FacilitatorClient talks to an x402 facilitator over HTTP.
type FacilitatorClient struct {
	baseURL string
	http    *http.Client
}

func NewFacilitatorClient(baseURL string) *FacilitatorClient {
	return &FacilitatorClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type facilitatorRequest struct {
	X402Version         int           `json:"x402Version"`
	PaymentPayload      *Payload      `json:"paymentPayload"`
	PaymentRequirements *Requirements `json:"paymentRequirements"`
}

func (c *FacilitatorClient) do(ctx context.Context, path string, body any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

func (c *FacilitatorClient) post(ctx context.Context, path string, p *Payload, r *Requirements, out any) error {
	resp, err := c.do(ctx, path, facilitatorRequest{X402Version: X402Version, PaymentPayload: p, PaymentRequirements: r})
	if err != nil {
		return fmt.Errorf("facilitator %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("facilitator %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("facilitator %s: decode: %w", path, err)
	}
	return nil
}

func (c *FacilitatorClient) Verify(ctx context.Context, p *Payload, r *Requirements) (*VerifyResponse, error) {
	var out VerifyResponse
	if err := c.post(ctx, "/verify", p, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *FacilitatorClient) Settle(ctx context.Context, p *Payload, r *Requirements) (*SettleResponse, error) {
	var out SettleResponse
	if err := c.post(ctx, "/settle", p, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
