package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/0gfoundation/x402-guard/internal/relay"
)

// RelayClient submits refund meta-transactions to the relay.
type RelayClient struct {
	baseURL string
	http    *http.Client
}

func NewRelayClient(baseURL string) *RelayClient {
	return &RelayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Submissions wait for the receipt.
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

// post decodes the relay's JSON answer whatever the status: rejections carry
// a Response body too.
func (c *RelayClient) post(ctx context.Context, path string, body any) (*relay.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(relay.HeaderRequestID, uuid.NewString())
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay %s: %w", path, err)
	}
	defer resp.Body.Close()
	var out relay.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("relay %s: status %d: decode: %w", path, resp.StatusCode, err)
	}
	return &out, nil
}

func (c *RelayClient) RelayRefund(ctx context.Context, req *relay.RefundRequest) (*relay.Response, error) {
	return c.post(ctx, "/relay-refund", req)
}

func (c *RelayClient) RelayTimeoutRefund(ctx context.Context, req *relay.TimeoutRequest) (*relay.Response, error) {
	return c.post(ctx, "/relay-timeout-refund", req)
}

// Health returns the relay's /health body.
func (c *RelayClient) Health(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay health: status %d", resp.StatusCode)
	}
	var out map[string]any
	return out, json.NewDecoder(resp.Body).Decode(&out)
}
