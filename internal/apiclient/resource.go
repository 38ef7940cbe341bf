// Package apiclient talks to the resource server and the relay.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-guard/internal/payment"
	"github.com/0gfoundation/x402-guard/internal/refund"
)

// ErrNoAcceptedScheme means the 402 response offered nothing this client can pay.
var ErrNoAcceptedScheme = errors.New("no payable requirement in 402 response")

// Payer turns payment requirements into an X-PAYMENT header.
type Payer interface {
	Pay(req *payment.Requirements) (string, error)
}

// EscrowInfo is the body of GET /escrow.
type EscrowInfo struct {
	Success         bool           `json:"success"`
	Address         common.Address `json:"address"`
	ProviderAddress common.Address `json:"providerAddress"`
}

// Exchange is one paid request as the client sent and received it.
type Exchange struct {
	Request      refund.Request
	Requirements *payment.Requirements
	Status       int
	Body         []byte
	Settlement   *payment.SettleResponse
}

// Amount is the price the client authorized, or nil if it did not pay.
func (e *Exchange) Amount() *big.Int {
	if e.Requirements == nil {
		return nil
	}
	v, ok := new(big.Int).SetString(e.Requirements.MaxAmountRequired, 10)
	if !ok {
		return nil
	}
	return v
}

// Failure decodes the body as a failure response. ok is false for a
// successful or unrelated body.
func (e *Exchange) Failure() (*refund.FailureResponse, bool) {
	var f refund.FailureResponse
	if err := json.Unmarshal(e.Body, &f); err != nil {
		return nil, false
	}
	if f.Success || f.RequestCommitment == "" {
		return nil, false
	}
	return &f, true
}

// ResourceClient is an x402-paying HTTP client for the resource server.
type ResourceClient struct {
	baseURL string
	payer   Payer
	http    *http.Client
	log     *zap.Logger
}

func NewResourceClient(baseURL string, payer Payer, log *zap.Logger) *ResourceClient {
	return &ResourceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		payer:   payer,
		http:    &http.Client{Timeout: 60 * time.Second},
		log:     log,
	}
}

func (c *ResourceClient) do(ctx context.Context, method, path, paymentHeader string, body any) (*http.Request, *http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if paymentHeader != "" {
		req.Header.Set(payment.HeaderPayment, paymentHeader)
	}
	resp, err := c.http.Do(req)
	return req, resp, err
}

// Escrow fetches the escrow and provider addresses the server works with.
func (c *ResourceClient) Escrow(ctx context.Context) (*EscrowInfo, error) {
	_, resp, err := c.do(ctx, http.MethodGet, "/escrow", "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server GetEscrow: status %d", resp.StatusCode)
	}
	var info EscrowInfo
	return &info, json.NewDecoder(resp.Body).Decode(&info)
}

type paymentRequired struct {
	Error   string                  `json:"error"`
	Accepts []*payment.Requirements `json:"accepts"`
}

// Get requests path, paying once if the server answers 402. The returned
// Exchange records the exact method, URL and X-PAYMENT header that went out.
func (c *ResourceClient) Get(ctx context.Context, path string) (*Exchange, error) {
	_, resp, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return &Exchange{Request: refund.Request{Method: http.MethodGet, URL: c.baseURL + path}, Status: resp.StatusCode, Body: body}, nil
	}

	var pr paymentRequired
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("decode 402: %w", err)
	}
	var reqs *payment.Requirements
	for _, a := range pr.Accepts {
		if a.Scheme == payment.SchemeExact {
			reqs = a
			break
		}
	}
	if reqs == nil {
		return nil, ErrNoAcceptedScheme
	}
	header, err := c.payer.Pay(reqs)
	if err != nil {
		return nil, fmt.Errorf("pay: %w", err)
	}
	c.log.Info("paying", zap.String("path", path), zap.String("amount", reqs.MaxAmountRequired), zap.String("pay_to", reqs.PayTo))

	sent, resp, err := c.do(ctx, http.MethodGet, path, header, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	ex := &Exchange{
		Request: refund.Request{
			Method:        sent.Method,
			URL:           sent.URL.String(),
			PaymentHeader: header,
		},
		Requirements: reqs,
		Status:       resp.StatusCode,
		Body:         body,
	}
	if h := resp.Header.Get(payment.HeaderPaymentResponse); h != "" {
		if s, err := payment.DecodeSettleResponse(h); err == nil {
			ex.Settlement = s
		}
	}
	return ex, nil
}
