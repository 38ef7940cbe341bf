// Package relay submits refund meta-transactions on behalf of clients and
// pays their gas.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-guard/internal/chain"
	"github.com/0gfoundation/x402-guard/internal/commitment"
	"github.com/0gfoundation/x402-guard/internal/voucher"
)

// DefaultGasBufferPercent is added on top of the gas estimate.
const DefaultGasBufferPercent = 20

var (
	ErrRejected       = errors.New("relay request rejected")
	ErrAlreadySettled = errors.New("request already settled")
	ErrExpired        = errors.New("signature expired")
	ErrNotExpired     = errors.New("payment not yet expired")
	ErrSubmission     = errors.New("relay submission failed")
)

// Escrow is the escrow surface the relay reads and transacts against.
type Escrow interface {
	Address() common.Address
	Provider(ctx context.Context) (common.Address, error)
	CommitmentSettled(ctx context.Context, c [32]byte) (bool, error)
	PendingPayment(ctx context.Context, c [32]byte) (*chain.PendingPayment, error)
	EstimateMetaClaimRefund(ctx context.Context, m *voucher.MetaRefund, providerSig []byte) (uint64, error)
	MetaClaimRefund(ctx context.Context, m *voucher.MetaRefund, providerSig []byte, gasLimit uint64) (*chain.Receipt, error)
	ClaimTimeoutRefund(ctx context.Context, c [32]byte) (*chain.Receipt, error)
}

// Node is the relay's own account on the chain.
type Node interface {
	From() common.Address
	ChainID() *big.Int
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Error is a relay outcome other than success. Status is the HTTP status the
// handler answers with.
type Error struct {
	Status   int
	Reason   string
	Message  string
	TimeLeft *int64
	Receipt  *chain.Receipt
	err      error
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.err }

func reject(status int, reason, msg string, base error) *Error {
	return &Error{Status: status, Reason: reason, Message: msg, err: base}
}

func invalid(field string) *Error {
	return reject(http.StatusBadRequest, ReasonInvalidField, "Invalid "+field, ErrRejected)
}

// Service validates relay requests and submits them. It owns the relay
// statistics.
type Service struct {
	escrow    Escrow
	node      Node
	domain    voucher.Domain
	gasBuffer int64
	log       *zap.Logger
	now       func() time.Time
	stats     *counters
}

func NewService(escrow Escrow, node Node, domain voucher.Domain, gasBufferPercent int64, log *zap.Logger) *Service {
	if gasBufferPercent < 0 {
		gasBufferPercent = DefaultGasBufferPercent
	}
	return &Service{
		escrow:    escrow,
		node:      node,
		domain:    domain,
		gasBuffer: gasBufferPercent,
		log:       log,
		now:       time.Now,
		stats:     newCounters(),
	}
}

// Stats returns a consistent snapshot of the counters.
func (s *Service) Stats() Stats { return s.stats.snapshot() }

// ResetStats zeroes the counters.
func (s *Service) ResetStats() { s.stats.reset() }

// GasLimit applies the safety buffer to a gas estimate.
func (s *Service) GasLimit(estimate uint64) uint64 {
	return estimate * uint64(100+s.gasBuffer) / 100
}

// finish books the outcome of one request into the counters.
func (s *Service) finish(r *chain.Receipt, err error) (*chain.Receipt, error) {
	var re *Error
	switch {
	case err == nil:
		s.stats.succeed(r)
	case errors.As(err, &re) && errors.Is(re, ErrSubmission):
		s.stats.fail(re.Receipt)
	default:
		s.stats.reject()
	}
	return r, err
}

func (s *Service) checkEscrow(addr string) *Error {
	if addr == "" {
		return nil
	}
	if !common.IsHexAddress(addr) {
		return invalid("escrowAddress")
	}
	if common.HexToAddress(addr) != s.escrow.Address() {
		return reject(http.StatusBadRequest, ReasonUnknownEscrow, "Unknown escrow "+addr, ErrRejected)
	}
	return nil
}

// parseRefund validates presence and shape of every field. It makes no
// chain calls.
func (s *Service) parseRefund(req *RefundRequest) (*voucher.MetaRefund, []byte, *Error) {
	if req.RequestCommitment == "" || req.Amount == "" || req.Client == "" || req.Deadline == 0 ||
		req.ClientSignature == "" || req.ServerSignature == "" {
		return nil, nil, reject(http.StatusBadRequest, ReasonMissingFields, "Missing required parameters", ErrRejected)
	}
	if e := s.checkEscrow(req.EscrowAddress); e != nil {
		return nil, nil, e
	}
	c, err := commitment.Parse(req.RequestCommitment)
	if err != nil {
		return nil, nil, invalid("requestCommitment")
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 || voucher.CheckUint256(amount) != nil {
		return nil, nil, invalid("amount")
	}
	if !common.IsHexAddress(req.Client) {
		return nil, nil, invalid("client")
	}
	clientSig, err := hexutil.Decode(req.ClientSignature)
	if err != nil || len(clientSig) != 65 {
		return nil, nil, invalid("clientSignature")
	}
	serverSig, err := hexutil.Decode(req.ServerSignature)
	if err != nil || len(serverSig) != 65 {
		return nil, nil, invalid("serverSignature")
	}
	return &voucher.MetaRefund{
		RequestCommitment: c,
		Amount:            amount,
		Client:            common.HexToAddress(req.Client),
		Deadline:          big.NewInt(req.Deadline),
		Signature:         clientSig,
	}, serverSig, nil
}

// RelayRefund validates a signed MetaRefund and submits metaClaimRefund,
// paying the gas. Errors are *Error.
func (s *Service) RelayRefund(ctx context.Context, req *RefundRequest) (*chain.Receipt, error) {
	s.stats.begin()
	return s.finish(s.relayRefund(ctx, req))
}

func (s *Service) relayRefund(ctx context.Context, req *RefundRequest) (*chain.Receipt, error) {
	m, serverSig, rej := s.parseRefund(req)
	if rej != nil {
		return nil, rej
	}
	log := s.log.With(zap.String("commitment", req.RequestCommitment), zap.String("client", m.Client.Hex()))

	if s.now().Unix() > req.Deadline {
		return nil, reject(http.StatusBadRequest, ReasonExpired, "Signature expired", ErrExpired)
	}

	settled, err := s.escrow.CommitmentSettled(ctx, m.RequestCommitment)
	if err != nil {
		log.Error("commitment settled lookup", zap.Error(err))
		return nil, reject(http.StatusBadGateway, ReasonLookupFailed, err.Error(), ErrRejected)
	}
	if settled {
		return nil, reject(http.StatusBadRequest, ReasonAlreadySettled, "Request already settled", ErrAlreadySettled)
	}

	signer, err := voucher.RecoverMetaRefund(m, s.domain)
	if err != nil || signer != m.Client {
		return nil, reject(http.StatusBadRequest, ReasonBadClientSig, "Invalid client signature", ErrRejected)
	}

	provider, err := s.escrow.Provider(ctx)
	if err != nil {
		log.Error("provider lookup", zap.Error(err))
		return nil, reject(http.StatusBadGateway, ReasonLookupFailed, err.Error(), ErrRejected)
	}
	claim := &voucher.RefundClaim{RequestCommitment: m.RequestCommitment, Amount: m.Amount, Signature: serverSig}
	if signer, err := voucher.RecoverRefundClaim(claim, s.domain); err != nil || signer != provider {
		return nil, reject(http.StatusBadRequest, ReasonBadProviderSig, "Invalid server signature", ErrRejected)
	}

	estimate, err := s.escrow.EstimateMetaClaimRefund(ctx, m, serverSig)
	if err != nil {
		log.Warn("gas estimate failed", zap.Error(err))
		return nil, reject(http.StatusBadRequest, ReasonEstimateFailed, err.Error(), ErrRejected)
	}
	limit := s.GasLimit(estimate)
	log.Info("relaying refund",
		zap.String("amount", chain.FormatUnits(m.Amount, 6)),
		zap.Uint64("gas_estimate", estimate),
		zap.Uint64("gas_limit", limit),
	)

	r, err := s.escrow.MetaClaimRefund(ctx, m, serverSig, limit)
	if err != nil {
		log.Error("relay failed", zap.Error(err))
		e := reject(http.StatusInternalServerError, ReasonSubmissionFailed, err.Error(), ErrSubmission)
		e.Receipt = r
		return nil, e
	}
	log.Info("refund relayed",
		zap.String("tx", r.TxHash.Hex()),
		zap.Uint64("block", r.BlockNumber),
		zap.Uint64("gas_used", r.GasUsed),
		zap.String("gas_cost", chain.FormatEther(r.GasCost)),
	)
	return r, nil
}

// RelayTimeoutRefund submits claimTimeoutRefund once the escrow deadline of
// the payment has passed. Before that the *Error carries TimeLeft.
func (s *Service) RelayTimeoutRefund(ctx context.Context, req *TimeoutRequest) (*chain.Receipt, error) {
	s.stats.begin()
	return s.finish(s.relayTimeout(ctx, req))
}

func (s *Service) relayTimeout(ctx context.Context, req *TimeoutRequest) (*chain.Receipt, error) {
	if req.RequestCommitment == "" || req.ClientSignature == "" {
		return nil, reject(http.StatusBadRequest, ReasonMissingFields, "Missing required parameters", ErrRejected)
	}
	if e := s.checkEscrow(req.EscrowAddress); e != nil {
		return nil, e
	}
	c, err := commitment.Parse(req.RequestCommitment)
	if err != nil {
		return nil, invalid("requestCommitment")
	}
	if _, err := hexutil.Decode(req.ClientSignature); err != nil {
		return nil, invalid("clientSignature")
	}
	log := s.log.With(zap.String("commitment", req.RequestCommitment))

	p, err := s.escrow.PendingPayment(ctx, c)
	if err != nil {
		log.Error("pending payment lookup", zap.Error(err))
		return nil, reject(http.StatusBadGateway, ReasonLookupFailed, err.Error(), ErrRejected)
	}
	if p.Client == (common.Address{}) {
		return nil, reject(http.StatusBadRequest, ReasonNotFound, "Payment not found", ErrRejected)
	}
	if p.Settled() {
		return nil, reject(http.StatusBadRequest, ReasonAlreadySettled, "Payment already settled", ErrAlreadySettled)
	}
	now := s.now().Unix()
	if deadline := p.Deadline.Unix(); now <= deadline {
		e := reject(http.StatusBadRequest, ReasonNotExpired, "Payment not yet expired", ErrNotExpired)
		left := deadline - now
		e.TimeLeft = &left
		return nil, e
	}

	r, err := s.escrow.ClaimTimeoutRefund(ctx, c)
	if err != nil {
		log.Error("timeout refund failed", zap.Error(err))
		e := reject(http.StatusInternalServerError, ReasonSubmissionFailed, err.Error(), ErrSubmission)
		e.Receipt = r
		return nil, e
	}
	log.Info("timeout refund relayed",
		zap.String("tx", r.TxHash.Hex()),
		zap.String("gas_cost", chain.FormatEther(r.GasCost)),
	)
	return r, nil
}

// Health is the relay account's view of the chain.
type Health struct {
	Relayer     common.Address
	Balance     *big.Int
	BlockNumber uint64
	ChainID     *big.Int
	Stats       Stats
}

func (s *Service) Health(ctx context.Context) (*Health, error) {
	bal, err := s.node.Balance(ctx, s.node.From())
	if err != nil {
		return nil, fmt.Errorf("balance: %w", err)
	}
	bn, err := s.node.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	return &Health{
		Relayer:     s.node.From(),
		Balance:     bal,
		BlockNumber: bn,
		ChainID:     s.node.ChainID(),
		Stats:       s.Stats(),
	}, nil
}
