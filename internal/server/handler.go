// Package server serves paid endpoints behind the x402 paywall and issues
// refund authorizations when a paid request fails.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-guard/internal/commitment"
	"github.com/0gfoundation/x402-guard/internal/insurance"
	"github.com/0gfoundation/x402-guard/internal/payment"
	"github.com/0gfoundation/x402-guard/internal/refund"
)

const (
	// ServedKeyFmt marks a commitment as successfully served.
	ServedKeyFmt = "served:%s"
	servedTTL    = 24 * time.Hour

	// Policies are bought after the response arrives, so confirmation polls
	// until one exists or confirmTimeout passes.
	confirmTimeout = 2 * time.Minute
	confirmEvery   = 5 * time.Second
)

// Confirmer attests on the insurance ledger that a request was served.
// Decoupled here so handler tests can use a mock.
type Confirmer interface {
	Confirm(ctx context.Context, c [32]byte) error
}

// Handler wires up the resource-server routes onto a Gin engine.
type Handler struct {
	issuer    *refund.Issuer
	escrow    common.Address
	paywall   gin.HandlerFunc
	confirmer Confirmer
	rdb       *redis.Client
	log       *zap.Logger

	confirmEvery time.Duration
}

// NewHandler builds a Handler. confirmer may be nil when no insurance
// contract is configured.
func NewHandler(issuer *refund.Issuer, escrow common.Address, paywall gin.HandlerFunc, confirmer Confirmer, rdb *redis.Client, log *zap.Logger) *Handler {
	return &Handler{
		issuer:       issuer,
		escrow:       escrow,
		paywall:      paywall,
		confirmer:    confirmer,
		rdb:          rdb,
		log:          log,
		confirmEvery: confirmEvery,
	}
}

func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", h.handleHealth)
	r.GET("/escrow", h.handleEscrow)

	// ── Paid ───────────────────────────────────────────────────────────────
	r.GET("/premium", h.paywall, h.handlePremium)
	r.GET("/fail", h.paywall, h.handleFail)

	// ── Insurance ──────────────────────────────────────────────────────────
	r.POST("/insurance/confirm", h.handleConfirm)
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"status":        "healthy",
		"escrowAddress": h.escrow.Hex(),
		"insurance":     h.confirmer != nil,
	})
}

func (h *Handler) handleEscrow(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"address":         h.escrow.Hex(),
		"providerAddress": h.issuer.Address(),
	})
}

// ── Premium ────────────────────────────────────────────────────────────────

func (h *Handler) handlePremium(c *gin.Context) {
	req := refund.RequestFromHTTP(c.Request)
	rc := commitment.Compute(req.Method, req.URL, req.PaymentHeader, commitment.DefaultWindow)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Premium content delivered!",
		"data": gin.H{
			"secret":    "This is valuable paid content",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
		"requestCommitment": commitment.Hex(rc),
	})

	h.markServed(c.Request.Context(), rc)
	if h.confirmer != nil {
		go h.confirm(rc)
	}
}

func (h *Handler) markServed(ctx context.Context, rc [32]byte) {
	if h.rdb == nil {
		return
	}
	key := fmt.Sprintf(ServedKeyFmt, commitment.Hex(rc))
	if err := h.rdb.Set(ctx, key, time.Now().Unix(), servedTTL).Err(); err != nil {
		h.log.Warn("record served request", zap.String("commitment", commitment.Hex(rc)), zap.Error(err))
	}
}

func (h *Handler) confirm(rc [32]byte) {
	ctx, cancel := context.WithTimeout(context.Background(), confirmTimeout)
	defer cancel()
	log := h.log.With(zap.String("commitment", commitment.Hex(rc)))

	tick := time.NewTicker(h.confirmEvery)
	defer tick.Stop()
	for {
		err := h.confirmer.Confirm(ctx, rc)
		if err == nil {
			return
		}
		if !errors.Is(err, insurance.ErrPolicyNotFound) {
			log.Warn("insurance confirm failed", zap.Error(err))
			return
		}
		select {
		case <-ctx.Done():
			log.Debug("no insurance bought for request")
			return
		case <-tick.C:
		}
	}
}

// ── Fail ───────────────────────────────────────────────────────────────────

// handleFail simulates a failure after settlement: the client paid, so it
// gets a refund authorization bound to its exact request.
func (h *Handler) handleFail(c *gin.Context) {
	out, err := h.issuer.Issue(c.Request.Context(), refund.RequestFromHTTP(c.Request))
	resp := refund.FailureResponse{
		Success:           false,
		Code:              refund.CodeInternalError,
		Message:           "Service temporarily unavailable",
		RequestCommitment: commitment.Hex(out.Commitment),
	}
	switch {
	case err == nil:
		resp.Refund = out.Authorization()
		if out.Reissued {
			resp.Message += " (refund reissued)"
		}
	case errors.Is(err, payment.ErrMalformedHeader):
		h.log.Error("paid amount undecodable, no refund issued",
			zap.String("commitment", resp.RequestCommitment), zap.Error(err))
		resp.Code = refund.CodePaymentDecodeFailed
		resp.Message = "Paid amount could not be determined; keep the request commitment for a manual dispute"
	case errors.Is(err, refund.ErrAuthorizationConflict):
		resp.Code = refund.CodeAuthorizationRefused
		resp.Message = "A refund for this request was already issued"
	default:
		h.log.Error("issue refund", zap.String("commitment", resp.RequestCommitment), zap.Error(err))
		c.JSON(http.StatusInternalServerError, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ── Insurance confirm ──────────────────────────────────────────────────────

type confirmRequest struct {
	RequestCommitment string `json:"requestCommitment" binding:"required"`
}

// handleConfirm confirms service for a commitment this server delivered.
func (h *Handler) handleConfirm(c *gin.Context) {
	if h.confirmer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "insurance not configured"})
		return
	}
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "requestCommitment is required"})
		return
	}
	rc, err := commitment.Parse(req.RequestCommitment)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid requestCommitment"})
		return
	}
	if h.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "served log unavailable"})
		return
	}
	n, err := h.rdb.Exists(c.Request.Context(), fmt.Sprintf(ServedKeyFmt, commitment.Hex(rc))).Result()
	if err != nil {
		h.log.Error("served lookup", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
		return
	}
	if n == 0 {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "request was not served"})
		return
	}
	if err := h.confirmer.Confirm(c.Request.Context(), rc); err != nil {
		if errors.Is(err, insurance.ErrPolicyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "no insurance policy for request"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "requestCommitment": commitment.Hex(rc)})
}
