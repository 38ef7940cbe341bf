package relay

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-guard/internal/chain"
)

// HeaderRequestID tags every relay response.
const HeaderRequestID = "X-Request-ID"

// Handler mounts the relay HTTP surface on a Gin engine.
type Handler struct {
	svc   *Service
	admin gin.HandlerFunc
	log   *zap.Logger
}

// NewHandler builds a Handler. admin guards /reset-stats; nil leaves it open.
func NewHandler(svc *Service, admin gin.HandlerFunc, log *zap.Logger) *Handler {
	return &Handler{svc: svc, admin: admin, log: log}
}

// RequestID echoes an incoming X-Request-ID or assigns a fresh one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", h.handleHealth)
	r.GET("/stats", h.handleStats)

	r.POST("/relay-refund", h.handleRelayRefund)
	r.POST("/relay-timeout-refund", h.handleRelayTimeout)

	if h.admin != nil {
		r.POST("/reset-stats", h.admin, h.handleReset)
	} else {
		r.POST("/reset-stats", h.handleReset)
	}
}

// ── Health / stats ─────────────────────────────────────────────────────────

func (h *Handler) handleHealth(c *gin.Context) {
	hs, err := h.svc.Health(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, Response{Success: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"relayer":     hs.Relayer.Hex(),
		"ethBalance":  chain.FormatEther(hs.Balance),
		"blockNumber": hs.BlockNumber,
		"network":     hs.ChainID.String(),
		"stats":       hs.Stats.wire(false),
	})
}

func (h *Handler) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"relayer": h.svc.node.From().Hex(),
		"stats":   h.svc.Stats().wire(true),
	})
}

func (h *Handler) handleReset(c *gin.Context) {
	h.svc.ResetStats()
	h.log.Info("stats reset", zap.String("by", c.GetString("admin_address")))
	c.JSON(http.StatusOK, Response{Success: true, Message: "Stats reset"})
}

// ── Relays ─────────────────────────────────────────────────────────────────

func (h *Handler) handleRelayRefund(c *gin.Context) {
	start := time.Now()
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.svc.stats.begin()
		h.svc.stats.reject()
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "invalid request body", Reason: ReasonInvalidField})
		return
	}
	r, err := h.svc.RelayRefund(c.Request.Context(), &req)
	h.respond(c, start, r, err, "Refund claimed! Gas paid by relay.")
}

func (h *Handler) handleRelayTimeout(c *gin.Context) {
	start := time.Now()
	var req TimeoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.svc.stats.begin()
		h.svc.stats.reject()
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "invalid request body", Reason: ReasonInvalidField})
		return
	}
	r, err := h.svc.RelayTimeoutRefund(c.Request.Context(), &req)
	h.respond(c, start, r, err, "")
}

func (h *Handler) respond(c *gin.Context, start time.Time, r *chain.Receipt, err error, msg string) {
	elapsed := fmt.Sprintf("%dms", time.Since(start).Milliseconds())
	if err != nil {
		var re *Error
		if !errors.As(err, &re) {
			re = &Error{Status: http.StatusInternalServerError, Message: err.Error()}
		}
		resp := Response{Success: false, Error: re.Message, Reason: re.Reason, TimeLeft: re.TimeLeft}
		if errors.Is(re, ErrSubmission) {
			resp.Elapsed = elapsed
		}
		h.log.Info("relay rejected",
			zap.String("request_id", c.GetString("request_id")),
			zap.String("reason", re.Reason),
			zap.String("elapsed", elapsed),
		)
		c.JSON(re.Status, resp)
		return
	}
	c.JSON(http.StatusOK, Response{
		Success:     true,
		TxHash:      r.TxHash.Hex(),
		BlockNumber: r.BlockNumber,
		GasUsed:     fmt.Sprintf("%d", r.GasUsed),
		GasCost:     chain.FormatEther(r.GasCost),
		Elapsed:     elapsed,
		Message:     msg,
	})
}
