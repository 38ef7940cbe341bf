package payment

import (
	"math/big"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	ctxKeyPayload = "x402.payload"
	ctxKeySettle  = "x402.settle"
)

// PaywallConfig is the price list entry for a group of paid routes.
type PaywallConfig struct {
	Price             *big.Int
	PayTo             string
	Network           string
	Asset             string
	Extra             *Extra
	Description       string
	PublicURL         string // resource prefix; defaults to the request's scheme://host
	MaxTimeoutSeconds int
}

// Requirements returns what the paywall advertises for the given request.
func (cfg PaywallConfig) Requirements(r *http.Request) *Requirements {
	base := strings.TrimRight(cfg.PublicURL, "/")
	if base == "" {
		base = RequestScheme(r) + "://" + r.Host
	}
	timeout := cfg.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = 60
	}
	return &Requirements{
		Scheme:            SchemeExact,
		Network:           cfg.Network,
		MaxAmountRequired: cfg.Price.String(),
		Resource:          base + r.URL.Path,
		Description:       cfg.Description,
		MimeType:          "application/json",
		PayTo:             cfg.PayTo,
		MaxTimeoutSeconds: timeout,
		Asset:             cfg.Asset,
		Extra:             cfg.Extra,
	}
}

// RequestScheme returns "https" when the request arrived over TLS or via a
// proxy reporting X-Forwarded-Proto https.
func RequestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		return strings.ToLower(strings.TrimSpace(strings.Split(p, ",")[0]))
	}
	return "http"
}

// Paywall gates a route on a verified and settled x402 payment. Settlement
// happens before the handler runs, so handlers only ever see funds that have
// already moved.
func Paywall(cfg PaywallConfig, fac Facilitator, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := cfg.Requirements(c.Request)

		header := c.GetHeader(HeaderPayment)
		if header == "" {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":       "X-PAYMENT header is required",
				"accepts":     []*Requirements{req},
				"x402Version": X402Version,
			})
			return
		}
		p, err := Decode(header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":       err.Error(),
				"accepts":     []*Requirements{req},
				"x402Version": X402Version,
			})
			return
		}

		ctx := c.Request.Context()
		vr, err := fac.Verify(ctx, p, req)
		if err != nil {
			log.Error("facilitator verify", zap.String("resource", req.Resource), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":       err.Error(),
				"x402Version": X402Version,
			})
			return
		}
		if !vr.IsValid {
			reason := "invalid payment"
			if vr.InvalidReason != nil {
				reason = *vr.InvalidReason
			}
			log.Info("payment rejected", zap.String("resource", req.Resource), zap.String("reason", reason))
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":       reason,
				"accepts":     []*Requirements{req},
				"x402Version": X402Version,
			})
			return
		}

		sr, err := fac.Settle(ctx, p, req)
		if err != nil || !sr.Success {
			reason := "settlement failed"
			if err != nil {
				reason = err.Error()
			} else if sr.ErrorReason != nil {
				reason = *sr.ErrorReason
			}
			log.Warn("payment settlement failed", zap.String("resource", req.Resource), zap.String("reason", reason))
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":       reason,
				"accepts":     []*Requirements{req},
				"x402Version": X402Version,
			})
			return
		}

		encoded, err := EncodeSettleResponse(sr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		log.Info("payment settled",
			zap.String("resource", req.Resource),
			zap.String("tx", sr.Transaction),
		)
		c.Header(HeaderPaymentResponse, encoded)
		c.Set(ctxKeyPayload, p)
		c.Set(ctxKeySettle, sr)
		c.Next()
	}
}

// PayloadFrom returns the settled payment for the current request, if any.
func PayloadFrom(c *gin.Context) (*Payload, bool) {
	v, ok := c.Get(ctxKeyPayload)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Payload)
	return p, ok
}

// SettlementFrom returns the facilitator's settle response for the current request.
func SettlementFrom(c *gin.Context) (*SettleResponse, bool) {
	v, ok := c.Get(ctxKeySettle)
	if !ok {
		return nil, false
	}
	s, ok := v.(*SettleResponse)
	return s, ok
}
