package auth

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Header names carried by an admin request.
const (
	HeaderAddress   = "X-Admin-Address"
	HeaderMessage   = "X-Signed-Message"
	HeaderSignature = "X-Admin-Signature"
)

// NonceKeyFmt is the Redis key marking an admin nonce as spent.
const NonceKeyFmt = "admin:nonce:%s"

// SignedAction is the JSON payload inside X-Signed-Message.
type SignedAction struct {
	Action    string `json:"action"`
	ExpiresAt int64  `json:"expires_at"`
	Nonce     string `json:"nonce"`
}

const maxFutureWindow = 5 * time.Minute

// Guard admits requests signed by a single admin address for a named action.
type Guard struct {
	admin common.Address
	rdb   *redis.Client
	log   *zap.Logger
	now   func() time.Time
}

func NewGuard(admin common.Address, rdb *redis.Client, log *zap.Logger) *Guard {
	return &Guard{admin: admin, rdb: rdb, log: log, now: time.Now}
}

// Require returns a Gin handler that only lets through a fresh, unreplayed
// signature by the admin over action.
func (g *Guard) Require(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.GetHeader(HeaderAddress)
		msgB64 := c.GetHeader(HeaderMessage)
		sigHex := c.GetHeader(HeaderSignature)

		if addr == "" || msgB64 == "" || sigHex == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth headers"})
			return
		}

		msgBytes, err := base64.StdEncoding.DecodeString(msgB64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid X-Signed-Message encoding"})
			return
		}
		var req SignedAction
		if err := json.Unmarshal(msgBytes, &req); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signed message JSON"})
			return
		}
		if req.Action != action {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "action mismatch"})
			return
		}

		now := g.now().Unix()
		if req.ExpiresAt <= now {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request expired"})
			return
		}
		if req.ExpiresAt > now+int64(maxFutureWindow.Seconds()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "expires_at too far in future"})
			return
		}

		sig, err := hexutil.Decode(sigHex)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature hex"})
			return
		}
		recovered, err := Recover(msgBytes, sig)
		if err != nil || !strings.EqualFold(recovered.Hex(), addr) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
		if recovered != g.admin {
			g.log.Warn("admin request from non-admin", zap.String("signer", recovered.Hex()), zap.String("action", action))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not admin"})
			return
		}

		ttl := time.Duration(req.ExpiresAt-now) * time.Second
		set, err := g.rdb.SetNX(c.Request.Context(), fmt.Sprintf(NonceKeyFmt, req.Nonce), 1, ttl).Result()
		if err != nil {
			g.log.Error("nonce store", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !set {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "nonce already used"})
			return
		}

		c.Set("admin_address", recovered.Hex())
		c.Next()
	}
}

// SignHeaders builds the three admin headers for action, valid for ttl.
func SignHeaders(key *ecdsa.PrivateKey, action string, ttl time.Duration) (http.Header, error) {
	msg, err := json.Marshal(SignedAction{
		Action:    action,
		ExpiresAt: time.Now().Add(ttl).Unix(),
		Nonce:     uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}
	sig, err := Sign(msg, key)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set(HeaderAddress, crypto.PubkeyToAddress(key.PublicKey).Hex())
	h.Set(HeaderMessage, base64.StdEncoding.EncodeToString(msg))
	h.Set(HeaderSignature, hexutil.Encode(sig))
	return h, nil
}
