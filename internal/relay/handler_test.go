package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-guard/internal/auth"
	"github.com/0gfoundation/x402-guard/internal/chain"
	"github.com/0gfoundation/x402-guard/internal/commitment"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(f *fixture, admin gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(RequestID())
	NewHandler(f.svc, admin, zap.NewNop()).Register(r)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var out map[string]any
	json.Unmarshal(w.Body.Bytes(), &out) //nolint:errcheck
	return w, out
}

func TestHandler_RelayRefund(t *testing.T) {
	f := newFixture(t)
	r := newRouter(f, nil)

	w, out := do(t, r, http.MethodPost, "/relay-refund", f.signedRequest(t, "/fail", t0.Add(time.Minute)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, true, out["success"])
	require.Equal(t, "80000", out["gasUsed"])
	require.Equal(t, "0.00008", out["gasCost"])
	require.NotEmpty(t, out["txHash"])
	require.NotEmpty(t, out["elapsed"])
	require.NotEmpty(t, w.Header().Get(HeaderRequestID))
}

// Scenario B: a settled commitment is refused and nothing is submitted.
func TestHandler_AlreadySettled(t *testing.T) {
	f := newFixture(t)
	r := newRouter(f, nil)
	req := f.signedRequest(t, "/fail", t0.Add(time.Minute))
	c, _ := commitment.Parse(req.RequestCommitment)
	f.escrow.settled[c] = true

	w, out := do(t, r, http.MethodPost, "/relay-refund", req)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, false, out["success"])
	require.Equal(t, "Request already settled", out["error"])
	require.Zero(t, f.escrow.submits)
}

func TestHandler_OversizedAmount(t *testing.T) {
	f := newFixture(t)
	r := newRouter(f, nil)
	req := f.signedRequest(t, "/fail", t0.Add(time.Minute))
	req.Amount = new(big.Int).Lsh(big.NewInt(1), 256).String()

	w, out := do(t, r, http.MethodPost, "/relay-refund", req)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, false, out["success"])
	require.Equal(t, ReasonInvalidField, out["reason"])
}

func TestHandler_InvalidBody(t *testing.T) {
	f := newFixture(t)
	r := newRouter(f, nil)

	req := httptest.NewRequest(http.MethodPost, "/relay-refund", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	s := f.svc.Stats()
	require.Equal(t, uint64(1), s.TotalRelays)
	require.Equal(t, uint64(1), s.RejectedRelays)
}

func TestHandler_TimeoutNotExpired(t *testing.T) {
	f := newFixture(t)
	r := newRouter(f, nil)
	c := [32]byte{5}
	f.escrow.pending[c] = &chain.PendingPayment{Client: relayerAddr, Deadline: t0.Add(30 * time.Second)}

	w, out := do(t, r, http.MethodPost, "/relay-timeout-refund", timeoutRequest(c))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "Payment not yet expired", out["error"])
	require.Equal(t, float64(30), out["timeLeft"])
}

func TestHandler_HealthAndStats(t *testing.T) {
	f := newFixture(t)
	r := newRouter(f, nil)
	_, err := f.svc.RelayRefund(context.Background(), f.signedRequest(t, "/fail", t0.Add(time.Minute)))
	require.NoError(t, err)

	w, out := do(t, r, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, relayerAddr.Hex(), out["relayer"])
	require.Equal(t, "1.5", out["ethBalance"])
	require.Equal(t, float64(1234), out["blockNumber"])
	require.Equal(t, "84532", out["network"])

	w, out = do(t, r, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := out["stats"].(map[string]any)
	require.Equal(t, float64(1), stats["totalRelays"])
	require.Equal(t, "100.00%", stats["successRate"])
	require.Equal(t, "0.00008", stats["avgGasCost"])
}

func TestHandler_ResetStatsGuarded(t *testing.T) {
	f := newFixture(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	adminKey, _ := crypto.GenerateKey()
	guard := auth.NewGuard(crypto.PubkeyToAddress(adminKey.PublicKey), rdb, zap.NewNop())
	r := newRouter(f, guard.Require("reset-stats"))

	_, err := f.svc.RelayRefund(context.Background(), f.signedRequest(t, "/fail", t0.Add(time.Minute)))
	require.NoError(t, err)

	w, _ := do(t, r, http.MethodPost, "/reset-stats", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, uint64(1), f.svc.Stats().TotalRelays)

	h, err := auth.SignHeaders(adminKey, "reset-stats", time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/reset-stats", nil)
	req.Header = h
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Zero(t, f.svc.Stats().TotalRelays)
}

func TestRequestID_Echo(t *testing.T) {
	f := newFixture(t)
	r := newRouter(f, nil)
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set(HeaderRequestID, "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, "abc-123", w.Header().Get(HeaderRequestID))
}
