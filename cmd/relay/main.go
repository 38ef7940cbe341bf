package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-guard/internal/auth"
	"github.com/0gfoundation/x402-guard/internal/chain"
	"github.com/0gfoundation/x402-guard/internal/config"
	"github.com/0gfoundation/x402-guard/internal/relay"
	"github.com/0gfoundation/x402-guard/internal/voucher"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	if err := cfg.ValidateRelay(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Chain client (relayer key pays gas) ───────────────────────────────────
	signer, err := voucher.KeySignerFromHex(cfg.Relay.PrivateKey)
	if err != nil {
		log.Fatal("invalid RELAYER_PRIVATE_KEY", zap.Error(err))
	}
	onchain, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.ChainID, signer.PrivateKey(), log)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}
	escrow := onchain.Escrow(cfg.Escrow.ContractAddress())

	svc := relay.NewService(escrow, onchain, cfg.Escrow.Domain(cfg.Chain.ChainID), cfg.Relay.GasBufferPercent, log)

	// ── Admin guard for /reset-stats (optional) ───────────────────────────────
	var admin gin.HandlerFunc
	if cfg.Relay.AdminAddress != "" {
		if !common.IsHexAddress(cfg.Relay.AdminAddress) {
			log.Fatal("invalid RELAYER_ADMIN_ADDRESS", zap.String("address", cfg.Relay.AdminAddress))
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("redis ping failed", zap.Error(err))
		}
		admin = auth.NewGuard(common.HexToAddress(cfg.Relay.AdminAddress), rdb, log).Require("reset-stats")
	} else {
		log.Warn("RELAYER_ADMIN_ADDRESS not set; /reset-stats is unauthenticated")
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery(), relay.RequestID())
	relay.NewHandler(svc, admin, log).Register(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Relay.Port),
		Handler: r,
	}

	go func() {
		log.Info("relay starting",
			zap.Int("port", cfg.Relay.Port),
			zap.String("relayer", onchain.From().Hex()),
			zap.String("escrow", cfg.Escrow.Address),
			zap.Int64("gas_buffer_percent", cfg.Relay.GasBufferPercent),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	s := svc.Stats()
	log.Info("final stats",
		zap.Uint64("total_relays", s.TotalRelays),
		zap.Uint64("successful_relays", s.SuccessfulRelays),
		zap.Uint64("failed_relays", s.FailedRelays),
		zap.Uint64("rejected_relays", s.RejectedRelays),
		zap.Uint64("total_gas_used", s.TotalGasUsed),
		zap.String("total_gas_cost", chain.FormatEther(s.TotalGasCost)),
	)
}
