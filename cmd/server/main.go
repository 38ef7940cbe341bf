package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-guard/internal/chain"
	"github.com/0gfoundation/x402-guard/internal/config"
	"github.com/0gfoundation/x402-guard/internal/insurance"
	"github.com/0gfoundation/x402-guard/internal/payment"
	"github.com/0gfoundation/x402-guard/internal/refund"
	"github.com/0gfoundation/x402-guard/internal/server"
	"github.com/0gfoundation/x402-guard/internal/voucher"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	if err := cfg.ValidateServer(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis (issued-authorization log, served log) ──────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Provider key ──────────────────────────────────────────────────────────
	signer, err := voucher.KeySignerFromHex(cfg.Server.PrivateKey)
	if err != nil {
		log.Fatal("invalid SERVER_PRIVATE_KEY", zap.Error(err))
	}
	price, ok := new(big.Int).SetString(cfg.Server.Price, 10)
	if !ok || price.Sign() <= 0 {
		log.Fatal("invalid PRICE", zap.String("price", cfg.Server.Price))
	}

	// ── x402 paywall ──────────────────────────────────────────────────────────
	paywall := payment.Paywall(payment.PaywallConfig{
		Price:       price,
		PayTo:       signer.Address().Hex(),
		Network:     cfg.Server.Network,
		Asset:       cfg.Server.Asset,
		Extra:       &payment.Extra{Name: "USDC", Version: "2"},
		Description: "x402-guard protected resource",
		PublicURL:   cfg.Server.PublicURL,
	}, payment.NewFacilitatorClient(cfg.Server.FacilitatorURL), log)

	issuer := refund.NewIssuer(signer, cfg.Escrow.Domain(cfg.Chain.ChainID), rdb, log)

	// ── Insurance confirmation (optional) ─────────────────────────────────────
	var confirmer server.Confirmer
	if cfg.Insurance.Enabled() {
		onchain, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.ChainID, signer.PrivateKey(), log)
		if err != nil {
			log.Fatal("chain client init failed", zap.Error(err))
		}
		ledger := onchain.Insurance(cfg.Insurance.ContractAddress())
		confirmer = insurance.NewConfirmer(ledger, signer, cfg.Insurance.Domain(cfg.Chain.ChainID), log)
		log.Info("insurance confirmations enabled", zap.String("insurance", cfg.Insurance.Address))
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	server.NewHandler(issuer, cfg.Escrow.ContractAddress(), paywall, confirmer, rdb, log).Register(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("resource server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("provider", signer.Address().Hex()),
			zap.String("escrow", cfg.Escrow.Address),
			zap.String("price", chain.FormatUnits(price, 6)),
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
	log.Info("shutdown complete")
}
