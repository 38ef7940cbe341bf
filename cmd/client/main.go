package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-guard/internal/apiclient"
	"github.com/0gfoundation/x402-guard/internal/chain"
	"github.com/0gfoundation/x402-guard/internal/commitment"
	"github.com/0gfoundation/x402-guard/internal/config"
	"github.com/0gfoundation/x402-guard/internal/insurance"
	"github.com/0gfoundation/x402-guard/internal/payment"
	"github.com/0gfoundation/x402-guard/internal/receipt"
	"github.com/0gfoundation/x402-guard/internal/refund"
	"github.com/0gfoundation/x402-guard/internal/voucher"
)

const (
	modeDirect    = "direct"
	modeRelay     = "relay"
	modeTimeout   = "timeout"
	modeInsurance = "insurance"
)

type options struct {
	mode       string
	path       string
	commitment string
	wait       bool
}

func main() {
	var opts options
	flag.StringVar(&opts.mode, "mode", modeDirect, "direct | relay | timeout | insurance")
	flag.StringVar(&opts.path, "path", "/fail", "resource path to request")
	flag.StringVar(&opts.commitment, "commitment", "", "request commitment (timeout mode)")
	flag.BoolVar(&opts.wait, "wait", true, "insurance mode: wait out the timeout and claim")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	if err := cfg.ValidateClient(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s, err := newSession(ctx, cfg, log)
	if err != nil {
		log.Fatal("client init failed", zap.Error(err))
	}
	if err := s.run(ctx, opts); err != nil {
		log.Fatal("client run failed", zap.String("mode", opts.mode), zap.Error(err))
	}
}

// session holds the client's connections for one run.
type session struct {
	cfg     *config.Config
	signer  *voucher.KeySigner
	onchain *chain.Client
	escrow  *chain.Escrow
	token   *chain.Token
	server  *apiclient.ResourceClient
	claimer *refund.Claimer
	log     *zap.Logger
}

func newSession(ctx context.Context, cfg *config.Config, log *zap.Logger) (*session, error) {
	signer, err := voucher.KeySignerFromHex(cfg.Client.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("CLIENT_PRIVATE_KEY: %w", err)
	}
	onchain, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.ChainID, signer.PrivateKey(), log)
	if err != nil {
		return nil, err
	}
	escrow := onchain.Escrow(cfg.Escrow.ContractAddress())

	var rel refund.Relay
	if cfg.Client.RelayURL != "" {
		rel = apiclient.NewRelayClient(cfg.Client.RelayURL)
	}
	return &session{
		cfg:     cfg,
		signer:  signer,
		onchain: onchain,
		escrow:  escrow,
		token:   onchain.Token(common.HexToAddress(cfg.Server.Asset)),
		server:  apiclient.NewResourceClient(cfg.Client.ServerURL, payment.NewPayer(signer, onchain.ChainID()), log),
		claimer: refund.NewClaimer(escrow, signer, cfg.Escrow.Domain(cfg.Chain.ChainID), rel, log),
		log:     log,
	}, nil
}

func (s *session) run(ctx context.Context, opts options) error {
	switch opts.mode {
	case modeTimeout:
		return s.runTimeout(ctx, opts.commitment)
	case modeDirect, modeRelay, modeInsurance:
	default:
		return fmt.Errorf("unknown mode %q", opts.mode)
	}

	// ── Pre-flight ────────────────────────────────────────────────────────────
	h, err := refund.CheckEscrowHealth(ctx, s.escrow)
	if err != nil {
		return err
	}
	s.log.Info("escrow healthy",
		zap.String("bond", chain.FormatUnits(h.BondBalance, 6)),
		zap.String("min_bond", chain.FormatUnits(h.MinBond, 6)),
	)
	info, err := s.server.Escrow(ctx)
	if err != nil {
		return fmt.Errorf("server escrow: %w", err)
	}
	if info.Address != s.escrow.Address() {
		return fmt.Errorf("server uses escrow %s, configured %s", info.Address.Hex(), s.escrow.Address().Hex())
	}
	before := s.balance(ctx, "before")

	// ── Paid request ──────────────────────────────────────────────────────────
	ex, err := s.server.Get(ctx, opts.path)
	if err != nil {
		return fmt.Errorf("request %s: %w", opts.path, err)
	}
	rc := commitment.Compute(ex.Request.Method, ex.Request.URL, ex.Request.PaymentHeader, commitment.DefaultWindow)
	s.log.Info("response received",
		zap.Int("status", ex.Status),
		zap.String("commitment", commitment.Hex(rc)),
	)

	if opts.mode == modeInsurance {
		return s.runInsurance(ctx, ex, rc, info.ProviderAddress, opts.wait)
	}

	f, ok := ex.Failure()
	if !ok {
		s.log.Info("service delivered", zap.ByteString("body", ex.Body))
		return nil
	}
	s.log.Warn("service failed", zap.String("code", f.Code), zap.String("message", f.Message))
	if f.Refund == nil {
		return fmt.Errorf("%s: no refund offered, keep commitment %s for a dispute", f.Code, f.RequestCommitment)
	}

	// ── Refund ────────────────────────────────────────────────────────────────
	claim, err := s.claimer.Verify(ex.Request, f)
	if err != nil {
		return err
	}
	path, err := receipt.SaveRefund(s.cfg.Client.ReceiptDir, &receipt.Refund{
		Timestamp:         time.Now().UTC(),
		RequestCommitment: f.RequestCommitment,
		Amount:            claim.Amount.String(),
		Signature:         hexutil.Encode(claim.Signature),
	})
	if err != nil {
		return err
	}
	s.log.Info("refund receipt saved", zap.String("file", path))

	var res *refund.Result
	if opts.mode == modeRelay {
		res, err = s.claimer.ClaimViaRelay(ctx, ex.Request, f)
	} else {
		res, err = s.claimer.Claim(ctx, ex.Request, f)
	}
	if err != nil {
		return err
	}
	if res.AlreadySettled {
		s.log.Info("refund already settled", zap.String("commitment", f.RequestCommitment))
	} else {
		s.log.Info("refund claimed", zap.String("tx", res.TxHash), zap.String("amount", chain.FormatUnits(res.Amount, 6)))
		if err := receipt.MarkClaimed(path, res.TxHash); err != nil {
			s.log.Warn("update refund receipt", zap.String("file", path), zap.Error(err))
		}
	}
	s.report(ctx, before)
	return nil
}

func (s *session) runTimeout(ctx context.Context, hexCommitment string) error {
	c, err := commitment.Parse(hexCommitment)
	if err != nil {
		return fmt.Errorf("-commitment: %w", err)
	}
	res, err := s.claimer.ClaimTimeout(ctx, c)
	var ne *refund.NotExpiredError
	if errors.As(err, &ne) {
		s.log.Info("payment not yet expired, retry later", zap.Duration("time_left", ne.TimeLeft))
		return nil
	}
	if err != nil {
		return err
	}
	s.log.Info("timeout refund", zap.String("tx", res.TxHash), zap.Bool("already_settled", res.AlreadySettled))
	return nil
}

func (s *session) runInsurance(ctx context.Context, ex *apiclient.Exchange, rc [32]byte, provider common.Address, wait bool) error {
	if !s.cfg.Insurance.Enabled() {
		return errors.New("INSURANCE_ADDRESS not configured")
	}
	amount := ex.Amount()
	if amount == nil {
		return errors.New("request was not paid; nothing to insure")
	}
	insAddr := s.cfg.Insurance.ContractAddress()
	timeout := time.Duration(s.cfg.Client.InsuranceTimeoutMinutes) * time.Minute
	p := insurance.NewProtector(s.onchain.Insurance(insAddr), s.cfg.Client.InsuranceFeeBps, timeout, s.log)

	if _, err := p.CheckProvider(ctx, provider); err != nil {
		return err
	}
	fee := p.Fee(amount)
	if _, err := s.token.EnsureAllowance(ctx, insAddr, new(big.Int).Add(amount, fee)); err != nil {
		return fmt.Errorf("approve insurance: %w", err)
	}
	pol, err := p.Protect(ctx, rc, provider, amount)
	if err != nil {
		return err
	}
	path, err := receipt.SaveInsurance(s.cfg.Client.ReceiptDir, &receipt.Insurance{
		Timestamp:         time.Now().UTC(),
		RequestCommitment: commitment.Hex(rc),
		PaymentAmount:     amount.String(),
		InsuranceFee:      fee.String(),
		Provider:          provider.Hex(),
		TimeoutMinutes:    s.cfg.Client.InsuranceTimeoutMinutes,
	})
	if err != nil {
		return err
	}
	s.log.Info("insurance receipt saved", zap.String("file", path), zap.Time("deadline", pol.Deadline))

	if _, ok := ex.Failure(); !ok || !wait {
		return nil
	}

	before := s.balance(ctx, "before claim")
	s.log.Info("waiting for insurance timeout", zap.Duration("wait", time.Until(pol.Deadline)+5*time.Second))
	select {
	case <-time.After(time.Until(pol.Deadline) + 5*time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}
	paid, err := p.ClaimIfEligible(ctx, rc)
	var nc *insurance.NotClaimableError
	if errors.As(err, &nc) {
		s.log.Warn("insurance not claimable", zap.Stringer("status", nc.Status), zap.Duration("time_left", nc.TimeLeft))
		return nil
	}
	if err != nil {
		return err
	}
	s.log.Info("insurance paid out", zap.String("payout", chain.FormatUnits(paid.Payout(), 6)))
	s.report(ctx, before)
	return nil
}

func (s *session) balance(ctx context.Context, label string) *big.Int {
	bal, err := s.token.BalanceOf(ctx, s.signer.Address())
	if err != nil {
		s.log.Warn("balance read failed", zap.Error(err))
		return nil
	}
	s.log.Info("token balance", zap.String("at", label), zap.String("balance", chain.FormatUnits(bal, 6)))
	return bal
}

func (s *session) report(ctx context.Context, before *big.Int) {
	after := s.balance(ctx, "after")
	if before == nil || after == nil {
		return
	}
	s.log.Info("balance change", zap.String("delta", chain.FormatUnits(new(big.Int).Sub(after, before), 6)))
}
