package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-guard/internal/chain"
	"github.com/0gfoundation/x402-guard/internal/config"
	"github.com/0gfoundation/x402-guard/internal/refund"
)

func main() {
	provider := flag.String("provider", "", "provider address for insurance stats (default: escrow provider)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	ctx := context.Background()
	onchain, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.ChainID, nil, zap.NewNop())
	if err != nil {
		fmt.Fprintln(os.Stderr, "chain:", err)
		os.Exit(1)
	}
	escrow := onchain.Escrow(cfg.Escrow.ContractAddress())

	h, err := refund.CheckEscrowHealth(ctx, escrow)
	if h == nil {
		fmt.Fprintln(os.Stderr, "escrow:", err)
		os.Exit(1)
	}
	prov, err := escrow.Provider(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "escrow provider:", err)
		os.Exit(1)
	}
	fmt.Printf("escrow:    %s\n", escrow.Address().Hex())
	fmt.Printf("provider:  %s\n", prov.Hex())
	fmt.Printf("healthy:   %t\n", h.Healthy)
	fmt.Printf("bond:      %s\n", chain.FormatUnits(h.BondBalance, 6))
	fmt.Printf("min bond:  %s\n", chain.FormatUnits(h.MinBond, 6))

	if !cfg.Insurance.Enabled() {
		return
	}
	who := prov
	if *provider != "" {
		who = common.HexToAddress(*provider)
	}
	s, err := onchain.Insurance(cfg.Insurance.ContractAddress()).ProviderStats(ctx, who)
	if err != nil {
		fmt.Fprintln(os.Stderr, "insurance:", err)
		os.Exit(1)
	}
	fmt.Printf("insurance: %s\n", cfg.Insurance.Address)
	fmt.Printf("  bond:     %s\n", chain.FormatUnits(s.BondBalance, 6))
	fmt.Printf("  min bond: %s\n", chain.FormatUnits(s.MinBond, 6))
	fmt.Printf("  healthy:  %t\n", s.Healthy)
}
