package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/0gfoundation/x402-guard/internal/voucher"
)

type Config struct {
	Chain     ChainConfig
	Escrow    ContractConfig
	Insurance ContractConfig
	Server    ServerConfig
	Relay     RelayConfig
	Client    ClientConfig
	Redis     RedisConfig
}

type ChainConfig struct {
	RPCURL  string `mapstructure:"rpc_url"`
	ChainID int64  `mapstructure:"chain_id"`
}

// ContractConfig describes a deployed contract and the EIP-712 domain it verifies under.
type ContractConfig struct {
	Address       string `mapstructure:"address"`
	DomainName    string `mapstructure:"domain_name"`
	DomainVersion string `mapstructure:"domain_version"`
}

// Enabled reports whether an address has been configured.
func (c ContractConfig) Enabled() bool { return c.Address != "" }

// ContractAddress parses Address.
func (c ContractConfig) ContractAddress() common.Address { return common.HexToAddress(c.Address) }

// Domain returns the EIP-712 domain signatures for this contract are made under.
func (c ContractConfig) Domain(chainID int64) voucher.Domain {
	return voucher.Domain{
		Name:              c.DomainName,
		Version:           c.DomainVersion,
		ChainID:           big.NewInt(chainID),
		VerifyingContract: c.ContractAddress(),
	}
}

type ServerConfig struct {
	Port           int    `mapstructure:"port"`
	PrivateKey     string `mapstructure:"private_key"`
	Price          string `mapstructure:"price"`
	Network        string `mapstructure:"network"`
	Asset          string `mapstructure:"asset"`
	FacilitatorURL string `mapstructure:"facilitator_url"`
	PublicURL      string `mapstructure:"public_url"`
}

type RelayConfig struct {
	Port             int    `mapstructure:"port"`
	PrivateKey       string `mapstructure:"private_key"`
	GasBufferPercent int64  `mapstructure:"gas_buffer_percent"`
	AdminAddress     string `mapstructure:"admin_address"`
}

type ClientConfig struct {
	PrivateKey              string `mapstructure:"private_key"`
	ServerURL               string `mapstructure:"server_url"`
	RelayURL                string `mapstructure:"relay_url"`
	ReceiptDir              string `mapstructure:"receipt_dir"`
	InsuranceFeeBps         int64  `mapstructure:"insurance_fee_bps"`
	InsuranceTimeoutMinutes int64  `mapstructure:"insurance_timeout_minutes"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

// Load reads .env (if present), config.yaml (if present) and the environment.
// It does not validate; each binary calls the Validate method for its role.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()

	// Defaults
	v.SetDefault("chain.rpc_url", "https://sepolia.base.org")
	v.SetDefault("chain.chain_id", 84532)
	v.SetDefault("escrow.domain_name", "BondedEscrow")
	v.SetDefault("escrow.domain_version", "1")
	v.SetDefault("insurance.domain_name", "X402InsuranceV2")
	v.SetDefault("insurance.domain_version", "1")
	v.SetDefault("server.port", 4000)
	v.SetDefault("server.price", "10000")
	v.SetDefault("server.network", "base-sepolia")
	v.SetDefault("server.asset", "0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	v.SetDefault("server.facilitator_url", "https://x402.org/facilitator")
	v.SetDefault("relay.port", 4001)
	v.SetDefault("relay.gas_buffer_percent", 20)
	v.SetDefault("client.server_url", "http://localhost:4000")
	v.SetDefault("client.relay_url", "http://localhost:4001")
	v.SetDefault("client.receipt_dir", ".")
	v.SetDefault("client.insurance_fee_bps", 100)
	v.SetDefault("client.insurance_timeout_minutes", 5)
	v.SetDefault("redis.addr", "localhost:6379")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"chain.rpc_url":                    "RPC_URL",
		"chain.chain_id":                   "CHAIN_ID",
		"escrow.address":                   "ESCROW_ADDRESS",
		"insurance.address":                "INSURANCE_ADDRESS",
		"server.port":                      "PORT",
		"server.private_key":               "SERVER_PRIVATE_KEY",
		"server.price":                     "PRICE",
		"server.network":                   "NETWORK",
		"server.asset":                     "ASSET_ADDRESS",
		"server.facilitator_url":           "FACILITATOR_URL",
		"server.public_url":                "PUBLIC_URL",
		"relay.port":                       "RELAYER_PORT",
		"relay.private_key":                "RELAYER_PRIVATE_KEY",
		"relay.gas_buffer_percent":         "GAS_BUFFER_PERCENT",
		"relay.admin_address":              "RELAYER_ADMIN_ADDRESS",
		"client.private_key":               "CLIENT_PRIVATE_KEY",
		"client.server_url":                "SERVER_URL",
		"client.relay_url":                 "RELAYER_URL",
		"client.receipt_dir":               "RECEIPT_DIR",
		"client.insurance_fee_bps":         "INSURANCE_FEE_BPS",
		"client.insurance_timeout_minutes": "INSURANCE_TIMEOUT_MINUTES",
		"redis.addr":                       "REDIS_ADDR",
		"redis.password":                   "REDIS_PASSWORD",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

type req struct {
	val  string
	name string
}

func require(rs ...req) error {
	for _, r := range rs {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	return nil
}

func (c *Config) validateChain() error {
	if err := require(
		req{c.Chain.RPCURL, "RPC_URL"},
		req{c.Escrow.Address, "ESCROW_ADDRESS"},
	); err != nil {
		return err
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	return nil
}

// ValidateServer checks the settings the resource server needs.
func (c *Config) ValidateServer() error {
	if err := c.validateChain(); err != nil {
		return err
	}
	return require(
		req{c.Server.PrivateKey, "SERVER_PRIVATE_KEY"},
		req{c.Server.Price, "PRICE"},
		req{c.Server.Asset, "ASSET_ADDRESS"},
		req{c.Server.FacilitatorURL, "FACILITATOR_URL"},
	)
}

// ValidateRelay checks the settings the relay needs.
func (c *Config) ValidateRelay() error {
	if err := c.validateChain(); err != nil {
		return err
	}
	if err := require(req{c.Relay.PrivateKey, "RELAYER_PRIVATE_KEY"}); err != nil {
		return err
	}
	if c.Relay.GasBufferPercent < 0 {
		return fmt.Errorf("GAS_BUFFER_PERCENT must be >= 0, got %d", c.Relay.GasBufferPercent)
	}
	return nil
}

// ValidateClient checks the settings the client CLI needs.
func (c *Config) ValidateClient() error {
	if err := c.validateChain(); err != nil {
		return err
	}
	if err := require(
		req{c.Client.PrivateKey, "CLIENT_PRIVATE_KEY"},
		req{c.Client.ServerURL, "SERVER_URL"},
	); err != nil {
		return err
	}
	if c.Client.InsuranceFeeBps < 0 || c.Client.InsuranceFeeBps > 10_000 {
		return fmt.Errorf("INSURANCE_FEE_BPS must be in [0, 10000], got %d", c.Client.InsuranceFeeBps)
	}
	return nil
}
