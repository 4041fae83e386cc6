package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"github.com/layer-3/paygate/core"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	envListen        = "PAYGATE_LISTEN"
	envLogLevel      = "PAYGATE_LOG_LEVEL"
	envRecipient     = "PAYGATE_RECIPIENT"
	envToken         = "PAYGATE_TOKEN"
	envPrice         = "PAYGATE_PRICE"
	envMinAmount     = "PAYGATE_MIN_AMOUNT"
	envRPCURL        = "PAYGATE_RPC_URL"
	envMaxAge        = "PAYGATE_MAX_AGE"
	envConfirmations = "PAYGATE_CONFIRMATIONS"
	envRealm         = "PAYGATE_REALM"
	envRedisURL      = "PAYGATE_REDIS_URL"
	envRelayerKey    = "PAYGATE_RELAYER_KEY"
	envReceiptKey    = "PAYGATE_RECEIPT_KEY"
)

// Config is the runtime configuration of a gateway process.
type Config struct {
	Listen      string            `yaml:"listen" validate:"required"`
	LogLevel    string            `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	Policy      PolicyConfig      `yaml:"policy"`
	Settlement  SettlementConfig  `yaml:"settlement"`
	Redis       RedisConfig       `yaml:"redis"`
	Events      EventsConfig      `yaml:"events"`
	Receipts    ReceiptsConfig    `yaml:"receipts"`
	Relayer     RelayerConfig     `yaml:"relayer"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Credentials map[string]string `yaml:"credentials" validate:"dive,eth_addr"`
}

// PolicyConfig describes the payment a protected route demands. The price
// is either Price in whole tokens, converted with Decimals, or MinAmount in
// base units.
type PolicyConfig struct {
	Recipient      string        `yaml:"recipient" validate:"required,eth_addr"`
	Token          string        `yaml:"token" validate:"omitempty,eth_addr"`
	Price          string        `yaml:"price" validate:"excluded_with=MinAmount"`
	Decimals       int32         `yaml:"decimals" validate:"gte=0,lte=36"`
	MinAmount      string        `yaml:"min_amount" validate:"omitempty,numeric"`
	RPCURL         string        `yaml:"rpc_url" validate:"required,url"`
	MaxAge         time.Duration `yaml:"max_age" validate:"gte=0"`
	Confirmations  uint64        `yaml:"confirmations"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gte=0"`
	Realm          string        `yaml:"realm"`
	ChallengeTTL   time.Duration `yaml:"challenge_ttl" validate:"gte=0"`
	ChainID        int64         `yaml:"chain_id" validate:"gte=0"`
	TokenName      string        `yaml:"token_name"`
	TokenVersion   string        `yaml:"token_version"`
}

// SettlementConfig bounds how long redemption waits for a broadcast to settle.
type SettlementConfig struct {
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
	Poll    time.Duration `yaml:"poll" validate:"gte=0"`
}

// RedisConfig enables shared replay, challenge and credential state.
type RedisConfig struct {
	URL             string        `yaml:"url"`
	Prefix          string        `yaml:"prefix"`
	ReplayRetention time.Duration `yaml:"replay_retention" validate:"gte=0"`
}

// EventsConfig controls authorization event publishing. Events need Redis.
type EventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Topic   string `yaml:"topic"`
}

// ReceiptsConfig controls signed payment receipts.
type ReceiptsConfig struct {
	Enabled    bool          `yaml:"enabled"`
	SigningKey string        `yaml:"signing_key" validate:"omitempty,hexadecimal"`
	TTL        time.Duration `yaml:"ttl" validate:"gte=0"`
}

// RelayerConfig holds the key that submits delegated authorizations.
type RelayerConfig struct {
	PrivateKey string `yaml:"private_key"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a configuration with every optional field filled.
func Default() *Config {
	return &Config{
		Listen:   ":9000",
		LogLevel: "info",
		Policy: PolicyConfig{
			Token:    core.DefaultToken,
			Decimals: 6,
			ChainID:  core.DefaultChainID,
		},
		Events:  EventsConfig{Topic: "paygate.authorized"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads path (if not empty), applies PAYGATE_* environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Listen = getenvDefault(envListen, c.Listen)
	c.LogLevel = getenvDefault(envLogLevel, c.LogLevel)
	c.Policy.Recipient = getenvDefault(envRecipient, c.Policy.Recipient)
	c.Policy.Token = getenvDefault(envToken, c.Policy.Token)
	c.Policy.RPCURL = getenvDefault(envRPCURL, c.Policy.RPCURL)
	c.Policy.Realm = getenvDefault(envRealm, c.Policy.Realm)
	c.Redis.URL = getenvDefault(envRedisURL, c.Redis.URL)
	c.Relayer.PrivateKey = getenvDefault(envRelayerKey, c.Relayer.PrivateKey)
	c.Receipts.SigningKey = getenvDefault(envReceiptKey, c.Receipts.SigningKey)

	if price := getenvDefault(envPrice, ""); price != "" {
		c.Policy.Price = price
		c.Policy.MinAmount = ""
	}
	if amount := getenvDefault(envMinAmount, ""); amount != "" {
		c.Policy.MinAmount = amount
		c.Policy.Price = ""
	}

	maxAge, err := parseDurationDefault(envMaxAge, c.Policy.MaxAge)
	if err != nil {
		return err
	}
	c.Policy.MaxAge = maxAge

	if raw := getenvDefault(envConfirmations, ""); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envConfirmations, err)
		}
		c.Policy.Confirmations = n
	}

	return nil
}

// Validate checks field constraints and that the policy can be built.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Events.Enabled && c.Redis.URL == "" {
		return errors.New("invalid config: events require redis.url")
	}
	if _, err := c.Policy.Amount(); err != nil {
		return err
	}
	if _, err := c.RelayerKey(); err != nil {
		return err
	}
	if _, err := c.ReceiptKey(); err != nil {
		return err
	}
	return nil
}

// Amount returns the minimum payment in token base units.
func (p PolicyConfig) Amount() (*big.Int, error) {
	switch {
	case p.MinAmount != "":
		amount, ok := new(big.Int).SetString(p.MinAmount, 10)
		if !ok || amount.Sign() < 0 {
			return nil, fmt.Errorf("invalid config: min_amount %q", p.MinAmount)
		}
		return amount, nil
	case p.Price != "":
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return nil, fmt.Errorf("invalid config: price %q: %w", p.Price, err)
		}
		if price.IsNegative() {
			return nil, fmt.Errorf("invalid config: price %q is negative", p.Price)
		}
		units := price.Shift(p.Decimals)
		if !units.Equal(units.Truncate(0)) {
			return nil, fmt.Errorf("invalid config: price %q has more than %d decimals", p.Price, p.Decimals)
		}
		return units.BigInt(), nil
	default:
		return new(big.Int), nil
	}
}

// CorePolicy builds the gate policy.
func (c *Config) CorePolicy() (core.Policy, error) {
	amount, err := c.Policy.Amount()
	if err != nil {
		return core.Policy{}, err
	}

	params := core.PolicyParams{
		Recipient:             c.Policy.Recipient,
		Token:                 c.Policy.Token,
		MinAmount:             amount,
		RPCEndpoint:           c.Policy.RPCURL,
		MaxAge:                c.Policy.MaxAge,
		RequiredConfirmations: c.Policy.Confirmations,
		RequestTimeout:        c.Policy.RequestTimeout,
		Realm:                 c.Policy.Realm,
		ChallengeTTL:          c.Policy.ChallengeTTL,
		TokenName:             c.Policy.TokenName,
		TokenVersion:          c.Policy.TokenVersion,
	}
	if c.Policy.ChainID > 0 {
		params.ChainID = big.NewInt(c.Policy.ChainID)
	}

	return core.NewPolicy(params)
}

// RelayerKey parses the relayer's secp256k1 key. It returns nil when no key
// is configured.
func (c *Config) RelayerKey() (*ecdsa.PrivateKey, error) {
	if c.Relayer.PrivateKey == "" {
		return nil, nil
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(c.Relayer.PrivateKey, "0x"))
	if err != nil {
		return nil, errors.New("invalid config: relayer private key")
	}
	return key, nil
}

// ReceiptKey parses the P-256 receipt signing key. It returns nil when no
// key is configured.
func (c *Config) ReceiptKey() (*ecdsa.PrivateKey, error) {
	if c.Receipts.SigningKey == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(c.Receipts.SigningKey, "0x"))
	if err != nil {
		return nil, errors.New("invalid config: receipt signing key")
	}

	curve := elliptic.P256()
	d := new(big.Int).SetBytes(raw)
	if d.Sign() == 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, errors.New("invalid config: receipt signing key out of range")
	}

	key := &ecdsa.PrivateKey{PublicKey: ecdsa.PublicKey{Curve: curve}, D: d}
	key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(d.Bytes())
	return key, nil
}

// CredentialAddresses returns the configured credential registry entries.
func (c *Config) CredentialAddresses() map[string]common.Address {
	entries := make(map[string]common.Address, len(c.Credentials))
	for id, addr := range c.Credentials {
		entries[id] = common.HexToAddress(addr)
	}
	return entries
}

func getenvDefault(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}

func parseDurationDefault(key string, def time.Duration) (time.Duration, error) {
	raw := getenvDefault(key, "")
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
