package config

import (
	"fmt"
	"time"

	"github.com/jellydator/validation"
	"github.com/shopspring/decimal"

	"github.com/vietddude/trenches/internal/core/domain"
	redisclient "github.com/vietddude/trenches/internal/infra/redis"
	"github.com/vietddude/trenches/internal/infra/storage/postgres"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Environment      string             `yaml:"environment"`
	Server           ServerConfig       `yaml:"server"`
	Logging          LoggingConfig      `yaml:"logging"`
	Database         postgres.Config    `yaml:"database"`
	Redis            redisclient.Config `yaml:"redis"`
	HDWallet         HDWalletConfig     `yaml:"hd_wallet"`
	Chains           []ChainConfig      `yaml:"chains"`
	Scanner          ScannerConfig      `yaml:"scanner"`
	Tracker          TrackerConfig      `yaml:"tracker"`
	Payout           PayoutConfig       `yaml:"payout"`
	Retry            RetryConfig        `yaml:"retry"`
	ScanLogRetention time.Duration      `yaml:"scan_log_retention"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// HDWalletConfig holds the master secret deposit addresses are derived from.
type HDWalletConfig struct {
	Mnemonic   string `yaml:"mnemonic"`
	Passphrase string `yaml:"passphrase"`
}

// ChainConfig holds settings for a specific blockchain.
type ChainConfig struct {
	ID                domain.ChainID `yaml:"id"`
	RPCURL            string         `yaml:"rpc_url"`
	RPCRateLimit      int            `yaml:"rpc_rate_limit"` // requests per second, 0 = unlimited
	Confirmations     uint64         `yaml:"confirmations"`
	SafeConfirmations uint64         `yaml:"safe_confirmations"`
	LogRangeLimit     uint64         `yaml:"log_range_limit"`
	ScanInterval      time.Duration  `yaml:"scan_interval"`
	StartBlock        uint64         `yaml:"start_block"`
	ReorgWatchWindow  uint64         `yaml:"reorg_watch_window"` // blocks past safe depth to keep rechecking
	TxGracePeriod     time.Duration  `yaml:"tx_grace_period"`
	Tokens            []TokenConfig  `yaml:"tokens"`
	HotWalletKey      string         `yaml:"hot_wallet_key"`
	TreasuryAddress   string         `yaml:"treasury_address"`
	GasTopUp          string         `yaml:"gas_top_up"` // native units sent to a deposit address before a sweep
}

// TokenConfig describes one watched token.
type TokenConfig struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"` // ERC-20 contract or SPL mint
	Decimals int32  `yaml:"decimals"`
	PriceUSD string `yaml:"price_usd"`
}

// ScannerConfig holds settings for user-triggered scans.
type ScannerConfig struct {
	UserCooldown       time.Duration `yaml:"user_cooldown"`
	UserLookbackBlocks uint64        `yaml:"user_lookback_blocks"`
}

// TrackerConfig holds settings for the confirmation tracker.
type TrackerConfig struct {
	Interval  time.Duration `yaml:"interval"`
	LockTTL   time.Duration `yaml:"lock_ttl"`
	BatchSize int           `yaml:"batch_size"`
}

// PayoutConfig holds settings for the payout queue processor.
type PayoutConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Schedule       time.Duration `yaml:"schedule"`
	BatchSize      int           `yaml:"batch_size"`
	HardCap        int           `yaml:"hard_cap"`
	Interval       time.Duration `yaml:"interval"`
	MaxRetries     int           `yaml:"max_retries"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	SubmitTimeout  time.Duration `yaml:"submit_timeout"`
}

// RetryConfig holds the shared RPC retry policy.
type RetryConfig struct {
	MaxAttempts  uint64        `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// Chain returns the configuration of a chain.
func (c *AppConfig) Chain(id domain.ChainID) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.ID == id {
			return ch, true
		}
	}
	return ChainConfig{}, false
}

// Token returns the token configured under symbol.
func (c ChainConfig) Token(symbol string) (TokenConfig, bool) {
	for _, t := range c.Tokens {
		if t.Symbol == symbol {
			return t, true
		}
	}
	return TokenConfig{}, false
}

// Price parses the configured USD price.
func (t TokenConfig) Price() decimal.Decimal {
	p, err := decimal.NewFromString(t.PriceUSD)
	if err != nil {
		return decimal.Zero
	}
	return p
}

func (c AppConfig) Validate() error {
	if err := validation.ValidateStruct(&c,
		validation.Field(&c.Environment, validation.Required, validation.In(EnvDevelopment, EnvProduction)),
		validation.Field(&c.HDWallet),
		validation.Field(&c.Chains, validation.Required),
		validation.Field(&c.Payout),
		validation.Field(&c.Retry),
	); err != nil {
		return err
	}

	// The lock backend is mandatory outside development.
	if c.Environment == EnvProduction && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required in production")
	}

	seen := make(map[domain.ChainID]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if seen[ch.ID] {
			return fmt.Errorf("chain %s configured twice", ch.ID)
		}
		seen[ch.ID] = true
	}
	return nil
}

func (h HDWalletConfig) Validate() error {
	return validation.ValidateStruct(&h,
		validation.Field(&h.Mnemonic, validation.Required.Error("master mnemonic is not configured")),
	)
}

func (c ChainConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ID, validation.Required, validation.By(knownChain)),
		validation.Field(&c.RPCURL, validation.Required),
		validation.Field(&c.Confirmations, validation.Required),
		validation.Field(&c.SafeConfirmations,
			validation.Required,
			validation.Min(c.Confirmations+1).Error("must be larger than confirmations"),
		),
		validation.Field(&c.Tokens, validation.Required),
		validation.Field(&c.GasTopUp, validation.By(decimalString)),
	)
}

func (t TokenConfig) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.Symbol, validation.Required),
		validation.Field(&t.Address, validation.Required),
		validation.Field(&t.Decimals, validation.Min(int32(0)), validation.Max(int32(36))),
		validation.Field(&t.PriceUSD, validation.Required, validation.By(decimalString)),
	)
}

func (p PayoutConfig) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.BatchSize, validation.Min(1), validation.Max(p.HardCap)),
		validation.Field(&p.MaxRetries, validation.Min(0)),
	)
}

func (r RetryConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MaxAttempts, validation.Min(uint64(1))),
		validation.Field(&r.MaxDelay, validation.Min(r.InitialDelay)),
	)
}

func knownChain(value any) error {
	id, _ := value.(domain.ChainID)
	if !id.Valid() {
		return fmt.Errorf("unknown chain %q", id)
	}
	return nil
}

func decimalString(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := decimal.NewFromString(s); err != nil {
		return fmt.Errorf("not a decimal: %q", s)
	}
	return nil
}
