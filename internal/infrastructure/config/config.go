package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Environment string         `mapstructure:"environment"`
	LogLevel    string         `mapstructure:"log_level"`
	Server      ServerConfig   `mapstructure:"server"`
	Database    DatabaseConfig `mapstructure:"database"`
	Redis       RedisConfig    `mapstructure:"redis"`
	Chain       ChainConfig    `mapstructure:"chain"`
	Indexer     IndexerConfig  `mapstructure:"indexer"`
	Webhook     WebhookConfig  `mapstructure:"webhook"`
	Deposit     DepositConfig  `mapstructure:"deposit"`
	Withdraw    WithdrawConfig `mapstructure:"withdraw"`
	Worker      WorkerConfig   `mapstructure:"worker"`
}

type ServerConfig struct {
	Port         int `mapstructure:"port"`
	ReadTimeout  int `mapstructure:"read_timeout"`
	WriteTimeout int `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	URL             string `mapstructure:"url"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string `mapstructure:"migrations_path"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ChainConfig covers the RPC provider and the single chain/token pair
// the reconciliation engine watches.
type ChainConfig struct {
	RPCURL        string `mapstructure:"rpc_url"`
	ChainID       int64  `mapstructure:"chain_id"`
	ChainTag      string `mapstructure:"chain_tag"`
	TokenAddress  string `mapstructure:"token_address"`
	TokenSymbol   string `mapstructure:"token_symbol"`
	TokenDecimals int32  `mapstructure:"token_decimals"`
	Confirmations int64  `mapstructure:"confirmations"`
	// SigningKey is the hot-wallet private key in hex, no 0x prefix
	SigningKey string `mapstructure:"signing_key"`
	// GasLimitBufferPct is added on top of the estimated gas (20 = x1.2)
	GasLimitBufferPct int64 `mapstructure:"gas_limit_buffer_pct"`
	// MaxBlockRange is the initial log-query window; shrunk at runtime
	// when the provider reports a smaller limit
	MaxBlockRange int64 `mapstructure:"max_block_range"`
}

type IndexerConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	APIKey      string `mapstructure:"api_key"`
	PageSize    int    `mapstructure:"page_size"`
	WindowSize  int64  `mapstructure:"window_size"`
	MaxBackoff  int    `mapstructure:"max_backoff"`
	TimeoutSecs int    `mapstructure:"timeout_secs"`
}

// WebhookConfig carries the shared secrets push payloads are verified
// against. Empty is valid: the handler acknowledges unsigned payloads
// until the push-registration handshake installs a secret.
type WebhookConfig struct {
	Secrets []string `mapstructure:"secrets"`
}

type DepositConfig struct {
	MinAmount      decimal.Decimal `mapstructure:"-"`
	MinAmountStr   string          `mapstructure:"min_amount"`
	Tolerance      decimal.Decimal `mapstructure:"-"`
	ToleranceStr   string          `mapstructure:"tolerance"`
	RequestTTL     time.Duration   `mapstructure:"request_ttl"`
	IntentLookback int64           `mapstructure:"intent_lookback"`
	FullLookback   int64           `mapstructure:"full_lookback"`
	FullScan       bool            `mapstructure:"full_scan"`
	MaxWindows     int             `mapstructure:"max_windows"`
}

type WithdrawConfig struct {
	AutoEnabled bool          `mapstructure:"auto_enabled"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	BatchSize   int           `mapstructure:"batch_size"`
	// GasReserve is a native-currency floor (human units) kept back from
	// the gas preflight so one broadcast cannot drain the hot wallet
	GasReserve    decimal.Decimal `mapstructure:"-"`
	GasReserveStr string          `mapstructure:"gas_reserve"`
	Confirmations int64           `mapstructure:"confirmations"`
}

type WorkerConfig struct {
	BusyInterval    time.Duration `mapstructure:"busy_interval"`
	IdleInterval    time.Duration `mapstructure:"idle_interval"`
	AddressInterval time.Duration `mapstructure:"address_interval"`
	CreditBatch     int           `mapstructure:"credit_batch"`
	ExpirySchedule  string        `mapstructure:"expiry_schedule"`
}

// Load reads configuration from .env / environment with fail-fast
// validation of everything the core cannot run without.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore errors if file doesn't exist)
	godotenv.Load()

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Keys without defaults are invisible to Unmarshal unless bound
	for _, key := range []string{
		"database.url",
		"redis.password",
		"chain.rpc_url",
		"chain.chain_id",
		"chain.token_address",
		"chain.signing_key",
		"indexer.base_url",
		"indexer.api_key",
		"webhook.secrets",
	} {
		viper.BindEnv(key)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	var err error
	if cfg.Deposit.MinAmount, err = decimal.NewFromString(cfg.Deposit.MinAmountStr); err != nil {
		return nil, fmt.Errorf("invalid deposit.min_amount %q: %w", cfg.Deposit.MinAmountStr, err)
	}
	if cfg.Deposit.Tolerance, err = decimal.NewFromString(cfg.Deposit.ToleranceStr); err != nil {
		return nil, fmt.Errorf("invalid deposit.tolerance %q: %w", cfg.Deposit.ToleranceStr, err)
	}
	if cfg.Withdraw.GasReserve, err = decimal.NewFromString(cfg.Withdraw.GasReserveStr); err != nil {
		return nil, fmt.Errorf("invalid withdraw.gas_reserve %q: %w", cfg.Withdraw.GasReserveStr, err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)

	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 300)
	viper.SetDefault("database.migrations_path", "migrations")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("chain.chain_tag", "BSC")
	viper.SetDefault("chain.token_symbol", "USDT")
	viper.SetDefault("chain.token_decimals", 18)
	viper.SetDefault("chain.confirmations", 12)
	viper.SetDefault("chain.gas_limit_buffer_pct", 20)
	viper.SetDefault("chain.max_block_range", 10000)

	viper.SetDefault("indexer.page_size", 100)
	viper.SetDefault("indexer.window_size", 5000)
	viper.SetDefault("indexer.max_backoff", 5)
	viper.SetDefault("indexer.timeout_secs", 30)

	viper.SetDefault("deposit.min_amount", "1")
	viper.SetDefault("deposit.tolerance", "0.10")
	viper.SetDefault("deposit.request_ttl", 24*time.Hour)
	viper.SetDefault("deposit.intent_lookback", 1000)
	viper.SetDefault("deposit.full_lookback", 50000)
	viper.SetDefault("deposit.full_scan", false)
	viper.SetDefault("deposit.max_windows", 10)

	viper.SetDefault("withdraw.auto_enabled", false)
	viper.SetDefault("withdraw.stale_after", 30*time.Minute)
	viper.SetDefault("withdraw.batch_size", 10)
	viper.SetDefault("withdraw.gas_reserve", "0.005")
	viper.SetDefault("withdraw.confirmations", 12)

	viper.SetDefault("worker.busy_interval", 5*time.Second)
	viper.SetDefault("worker.idle_interval", 30*time.Second)
	viper.SetDefault("worker.address_interval", 15*time.Second)
	viper.SetDefault("worker.credit_batch", 100)
	viper.SetDefault("worker.expiry_schedule", "0 * * * *")
}

func validate(cfg *Config) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if cfg.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	if cfg.Chain.ChainID == 0 {
		return fmt.Errorf("chain.chain_id is required")
	}
	if cfg.Chain.TokenAddress == "" {
		return fmt.Errorf("chain.token_address is required")
	}
	if cfg.Chain.Confirmations < 0 {
		return fmt.Errorf("chain.confirmations must be non-negative")
	}
	if cfg.Withdraw.AutoEnabled && cfg.Chain.SigningKey == "" {
		return fmt.Errorf("chain.signing_key is required when withdraw.auto_enabled is set")
	}
	if cfg.Deposit.MinAmount.IsNegative() {
		return fmt.Errorf("deposit.min_amount must be non-negative")
	}
	if cfg.Deposit.Tolerance.IsNegative() {
		return fmt.Errorf("deposit.tolerance must be non-negative")
	}
	if cfg.Withdraw.GasReserve.IsNegative() {
		return fmt.Errorf("withdraw.gas_reserve must be non-negative")
	}
	if cfg.Indexer.BaseURL != "" && cfg.Indexer.APIKey == "" {
		return fmt.Errorf("indexer.api_key is required when indexer.base_url is set")
	}
	return nil
}
