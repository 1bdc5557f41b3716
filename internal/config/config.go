package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the root configuration loaded at daemon start.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Ledger    LedgerConfig    `json:"ledger"`
	Signing   SigningConfig   `json:"signing"`
	Offers    OfferConfig     `json:"offers"`
	Ingestion IngestionConfig `json:"ingestion"`
	Identity  IdentityConfig  `json:"identity"`
	Publisher PublisherConfig `json:"publisher"`
	Alerting  AlertingConfig  `json:"alerting"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig selects the durable store backend.
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// LedgerConfig describes the chain endpoint and the pool contracts.
type LedgerConfig struct {
	RPCURL                string `json:"rpc_url"`
	PoolContract          string `json:"pool_contract"`
	VaultContract         string `json:"vault_contract"`
	SettleTimeoutSeconds  int    `json:"settle_timeout_seconds"`
	ClockCacheTTLSeconds  int    `json:"clock_cache_ttl_seconds"`
	FacilitiesDefinitions string `json:"facilities_definitions"`
}

// SigningConfig holds the off-chain issuer key. The key itself is read from
// the environment variable named by PrivateKeyEnv, never from the file.
type SigningConfig struct {
	PrivateKeyEnv string `json:"private_key_env"`
	ProtocolName  string `json:"protocol_name"`
	Version       string `json:"version"`
}

// OfferConfig carries issuance policy knobs that live off-chain.
type OfferConfig struct {
	DefaultTTLSeconds         int    `json:"default_ttl_seconds"`
	AllowConcurrentLoans      bool   `json:"allow_concurrent_loans"`
	RepayGasMaxPrincipal      string `json:"repay_gas_max_principal"`
	RepayGasMaxDurationSecs   int    `json:"repay_gas_max_duration_seconds"`
	ExpirySweepIntervalSecs   int    `json:"expiry_sweep_interval_seconds"`
	DefaultScanChunk          int    `json:"default_scan_chunk"`
	ActiveLoanLookbackOffers  int    `json:"active_loan_lookback_offers"`
}

// IngestionConfig carries defaults applied to facility definitions.
type IngestionConfig struct {
	IntervalSeconds   int `json:"interval_seconds"`
	ChunkSize         int `json:"chunk_size"`
	ConfirmationDepth int `json:"confirmation_depth"`
	FanOutLimit       int `json:"fan_out_limit"`
}

// IdentityConfig configures caller-token resolution.
type IdentityConfig struct {
	Mode            string            `json:"mode"`
	Endpoint        string            `json:"endpoint"`
	StaticTokens    map[string]string `json:"static_tokens"`
	CacheTTLSeconds int               `json:"cache_ttl_seconds"`
	CacheSize       int               `json:"cache_size"`
	Redis           RedisConfig       `json:"redis"`
}

// RedisConfig describes an optional Redis cache backend.
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// PublisherConfig configures the downstream activity feed.
type PublisherConfig struct {
	Driver   string `json:"driver"`
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
	Queue    string `json:"queue"`
}

// AlertingConfig configures operator notifications.
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// LoggingConfig mirrors pkg/logger.Config.
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// Load parses the JSON configuration at path and applies defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// applyDefaults fills in sensible values for fields the operator left empty.
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.MaxOpenConns <= 0 {
		c.Storage.MaxOpenConns = 20
	}
	if c.Storage.MaxIdleConns <= 0 {
		c.Storage.MaxIdleConns = 10
	}
	if c.Storage.ConnMaxLifetimeSeconds <= 0 {
		c.Storage.ConnMaxLifetimeSeconds = 600
	}

	if c.Ledger.SettleTimeoutSeconds <= 0 {
		c.Ledger.SettleTimeoutSeconds = 120
	}
	if c.Ledger.ClockCacheTTLSeconds <= 0 {
		c.Ledger.ClockCacheTTLSeconds = 5
	}
	if c.Ledger.FacilitiesDefinitions == "" {
		c.Ledger.FacilitiesDefinitions = filepath.Join(baseDir, "facilities.yaml")
	} else if !filepath.IsAbs(c.Ledger.FacilitiesDefinitions) {
		c.Ledger.FacilitiesDefinitions = filepath.Join(baseDir, c.Ledger.FacilitiesDefinitions)
	}

	if c.Signing.PrivateKeyEnv == "" {
		c.Signing.PrivateKeyEnv = "CREDITRAIL_SIGNER_KEY"
	}
	if c.Signing.ProtocolName == "" {
		c.Signing.ProtocolName = "CreditRail"
	}
	if c.Signing.Version == "" {
		c.Signing.Version = "1"
	}

	if c.Offers.DefaultTTLSeconds <= 0 {
		c.Offers.DefaultTTLSeconds = 300
	}
	if c.Offers.RepayGasMaxPrincipal == "" {
		c.Offers.RepayGasMaxPrincipal = "10000000000000000" // 0.01 ether
	}
	if c.Offers.RepayGasMaxDurationSecs <= 0 {
		c.Offers.RepayGasMaxDurationSecs = 3600
	}
	if c.Offers.ExpirySweepIntervalSecs <= 0 {
		c.Offers.ExpirySweepIntervalSecs = 60
	}
	if c.Offers.DefaultScanChunk <= 0 {
		c.Offers.DefaultScanChunk = 25
	}
	if c.Offers.ActiveLoanLookbackOffers <= 0 {
		c.Offers.ActiveLoanLookbackOffers = 50
	}

	if c.Ingestion.IntervalSeconds <= 0 {
		c.Ingestion.IntervalSeconds = 15
	}
	if c.Ingestion.ChunkSize <= 0 {
		c.Ingestion.ChunkSize = 2000
	}
	if c.Ingestion.ConfirmationDepth < 0 {
		c.Ingestion.ConfirmationDepth = 0
	}
	if c.Ingestion.FanOutLimit <= 0 {
		c.Ingestion.FanOutLimit = 4
	}

	if c.Identity.Mode == "" {
		c.Identity.Mode = "static"
	}
	if c.Identity.CacheTTLSeconds <= 0 {
		c.Identity.CacheTTLSeconds = 60
	}
	if c.Identity.CacheSize <= 0 {
		c.Identity.CacheSize = 4096
	}

	if c.Publisher.Driver == "" {
		c.Publisher.Driver = "noop"
	}
	if c.Publisher.Queue == "" {
		c.Publisher.Queue = "creditrail.activity"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
