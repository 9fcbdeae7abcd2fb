// Package config loads marketplace configuration from YAML with
// environment overrides for deploy-time settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Rates    RatesConfig    `yaml:"rate_limits"`
	Fees     FeesConfig     `yaml:"fees"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Verify   VerifyConfig   `yaml:"verify"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Deadline DeadlineConfig `yaml:"deadlines"`
	Webhooks WebhookConfig  `yaml:"webhooks"`
	Chain    ChainConfig    `yaml:"chain"`
	Identity IdentityConfig `yaml:"identity"`
	Secrets  SecretsConfig  `yaml:"secrets"`
}

type ServerConfig struct {
	Port         string `yaml:"port"`
	Env          string `yaml:"env"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	SignatureMaxAgeSeconds int `yaml:"signature_max_age_seconds"`
	NonceTTLSeconds        int `yaml:"nonce_ttl_seconds"`
}

func (a AuthConfig) SignatureMaxAge() time.Duration {
	return time.Duration(a.SignatureMaxAgeSeconds) * time.Second
}

func (a AuthConfig) NonceTTL() time.Duration {
	return time.Duration(a.NonceTTLSeconds) * time.Second
}

// Bucket is one token-bucket shape: burst capacity plus sustained
// refill per minute.
type Bucket struct {
	Capacity     int `yaml:"capacity"`
	RefillPerMin int `yaml:"refill_per_minute"`
}

type RatesConfig struct {
	Discovery    Bucket `yaml:"discovery"`
	Read         Bucket `yaml:"read"`
	Write        Bucket `yaml:"write"`
	JobLifecycle Bucket `yaml:"job_lifecycle"`
	Registration Bucket `yaml:"registration"`
	Unauth       Bucket `yaml:"unauth_generic"`
}

type FeesConfig struct {
	BaseFeePercent     string `yaml:"base_fee_percent"`
	ClientShare        string `yaml:"client_share"`
	SellerShare        string `yaml:"seller_share"`
	MinimumFee         string `yaml:"minimum_fee"`
	VerifyPerCPUSecond string `yaml:"verify_per_cpu_second"`
	VerifyMinimum      string `yaml:"verify_minimum"`
	StoragePerKB       string `yaml:"storage_per_kb"`
	StorageMinimum     string `yaml:"storage_minimum"`
	WithdrawalFlatFee  string `yaml:"withdrawal_flat_fee"`
	MinWithdrawal      string `yaml:"min_withdrawal"`
	MaxWithdrawal      string `yaml:"max_withdrawal"`
}

type JobsConfig struct {
	DefaultMaxRounds int `yaml:"default_max_rounds"`
	MaxCriteriaBytes int `yaml:"max_criteria_bytes"`
	MaxResultBytes   int `yaml:"max_result_bytes"`
}

type VerifyConfig struct {
	DisableHTTPStatus   bool `yaml:"disable_http_status"`
	TestTimeoutSeconds  int  `yaml:"test_timeout_seconds"`
	SuiteTimeoutSeconds int  `yaml:"suite_timeout_seconds"`
}

type SandboxConfig struct {
	DockerHost         string `yaml:"docker_host"`
	DefaultTimeoutSecs int    `yaml:"default_timeout_seconds"`
	MaxTimeoutSecs     int    `yaml:"max_timeout_seconds"`
	DefaultMemoryMB    int64  `yaml:"default_memory_mb"`
	MaxMemoryMB        int64  `yaml:"max_memory_mb"`
	MaxScriptBytes     int    `yaml:"max_script_bytes"`
	MaxOutputBytes     int    `yaml:"max_output_bytes"`
	WorkDir            string `yaml:"work_dir"`
}

type DeadlineConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	WarningLeadMinutes  int `yaml:"warning_lead_minutes"`
}

type WebhookConfig struct {
	Workers        int   `yaml:"workers"`
	TimeoutSeconds int   `yaml:"timeout_seconds"`
	MaxAttempts    int   `yaml:"max_attempts"`
	BackoffSeconds []int `yaml:"backoff_seconds"`
}

type ChainConfig struct {
	RPCURL              string `yaml:"rpc_url"`
	USDCContract        string `yaml:"usdc_contract"`
	Confirmations       int64  `yaml:"confirmations"`
	MinDeposit          string `yaml:"min_deposit"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	MasterSeedSecret    string `yaml:"master_seed_secret"`
	HotWalletKeySecret  string `yaml:"hot_wallet_key_secret"`
}

type IdentityConfig struct {
	ProviderURL string `yaml:"provider_url"`
	Required    bool   `yaml:"required"`
}

type SecretsConfig struct {
	Backend string `yaml:"backend"` // "env" or "file"
	Dir     string `yaml:"dir"`
}

// Load reads the YAML config at path, loads .env if present, applies
// environment overrides, and fills defaults. An empty path yields a
// config built from environment and defaults alone.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("DOCKER_HOST"); v != "" {
		c.Sandbox.DockerHost = v
	}
	if v := os.Getenv("CHAIN_RPC_URL"); v != "" {
		c.Chain.RPCURL = v
	}
	if v := os.Getenv("USDC_CONTRACT"); v != "" {
		c.Chain.USDCContract = v
	}
	if v := os.Getenv("CHAIN_CONFIRMATIONS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Chain.Confirmations = n
		}
	}
	if v := os.Getenv("IDENTITY_PROVIDER_URL"); v != "" {
		c.Identity.ProviderURL = v
	}
	if v := os.Getenv("SECRETS_BACKEND"); v != "" {
		c.Secrets.Backend = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Auth.SignatureMaxAgeSeconds == 0 {
		c.Auth.SignatureMaxAgeSeconds = 30
	}
	if c.Auth.NonceTTLSeconds == 0 {
		c.Auth.NonceTTLSeconds = 60
	}
	if c.Rates.Discovery.Capacity == 0 {
		c.Rates.Discovery = Bucket{Capacity: 60, RefillPerMin: 20}
	}
	if c.Rates.Read.Capacity == 0 {
		c.Rates.Read = Bucket{Capacity: 120, RefillPerMin: 60}
	}
	if c.Rates.Write.Capacity == 0 {
		c.Rates.Write = Bucket{Capacity: 30, RefillPerMin: 10}
	}
	if c.Rates.JobLifecycle.Capacity == 0 {
		c.Rates.JobLifecycle = Bucket{Capacity: 20, RefillPerMin: 5}
	}
	if c.Rates.Registration.Capacity == 0 {
		c.Rates.Registration = Bucket{Capacity: 5, RefillPerMin: 2}
	}
	if c.Rates.Unauth.Capacity == 0 {
		c.Rates.Unauth = Bucket{Capacity: 30, RefillPerMin: 10}
	}
	if c.Fees.BaseFeePercent == "" {
		c.Fees.BaseFeePercent = "1.0"
	}
	if c.Fees.ClientShare == "" {
		c.Fees.ClientShare = "0.5"
	}
	if c.Fees.SellerShare == "" {
		c.Fees.SellerShare = "0.5"
	}
	if c.Fees.MinimumFee == "" {
		c.Fees.MinimumFee = "0.01"
	}
	if c.Fees.VerifyPerCPUSecond == "" {
		c.Fees.VerifyPerCPUSecond = "0.01"
	}
	if c.Fees.VerifyMinimum == "" {
		c.Fees.VerifyMinimum = "0.05"
	}
	if c.Fees.StoragePerKB == "" {
		c.Fees.StoragePerKB = "0.001"
	}
	if c.Fees.StorageMinimum == "" {
		c.Fees.StorageMinimum = "0.01"
	}
	if c.Fees.WithdrawalFlatFee == "" {
		c.Fees.WithdrawalFlatFee = "1.00"
	}
	if c.Fees.MinWithdrawal == "" {
		c.Fees.MinWithdrawal = "5.00"
	}
	if c.Fees.MaxWithdrawal == "" {
		c.Fees.MaxWithdrawal = "10000.00"
	}
	if c.Jobs.DefaultMaxRounds == 0 {
		c.Jobs.DefaultMaxRounds = 5
	}
	if c.Jobs.MaxCriteriaBytes == 0 {
		c.Jobs.MaxCriteriaBytes = 64 << 10
	}
	if c.Jobs.MaxResultBytes == 0 {
		c.Jobs.MaxResultBytes = 256 << 10
	}
	if c.Verify.TestTimeoutSeconds == 0 {
		c.Verify.TestTimeoutSeconds = 60
	}
	if c.Verify.SuiteTimeoutSeconds == 0 {
		c.Verify.SuiteTimeoutSeconds = 300
	}
	if c.Sandbox.DefaultTimeoutSecs == 0 {
		c.Sandbox.DefaultTimeoutSecs = 60
	}
	if c.Sandbox.MaxTimeoutSecs == 0 {
		c.Sandbox.MaxTimeoutSecs = 300
	}
	if c.Sandbox.DefaultMemoryMB == 0 {
		c.Sandbox.DefaultMemoryMB = 256
	}
	if c.Sandbox.MaxMemoryMB == 0 {
		c.Sandbox.MaxMemoryMB = 512
	}
	if c.Sandbox.MaxScriptBytes == 0 {
		c.Sandbox.MaxScriptBytes = 1 << 20
	}
	if c.Sandbox.MaxOutputBytes == 0 {
		c.Sandbox.MaxOutputBytes = 64 << 10
	}
	if c.Sandbox.WorkDir == "" {
		c.Sandbox.WorkDir = os.TempDir()
	}
	if c.Deadline.PollIntervalSeconds == 0 {
		c.Deadline.PollIntervalSeconds = 5
	}
	if c.Deadline.WarningLeadMinutes == 0 {
		c.Deadline.WarningLeadMinutes = 60
	}
	if c.Webhooks.Workers == 0 {
		c.Webhooks.Workers = 5
	}
	if c.Webhooks.TimeoutSeconds == 0 {
		c.Webhooks.TimeoutSeconds = 10
	}
	if c.Webhooks.MaxAttempts == 0 {
		c.Webhooks.MaxAttempts = 5
	}
	if len(c.Webhooks.BackoffSeconds) == 0 {
		c.Webhooks.BackoffSeconds = []int{1, 5, 30, 300, 1800}
	}
	if c.Chain.Confirmations == 0 {
		c.Chain.Confirmations = 12
	}
	if c.Chain.MinDeposit == "" {
		c.Chain.MinDeposit = "1.00"
	}
	if c.Chain.PollIntervalSeconds == 0 {
		c.Chain.PollIntervalSeconds = 15
	}
	if c.Chain.MasterSeedSecret == "" {
		c.Chain.MasterSeedSecret = "WALLET_MASTER_SEED"
	}
	if c.Chain.HotWalletKeySecret == "" {
		c.Chain.HotWalletKeySecret = "HOT_WALLET_PRIVATE_KEY"
	}
	if c.Secrets.Backend == "" {
		c.Secrets.Backend = "env"
	}
}
