// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Chains    []ChainConfig   `mapstructure:"chains"`
	Nonce     NonceConfig     `mapstructure:"nonce"`
	Gas       GasConfig       `mapstructure:"gas"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Signer    SignerConfig    `mapstructure:"signer"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	HealthPort  int    `mapstructure:"health_port"`
}

// EndpointConfig describes one RPC endpoint of a chain.
type EndpointConfig struct {
	URL              string        `mapstructure:"url"`
	Priority         int           `mapstructure:"priority"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	RateLimitPerSec  float64       `mapstructure:"rate_limit_per_sec"`
}

// ChainConfig is the immutable per-chain descriptor.
type ChainConfig struct {
	Name                string           `mapstructure:"name"`
	ChainID             uint64           `mapstructure:"chain_id"`
	Endpoints           []EndpointConfig `mapstructure:"endpoints"`
	Confirmations       uint64           `mapstructure:"confirmations"`
	ConfirmationTimeout time.Duration    `mapstructure:"confirmation_timeout"`
	BlockInterval       time.Duration    `mapstructure:"block_interval"`
	MaxFeeGwei          float64          `mapstructure:"max_fee_gwei"`
	NativeToken         string           `mapstructure:"native_token"`
	NativeTokenPriceUSD float64          `mapstructure:"native_token_price_usd"`
	ReorgWindow         int              `mapstructure:"reorg_window"`
	// Reorg severity boundaries in blocks; anything past Deep is critical.
	ReorgShallowDepth  int  `mapstructure:"reorg_shallow_depth"`
	ReorgModerateDepth int  `mapstructure:"reorg_moderate_depth"`
	ReorgDeepDepth     int  `mapstructure:"reorg_deep_depth"`
	ValidateChainID    bool `mapstructure:"validate_chain_id"`
	// HistoryRetention bounds how long terminal transactions stay
	// queryable in the confirmation tracker.
	HistoryRetention time.Duration `mapstructure:"history_retention"`
}

// Nonce allocator modes.
const (
	NonceModeMemory = "memory"
	NonceModeRedis  = "redis"
)

// Signer modes.
const (
	SignerModeLocal = "local"
	SignerModeMPC   = "mpc"
)

// NonceConfig selects and tunes the nonce allocator.
type NonceConfig struct {
	// Mode is "memory" (single process) or "redis" (multi process).
	Mode           string        `mapstructure:"mode"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	ReservationTTL time.Duration `mapstructure:"reservation_ttl"`
	// HistoryRetention bounds how long completed transactions stay
	// queryable in the in-flight registry.
	HistoryRetention time.Duration `mapstructure:"history_retention"`
	RedisAddr        string        `mapstructure:"redis_addr"`
	RedisPassword    string        `mapstructure:"redis_password"`
	RedisDB          int           `mapstructure:"redis_db"`
}

// GasConfig tunes estimation and simulation.
type GasConfig struct {
	LimitBufferPct     int     `mapstructure:"limit_buffer_pct"`
	BaseFeeMultiplier  float64 `mapstructure:"base_fee_multiplier"`
	MinPriorityFeeGwei float64 `mapstructure:"min_priority_fee_gwei"`
	// TolerateSimulationTimeouts relaxes the fail-closed simulation policy
	// for timeouts only; never enabled by default.
	TolerateSimulationTimeouts bool `mapstructure:"tolerate_simulation_timeouts"`
}

// ExecutorConfig tunes dispatch behavior.
type ExecutorConfig struct {
	SimulateBeforeSend bool          `mapstructure:"simulate_before_send"`
	StuckTimeout       time.Duration `mapstructure:"stuck_timeout"`
	FeeBumpPct         int           `mapstructure:"fee_bump_pct"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
}

// SignerConfig selects the signing capability.
type SignerConfig struct {
	// Mode is "local" (dev key) or "mpc" (remote custody service).
	Mode          string        `mapstructure:"mode"`
	LocalKeyHex   string        `mapstructure:"local_key_hex"`
	MPCBaseURL    string        `mapstructure:"mpc_base_url"`
	MPCAPIKey     string        `mapstructure:"mpc_api_key"`
	MPCTimeout    time.Duration `mapstructure:"mpc_timeout"`
	AccountHandle string        `mapstructure:"account_handle"`
}

// TelemetryConfig holds observability configuration.
type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"service_name"`
	TraceProvider  string `mapstructure:"trace_provider"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	PrometheusPort int    `mapstructure:"prometheus_port"`
}

// ChainByName returns the descriptor for name, or nil.
func (c *Config) ChainByName(name string) *ChainConfig {
	for i := range c.Chains {
		if c.Chains[i].Name == name {
			return &c.Chains[i]
		}
	}
	return nil
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("CHX")
	v.AutomaticEnv()

	bindEnvVars(v)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for i := range cfg.Chains {
		cfg.Chains[i].ApplyChainDefaults()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func bindEnvVars(v *viper.Viper) {
	// App
	v.BindEnv("app.name", "CHX_APP_NAME", "SERVICE_NAME")
	v.BindEnv("app.environment", "CHX_ENVIRONMENT", "ENVIRONMENT")
	v.BindEnv("app.log_level", "CHX_LOG_LEVEL", "LOG_LEVEL")

	// Nonce coordination
	v.BindEnv("nonce.mode", "CHX_NONCE_MODE")
	v.BindEnv("nonce.redis_addr", "CHX_REDIS_ADDR", "REDIS_ADDR")
	v.BindEnv("nonce.redis_password", "CHX_REDIS_PASSWORD", "REDIS_PASSWORD")

	// Signer
	v.BindEnv("signer.mode", "CHX_SIGNER_MODE")
	v.BindEnv("signer.local_key_hex", "CHX_SIGNER_LOCAL_KEY")
	v.BindEnv("signer.mpc_base_url", "CHX_MPC_BASE_URL", "MPC_BASE_URL")
	v.BindEnv("signer.mpc_api_key", "CHX_MPC_API_KEY", "MPC_API_KEY")
	v.BindEnv("signer.account_handle", "CHX_ACCOUNT_HANDLE")

	// Telemetry
	v.BindEnv("telemetry.enabled", "CHX_OTEL_ENABLED", "OTEL_ENABLED")
	v.BindEnv("telemetry.service_name", "CHX_OTEL_SERVICE_NAME", "OTEL_SERVICE_NAME")
	v.BindEnv("telemetry.otlp_endpoint", "CHX_OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "chainexec")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.health_port", 8081)

	// Nonce defaults
	v.SetDefault("nonce.mode", "memory")
	v.SetDefault("nonce.cache_ttl", "30s")
	v.SetDefault("nonce.reservation_ttl", "15m")
	v.SetDefault("nonce.history_retention", "1h")
	v.SetDefault("nonce.redis_db", 0)

	// Gas defaults
	v.SetDefault("gas.limit_buffer_pct", 20)
	v.SetDefault("gas.base_fee_multiplier", 2.0)
	v.SetDefault("gas.min_priority_fee_gwei", 0.1)
	v.SetDefault("gas.tolerate_simulation_timeouts", false)

	// Executor defaults
	v.SetDefault("executor.simulate_before_send", true)
	v.SetDefault("executor.stuck_timeout", "3m")
	v.SetDefault("executor.fee_bump_pct", 10)
	v.SetDefault("executor.poll_interval", "2s")

	// Signer defaults
	v.SetDefault("signer.mode", "local")
	v.SetDefault("signer.mpc_timeout", "30s")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "chainexec")
	v.SetDefault("telemetry.trace_provider", "zipkin")
	v.SetDefault("telemetry.prometheus_port", 9090)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}
	seen := make(map[string]bool, len(c.Chains))
	for i := range c.Chains {
		if err := c.Chains[i].validate(); err != nil {
			return err
		}
		if seen[c.Chains[i].Name] {
			return fmt.Errorf("duplicate chain name: %s", c.Chains[i].Name)
		}
		seen[c.Chains[i].Name] = true
	}

	switch c.Nonce.Mode {
	case NonceModeMemory:
	case NonceModeRedis:
		if c.Nonce.RedisAddr == "" {
			return fmt.Errorf("nonce.redis_addr is required in redis mode")
		}
	default:
		return fmt.Errorf("unknown nonce.mode: %s", c.Nonce.Mode)
	}

	switch c.Signer.Mode {
	case SignerModeLocal:
		if c.Signer.LocalKeyHex == "" {
			return fmt.Errorf("signer.local_key_hex is required in local mode")
		}
	case SignerModeMPC:
		if c.Signer.MPCBaseURL == "" {
			return fmt.Errorf("signer.mpc_base_url is required in mpc mode")
		}
	default:
		return fmt.Errorf("unknown signer.mode: %s", c.Signer.Mode)
	}

	if c.Gas.BaseFeeMultiplier < 1.0 {
		return fmt.Errorf("gas.base_fee_multiplier must be >= 1.0")
	}
	if c.Executor.FeeBumpPct < 10 {
		return fmt.Errorf("executor.fee_bump_pct must be >= 10 (replacement rule)")
	}

	return nil
}

func (cc *ChainConfig) validate() error {
	if cc.Name == "" {
		return fmt.Errorf("chain name is required")
	}
	if cc.ChainID == 0 {
		return fmt.Errorf("chain %s: chain_id is required", cc.Name)
	}
	if len(cc.Endpoints) == 0 {
		return fmt.Errorf("chain %s: at least one endpoint is required", cc.Name)
	}
	for _, ep := range cc.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("chain %s: endpoint url is required", cc.Name)
		}
	}
	if cc.Confirmations == 0 {
		return fmt.Errorf("chain %s: confirmations must be > 0", cc.Name)
	}
	return nil
}

// ApplyChainDefaults fills unset per-chain tunables with sensible fallbacks.
func (cc *ChainConfig) ApplyChainDefaults() {
	if cc.ConfirmationTimeout == 0 {
		cc.ConfirmationTimeout = 5 * time.Minute
	}
	if cc.BlockInterval == 0 {
		cc.BlockInterval = 12 * time.Second
	}
	if cc.ReorgWindow == 0 {
		cc.ReorgWindow = 64
	}
	if cc.ReorgShallowDepth == 0 {
		cc.ReorgShallowDepth = 2
	}
	if cc.ReorgModerateDepth == 0 {
		cc.ReorgModerateDepth = 6
	}
	if cc.ReorgDeepDepth == 0 {
		cc.ReorgDeepDepth = 12
	}
	if cc.NativeToken == "" {
		cc.NativeToken = "ETH"
	}
	if cc.HistoryRetention == 0 {
		cc.HistoryRetention = time.Hour
	}
	for i := range cc.Endpoints {
		if cc.Endpoints[i].Timeout == 0 {
			cc.Endpoints[i].Timeout = 10 * time.Second
		}
		if cc.Endpoints[i].FailureThreshold == 0 {
			cc.Endpoints[i].FailureThreshold = 3
		}
		if cc.Endpoints[i].Cooldown == 0 {
			cc.Endpoints[i].Cooldown = 30 * time.Second
		}
	}
}
