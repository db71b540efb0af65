package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/execution-hub/paid-dispatch/internal/domain/dispatch"
)

// Settlement backends.
const (
	BackendGateway = "gateway"
	BackendLedger  = "ledger"
)

// Config holds service configuration. A loaded Config is never mutated; use
// Holder.Apply to publish a changed copy.
type Config struct {
	DatabaseURL string         `yaml:"database_url" toml:"database_url" json:"-"`
	Server      ServerConfig   `yaml:"server" toml:"server" json:"server"`
	Registry    RegistryConfig `yaml:"registry" toml:"registry" json:"registry"`
	Selector    SelectorConfig `yaml:"selector" toml:"selector" json:"selector"`
	Payment     PaymentConfig  `yaml:"payment" toml:"payment" json:"payment"`
	Gateway     GatewayConfig  `yaml:"gateway" toml:"gateway" json:"gateway"`
	Ledger      LedgerConfig   `yaml:"ledger" toml:"ledger" json:"ledger"`
	Verifier    VerifierConfig `yaml:"verifier" toml:"verifier" json:"verifier"`
	Protocol    ProtocolConfig `yaml:"protocol" toml:"protocol" json:"protocol"`
}

type ServerConfig struct {
	Addr           string `yaml:"addr" toml:"addr" json:"addr"`
	LogLevel       string `yaml:"log_level" toml:"log_level" json:"logLevel"`
	AdminTokenHash string `yaml:"admin_token_hash" toml:"admin_token_hash" json:"-"`
}

type RegistryConfig struct {
	HealthPath    string        `yaml:"health_path" toml:"health_path" json:"healthPath"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" toml:"probe_timeout" json:"probeTimeout"`
	ProbeInterval time.Duration `yaml:"probe_interval" toml:"probe_interval" json:"probeInterval"`
}

type SelectorConfig struct {
	DefaultStrategy dispatch.Strategy `yaml:"default_strategy" toml:"default_strategy" json:"defaultStrategy"`
	WebhookURL      string            `yaml:"webhook_url" toml:"webhook_url" json:"webhookUrl,omitempty"`
	WebhookTimeout  time.Duration     `yaml:"webhook_timeout" toml:"webhook_timeout" json:"webhookTimeout"`
}

type PaymentConfig struct {
	Backend            string        `yaml:"backend" toml:"backend" json:"backend"`
	MarkupPercent      float64       `yaml:"markup_percent" toml:"markup_percent" json:"markupPercent"`
	CommandTimeout     time.Duration `yaml:"command_timeout" toml:"command_timeout" json:"commandTimeout"`
	MaxConfirmAttempts int           `yaml:"max_confirm_attempts" toml:"max_confirm_attempts" json:"maxConfirmAttempts"`
	ConfirmDelay       time.Duration `yaml:"confirm_delay" toml:"confirm_delay" json:"confirmDelay"`
}

type GatewayConfig struct {
	URL     string        `yaml:"url" toml:"url" json:"url,omitempty"`
	Timeout time.Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
}

type LedgerConfig struct {
	RPCURL           string        `yaml:"rpc_url" toml:"rpc_url" json:"rpcUrl,omitempty"`
	SecretKey        string        `yaml:"secret_key" toml:"secret_key" json:"-"`
	Asset            string        `yaml:"asset" toml:"asset" json:"asset"`
	Commitment       string        `yaml:"commitment" toml:"commitment" json:"commitment"`
	MinConfirmations int           `yaml:"min_confirmations" toml:"min_confirmations" json:"minConfirmations"`
	RPCTimeout       time.Duration `yaml:"rpc_timeout" toml:"rpc_timeout" json:"rpcTimeout"`
	ConfirmTimeout   time.Duration `yaml:"confirm_timeout" toml:"confirm_timeout" json:"confirmTimeout"`
	PollInterval     time.Duration `yaml:"poll_interval" toml:"poll_interval" json:"pollInterval"`
}

type VerifierConfig struct {
	ReceiverAccount string `yaml:"receiver_account" toml:"receiver_account" json:"receiverAccount,omitempty"`
}

// ProtocolConfig holds the key used to sign secured protocol requests.
type ProtocolConfig struct {
	KeyID  string `yaml:"key_id" toml:"key_id" json:"keyId,omitempty"`
	Secret string `yaml:"secret" toml:"secret" json:"-"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:     "0.0.0.0:8080",
			LogLevel: "info",
		},
		Registry: RegistryConfig{
			HealthPath:    "/health",
			ProbeTimeout:  5 * time.Second,
			ProbeInterval: 30 * time.Second,
		},
		Selector: SelectorConfig{
			DefaultStrategy: dispatch.StrategyLowestPrice,
			WebhookTimeout:  3 * time.Second,
		},
		Payment: PaymentConfig{
			Backend:            BackendGateway,
			MarkupPercent:      10,
			CommandTimeout:     30 * time.Second,
			MaxConfirmAttempts: 3,
			ConfirmDelay:       2 * time.Second,
		},
		Gateway: GatewayConfig{
			Timeout: 30 * time.Second,
		},
		Ledger: LedgerConfig{
			Asset:          "SOL",
			Commitment:     "confirmed",
			RPCTimeout:     15 * time.Second,
			ConfirmTimeout: 60 * time.Second,
			PollInterval:   time.Second,
		},
		Protocol: ProtocolConfig{
			KeyID: "default",
		},
	}
}

// Load reads configuration from defaults, an optional CONFIG_FILE (YAML or
// TOML), then environment variables.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envString(&cfg.DatabaseURL, "DATABASE_URL")
	envString(&cfg.Server.Addr, "SERVER_ADDR")
	envString(&cfg.Server.LogLevel, "LOG_LEVEL")
	envString(&cfg.Server.AdminTokenHash, "ADMIN_TOKEN_HASH")

	envString(&cfg.Registry.HealthPath, "HEALTH_PATH")
	envDuration(&cfg.Registry.ProbeTimeout, "PROBE_TIMEOUT")
	envDuration(&cfg.Registry.ProbeInterval, "PROBE_INTERVAL")

	if v := os.Getenv("DEFAULT_STRATEGY"); v != "" {
		cfg.Selector.DefaultStrategy = dispatch.Strategy(v)
	}
	envString(&cfg.Selector.WebhookURL, "SELECTOR_WEBHOOK_URL")
	envDuration(&cfg.Selector.WebhookTimeout, "SELECTOR_WEBHOOK_TIMEOUT")

	envString(&cfg.Payment.Backend, "PAYMENT_BACKEND")
	envFloat(&cfg.Payment.MarkupPercent, "MARKUP_PERCENT")
	envDuration(&cfg.Payment.CommandTimeout, "COMMAND_TIMEOUT")
	envInt(&cfg.Payment.MaxConfirmAttempts, "CONFIRM_MAX_ATTEMPTS")
	envDuration(&cfg.Payment.ConfirmDelay, "CONFIRM_DELAY")

	envString(&cfg.Gateway.URL, "GATEWAY_URL")
	envDuration(&cfg.Gateway.Timeout, "GATEWAY_TIMEOUT")

	envString(&cfg.Ledger.RPCURL, "LEDGER_RPC_URL")
	envString(&cfg.Ledger.SecretKey, "LEDGER_SECRET_KEY")
	envString(&cfg.Ledger.Asset, "LEDGER_ASSET")
	envString(&cfg.Ledger.Commitment, "LEDGER_COMMITMENT")
	envInt(&cfg.Ledger.MinConfirmations, "LEDGER_MIN_CONFIRMATIONS")
	envDuration(&cfg.Ledger.RPCTimeout, "LEDGER_RPC_TIMEOUT")
	envDuration(&cfg.Ledger.ConfirmTimeout, "LEDGER_CONFIRM_TIMEOUT")
	envDuration(&cfg.Ledger.PollInterval, "LEDGER_POLL_INTERVAL")

	envString(&cfg.Verifier.ReceiverAccount, "VERIFIER_RECEIVER_ACCOUNT")

	envString(&cfg.Protocol.KeyID, "PROTOCOL_KEY_ID")
	envString(&cfg.Protocol.Secret, "PROTOCOL_SECRET")
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if !c.Selector.DefaultStrategy.Valid() {
		errs = append(errs, fmt.Errorf("default strategy %q: %w", c.Selector.DefaultStrategy, dispatch.ErrInvalidStrategy))
	}
	switch c.Payment.Backend {
	case BackendGateway, BackendLedger:
	default:
		errs = append(errs, fmt.Errorf("unknown payment backend %q", c.Payment.Backend))
	}
	if c.Payment.MarkupPercent < 0 {
		errs = append(errs, errors.New("markup percent must not be negative"))
	}
	if c.Payment.MaxConfirmAttempts < 1 {
		errs = append(errs, errors.New("max confirm attempts must be at least 1"))
	}
	if c.Payment.ConfirmDelay < 0 {
		errs = append(errs, errors.New("confirm delay must not be negative"))
	}
	if c.Payment.CommandTimeout <= 0 || c.Registry.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if strings.TrimSpace(c.Registry.HealthPath) == "" {
		errs = append(errs, errors.New("health path is required"))
	}
	if c.Ledger.MinConfirmations < 0 {
		errs = append(errs, errors.New("min confirmations must not be negative"))
	}
	switch c.Ledger.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		errs = append(errs, fmt.Errorf("ledger commitment %q must be processed, confirmed or finalized", c.Ledger.Commitment))
	}
	return errors.Join(errs...)
}

// Clone returns a copy of c.
func (c *Config) Clone() *Config {
	out := *c
	return &out
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envDuration(dst *time.Duration, key string) {
	*dst = parseDuration(os.Getenv(key), *dst)
}

func envInt(dst *int, key string) {
	val := os.Getenv(key)
	if val == "" {
		return
	}
	if n, err := strconv.Atoi(val); err == nil {
		*dst = n
	}
}

func envFloat(dst *float64, key string) {
	val := os.Getenv(key)
	if val == "" {
		return
	}
	if f, err := strconv.ParseFloat(val, 64); err == nil {
		*dst = f
	}
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}
